package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/capstan-io/capstan/api"
	transport "github.com/capstan-io/capstan/http"
)

const EnvVariableURL = "CAPSTAN_URL"

type rootOpts struct {
	URL string
	API api.Service
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

var rootLongHelp = strings.TrimSpace(`
capstanctl promotes releases through your environments.

Workflow:
  capstanctl promote -s billing -v 1.4.0 -e staging  # Start a promotion.
  capstanctl status -s billing -e staging            # Where did it get to?
  capstanctl approve -d <deployment-id>              # Let it into a gated environment.
  capstanctl history -s billing -e staging           # What happened before?
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "capstanctl",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		PersistentPreRunE: opts.PersistentPreRunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.URL, "url", "u", "http://localhost:3031",
		fmt.Sprintf("base URL of the capstand API server; you can also set the environment variable %s", EnvVariableURL))

	cmd.AddCommand(
		newPromote(opts).Command(),
		newRollback(opts).Command(),
		newApprove(opts).Command(),
		newDeny(opts).Command(),
		newStatus(opts).Command(),
		newHistory(opts).Command(),
	)

	return cmd
}

func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	url := os.Getenv(EnvVariableURL)
	if cmd.Flags().Changed("url") || url == "" {
		url = opts.URL
	}
	opts.API = transport.NewClient(http.DefaultClient, transport.NewRouter(), url)
	return nil
}
