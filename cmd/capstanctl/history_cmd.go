package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/capstan-io/capstan"
	"github.com/capstan-io/capstan/ledger"
)

type historyOpts struct {
	*rootOpts
	service     string
	environment string
}

func newHistory(parent *rootOpts) *historyOpts {
	return &historyOpts{rootOpts: parent}
}

func (opts *historyOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the transition history for a service in an environment",
		Example: makeExample(
			"capstanctl history --service=billing --environment=staging",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.service, "service", "s", "", "Service to show history for")
	cmd.Flags().StringVarP(&opts.environment, "environment", "e", "", "Environment to show history for")
	return cmd
}

func (opts *historyOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	if opts.service == "" || opts.environment == "" {
		return newUsageError("please supply --service and --environment")
	}

	transitions, err := opts.API.History(cmd.Context(), capstan.Target{
		ServiceName:     opts.service,
		EnvironmentName: opts.environment,
	})
	if err != nil {
		return err
	}

	out := newTabwriter()
	fmt.Fprintln(out, "TIME\tDEPLOYMENT\tTRANSITION\tREASON")
	for _, t := range transitions {
		fmt.Fprintf(out, "%s\t%s\t%s -> %s\t%s\n",
			t.RecordedAt.Format(time.RFC822), t.DeploymentID, t.FromState, t.ToState, t.Metadata[ledger.MetadataReason])
	}
	out.Flush()
	return nil
}
