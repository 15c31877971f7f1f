package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/capstan-io/capstan"
)

type statusOpts struct {
	*rootOpts
	deployment  string
	service     string
	environment string
}

func newStatus(parent *rootOpts) *statusOpts {
	return &statusOpts{rootOpts: parent}
}

func (opts *statusOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a deployment's current state",
		Example: makeExample(
			"capstanctl status --deployment=6a1fcbc2-16b5-4b6d-a42a-9fcbcd2a9f1e",
			"capstanctl status --service=billing --environment=staging",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.deployment, "deployment", "d", "", "Deployment to show; mutually exclusive with --service/--environment")
	cmd.Flags().StringVarP(&opts.service, "service", "s", "", "Service whose latest deployment to show")
	cmd.Flags().StringVarP(&opts.environment, "environment", "e", "", "Environment whose latest deployment to show")
	return cmd
}

func (opts *statusOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}

	var d capstan.Deployment
	var err error
	switch {
	case opts.deployment != "":
		d, err = opts.API.GetStatus(cmd.Context(), capstan.DeploymentID(opts.deployment))
	case opts.service != "" && opts.environment != "":
		d, err = opts.API.GetTargetStatus(cmd.Context(), capstan.Target{
			ServiceName:     opts.service,
			EnvironmentName: opts.environment,
		})
	default:
		return newUsageError("please supply either --deployment, or --service and --environment")
	}
	if err != nil {
		return err
	}

	out := newTabwriter()
	fmt.Fprintln(out, "DEPLOYMENT\tSERVICE\tENVIRONMENT\tVERSION\tSTATE\tUPDATED")
	fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%s\n",
		d.ID, d.ServiceName, d.EnvironmentName, d.Artifact.Version, d.State, d.UpdatedAt.Format(time.RFC822))
	out.Flush()
	if d.FailureReason != "" {
		fmt.Println("reason:", d.FailureReason)
	}
	return nil
}
