package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/capstan-io/capstan"
)

type rollbackOpts struct {
	*rootOpts
	deployment string
}

func newRollback(parent *rootOpts) *rollbackOpts {
	return &rollbackOpts{rootOpts: parent}
}

func (opts *rollbackOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Restore the environment state captured before a deployment",
		Example: makeExample(
			"capstanctl rollback --deployment=6a1fcbc2-16b5-4b6d-a42a-9fcbcd2a9f1e",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.deployment, "deployment", "d", "", "Deployment to roll back")
	return cmd
}

func (opts *rollbackOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	if opts.deployment == "" {
		return newUsageError("please supply --deployment")
	}
	if err := opts.API.RequestRollback(cmd.Context(), capstan.DeploymentID(opts.deployment)); err != nil {
		return err
	}
	fmt.Println("rollback requested")
	return nil
}
