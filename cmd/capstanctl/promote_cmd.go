package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type promoteOpts struct {
	*rootOpts
	service     string
	version     string
	environment string
}

func newPromote(parent *rootOpts) *promoteOpts {
	return &promoteOpts{rootOpts: parent}
}

func (opts *promoteOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote an artifact version into an environment",
		Example: makeExample(
			"capstanctl promote --service=billing --version=1.4.0 --environment=staging",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.service, "service", "s", "", "Service to promote")
	cmd.Flags().StringVarP(&opts.version, "version", "v", "", "Artifact version to promote")
	cmd.Flags().StringVarP(&opts.environment, "environment", "e", "", "Environment to promote into")
	return cmd
}

func (opts *promoteOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	if opts.service == "" || opts.version == "" || opts.environment == "" {
		return newUsageError("please supply --service, --version and --environment")
	}
	id, err := opts.API.RequestPromotion(cmd.Context(), opts.service, opts.version, opts.environment)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}
