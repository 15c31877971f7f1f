package main

import (
	"fmt"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/capstan-io/capstan"
)

type approveOpts struct {
	*rootOpts
	deployment string
	actor      string
	deny       bool
}

func newApprove(parent *rootOpts) *approveOpts {
	return &approveOpts{rootOpts: parent}
}

func newDeny(parent *rootOpts) *approveOpts {
	return &approveOpts{rootOpts: parent, deny: true}
}

func (opts *approveOpts) Command() *cobra.Command {
	use, short := "approve", "Approve a deployment waiting at an approval gate"
	if opts.deny {
		use, short = "deny", "Deny a deployment waiting at an approval gate"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Example: makeExample(
			fmt.Sprintf("capstanctl %s --deployment=6a1fcbc2-16b5-4b6d-a42a-9fcbcd2a9f1e", use),
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.deployment, "deployment", "d", "", "Deployment to decide on")
	cmd.Flags().StringVarP(&opts.actor, "actor", "a", "", "Who is deciding; defaults to the current OS user")
	return cmd
}

func (opts *approveOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return errorWantedNoArgs
	}
	if opts.deployment == "" {
		return newUsageError("please supply --deployment")
	}
	actor := opts.actor
	if actor == "" {
		if u, err := user.Current(); err == nil {
			actor = u.Username
		} else {
			actor = "unknown"
		}
	}

	id := capstan.DeploymentID(opts.deployment)
	if opts.deny {
		if err := opts.API.Deny(cmd.Context(), id, actor); err != nil {
			return err
		}
		fmt.Println("denied")
		return nil
	}
	if err := opts.API.Approve(cmd.Context(), id, actor); err != nil {
		return err
	}
	fmt.Println("approved")
	return nil
}
