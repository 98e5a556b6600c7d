package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/medledger/internal/subscription"
)

func watchCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print the user list and reprint it on every user or access event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			role, err := roleFlag(cmd)
			if err != nil {
				return err
			}
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			if err := listUsers(cmd, a, role); err != nil {
				return err
			}

			ctx := cmd.Context()
			r := subscription.NewRefresher(func(context.Context) error {
				if err := listUsers(cmd, a, role); err != nil {
					printFailure(cmd.ErrOrStderr(), err)
				}
				return nil
			}, zap.NewNop())
			subs := subscription.NewManager(a.ledger, zap.NewNop())
			defer subs.Close()
			if err := subs.RefreshOn(ctx, r); err != nil {
				return err
			}
			r.Run(ctx)
			return nil
		},
	}
	cmd.Flags().String("role", "", "filter by role (patient, doctor, admin or 0-2)")
	return cmd
}
