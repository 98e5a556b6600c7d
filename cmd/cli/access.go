package main

import (
	"github.com/spf13/cobra"
)

func accessCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access",
		Short: "Request and inspect doctor access to patient records",
	}
	cmd.AddCommand(accessRequestCmd(c), accessCheckCmd(c))
	return cmd
}

func accessRequestCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "request <patient>",
		Short: "Ask a patient for access as the signing doctor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, err := parseAddressArg(args[0])
			if err != nil {
				return err
			}
			a, err := c.writer(cmd.Context())
			if err != nil {
				return err
			}
			r, err := a.dir.RequestAccess(cmd.Context(), patient)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
}

func accessCheckCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "check <patient> [doctor]",
		Short: "Report whether a doctor (default: the signing account) holds access",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, err := parseAddressArg(args[0])
			if err != nil {
				return err
			}
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			doctor := a.account
			if len(args) == 2 {
				if doctor, err = parseAddressArg(args[1]); err != nil {
					return err
				}
			}
			ok, err := a.dir.HasAccess(cmd.Context(), patient, doctor)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"patient":   patient,
				"doctor":    doctor,
				"hasAccess": ok,
			})
		},
	}
}
