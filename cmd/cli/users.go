package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/and161185/medledger/internal/errs"
	"github.com/and161185/medledger/internal/model"
	"github.com/and161185/medledger/internal/service"
)

func usersCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "List and manage registered users",
	}
	cmd.AddCommand(
		usersListCmd(c),
		usersShowCmd(c),
		usersAddCmd(c),
		usersUpdateCmd(c),
		usersDeleteCmd(c),
	)
	return cmd
}

// roleFlag parses an optional --role value.
func roleFlag(cmd *cobra.Command) (*model.Role, error) {
	v, _ := cmd.Flags().GetString("role")
	if v == "" {
		return nil, nil
	}
	r, err := model.ParseRole(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrPrecondition, err)
	}
	return &r, nil
}

// listUsers prints the directory as seen by the signing account.
func listUsers(cmd *cobra.Command, a *app, role *model.Role) error {
	viewer, err := service.ViewerFor(cmd.Context(), a.ledger, a.account)
	if err != nil {
		return err
	}
	users, err := a.dir.List(cmd.Context(), viewer, role)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), users)
}

func usersListCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active users",
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
			return listUsers(cmd, a, role)
		},
	}
	cmd.Flags().String("role", "", "filter by role (patient, doctor, admin or 0-2)")
	return cmd
}

func usersShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <address>",
		Short: "Show one user's profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddressArg(args[0])
			if err != nil {
				return err
			}
			a, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			viewer, err := service.ViewerFor(cmd.Context(), a.ledger, a.account)
			if err != nil {
				return err
			}
			p, err := a.dir.Get(cmd.Context(), viewer, addr)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
}

// profileFields maps flag names onto blob fields.
func profileFields(b *model.ProfileBlob) map[string]*string {
	return map[string]*string{
		"email":          &b.Email,
		"phone":          &b.Phone,
		"dob":            &b.DateOfBirth,
		"blood-group":    &b.BloodGroup,
		"allergies":      &b.Allergies,
		"specialization": &b.Specialization,
		"license":        &b.LicenseNumber,
		"hospital":       &b.HospitalAffiliation,
	}
}

func bindProfileFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("email", "", "contact email")
	f.String("phone", "", "contact phone")
	f.String("dob", "", "date of birth (YYYY-MM-DD)")
	f.String("blood-group", "", "blood group")
	f.String("allergies", "", "known allergies")
	f.String("specialization", "", "doctor specialization")
	f.String("license", "", "doctor license number")
	f.String("hospital", "", "hospital affiliation")
}

// applyProfileFlags copies explicitly set flags into b.
func applyProfileFlags(cmd *cobra.Command, b *model.ProfileBlob) {
	for name, dst := range profileFields(b) {
		if cmd.Flags().Changed(name) {
			*dst, _ = cmd.Flags().GetString(name)
		}
	}
}

func usersAddCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <address>",
		Short: "Register a user (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddressArg(args[0])
			if err != nil {
				return err
			}
			name, _ := cmd.Flags().GetString("name")
			role, err := roleFlag(cmd)
			if err != nil {
				return err
			}
			if role == nil {
				return fmt.Errorf("--role is required: %w", errs.ErrPrecondition)
			}
			a, err := c.writer(cmd.Context())
			if err != nil {
				return err
			}
			u := service.NewUser{Address: addr, Name: name, Role: *role}
			applyProfileFlags(cmd, &u.Profile)
			r, err := a.dir.AddUser(cmd.Context(), a.account, u)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
	cmd.Flags().String("name", "", "display name")
	cmd.Flags().String("role", "", "patient, doctor or admin")
	bindProfileFlags(cmd)
	return cmd
}

func usersUpdateCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update [address]",
		Short: "Update a profile (defaults to the signing account)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.writer(cmd.Context())
			if err != nil {
				return err
			}
			addr := a.account
			if len(args) == 1 {
				if addr, err = parseAddressArg(args[0]); err != nil {
					return err
				}
			}
			viewer, err := service.ViewerFor(cmd.Context(), a.ledger, a.account)
			if err != nil {
				return err
			}
			p, err := a.dir.Get(cmd.Context(), viewer, addr)
			if err != nil {
				return err
			}
			// writing back a masked profile would overwrite the real values
			if p.Redacted {
				return fmt.Errorf("profile of %s is not visible to %s: %w", addr.Hex(), a.account.Hex(), errs.ErrUnauthorized)
			}
			name, _ := cmd.Flags().GetString("name")
			blob := p.Blob()
			applyProfileFlags(cmd, &blob)
			r, err := a.dir.UpdateUser(cmd.Context(), addr, name, blob)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
	cmd.Flags().String("name", "", "new display name (unchanged when empty)")
	bindProfileFlags(cmd)
	return cmd
}

func usersDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <address>",
		Short: "Deactivate a user (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseAddressArg(args[0])
			if err != nil {
				return err
			}
			a, err := c.writer(cmd.Context())
			if err != nil {
				return err
			}
			r, err := a.dir.DeleteUser(cmd.Context(), addr)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}
}
