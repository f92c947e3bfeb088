package cli

import (
	"cmp"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/atinyakov/shinara-go/internal/codec"
	"github.com/atinyakov/shinara-go/pkg/shinara"
)

func newInitCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Validate the API key and report the tracking session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.client.Initialize(ctx, s.apiKey); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "initialized")
			return nil
		},
	}
}

func newDeepLinkCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "deeplink <url>",
		Short: "Validate the referral code carried by a deep link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.requireKey(); err != nil {
				return err
			}
			task := s.client.HandleDeepLink(args[0])
			if task == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no referral code in link")
				return nil
			}
			if err := task.Wait(ctx); err != nil {
				return err
			}
			programID, _, err := s.client.ProgramID(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "program %s\n", programID)
			return nil
		},
	}
}

func newValidateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <code>",
		Short: "Validate a referral code and store it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.requireKey(); err != nil {
				return err
			}
			programID, err := s.client.ValidateReferralCode(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "program %s\n", programID)
			return nil
		},
	}
}

func newRegisterCommand(opts *RootOptions) *cobra.Command {
	var email, name, phone string

	cmd := &cobra.Command{
		Use:   "register <user-id>",
		Short: "Register a converted user against the stored referral code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.requireKey(); err != nil {
				return err
			}
			var userOpts []shinara.UserOption
			if email != "" {
				userOpts = append(userOpts, shinara.WithEmail(email))
			}
			if name != "" {
				userOpts = append(userOpts, shinara.WithName(name))
			}
			if phone != "" {
				userOpts = append(userOpts, shinara.WithPhone(phone))
			}
			if err := s.client.RegisterUser(ctx, args[0], userOpts...); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&name, "name", "", "user name")
	cmd.Flags().StringVar(&phone, "phone", "", "user phone")
	return cmd
}

func newPurchaseCommand(opts *RootOptions) *cobra.Command {
	var token string

	cmd := &cobra.Command{
		Use:   "purchase <product-id> <transaction-id>",
		Short: "Attribute a purchase to the stored referral code",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.requireKey(); err != nil {
				return err
			}
			if err := s.client.AttributePurchase(ctx, args[0], args[1], token); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "transaction %s done\n", args[1])
			return nil
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "store purchase token")
	return cmd
}

// Status is the local attribution state printed by the status command.
type Status struct {
	ReferralCode   string `json:"referral_code,omitempty"`
	ProgramID      string `json:"program_id,omitempty"`
	ReferralCodeID string `json:"referral_code_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
	AutoUserID     string `json:"auto_user_id,omitempty"`
	SetupCompleted bool   `json:"setup_completed"`
}

func newStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the locally stored attribution state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			var st Status
			if st.ReferralCode, _, err = s.client.ReferralCode(ctx); err != nil {
				return err
			}
			if st.ProgramID, _, err = s.client.ProgramID(ctx); err != nil {
				return err
			}
			if st.ReferralCodeID, _, err = s.client.ReferralCodeID(ctx); err != nil {
				return err
			}
			if st.UserID, _, err = s.client.UserID(ctx); err != nil {
				return err
			}
			if st.AutoUserID, _, err = s.client.AutoUserID(ctx); err != nil {
				return err
			}
			if st.SetupCompleted, err = s.store.SetupCompleted(ctx); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version and date",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "Shinara Client\nVersion: %s\nBuild Date: %s\n", cmp.Or(Version, "N/A"), cmp.Or(BuildDate, "N/A"))
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	b, err := codec.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
