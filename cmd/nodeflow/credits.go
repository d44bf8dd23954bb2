package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/wacul/ptr"
)

func creditCommands(app *nodeflowInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "inspect and grant user credits",
	}

	cmd.AddCommand(creditGrantCommand(app))
	cmd.AddCommand(creditBalanceCommand(app))
	return cmd
}

// expiryFrom turns a lifetime into an absolute expiry. A zero lifetime means the grant never expires.
func expiryFrom(now time.Time, lifetime time.Duration) *time.Time {
	if lifetime <= 0 {
		return nil
	}
	return ptr.Time(now.Add(lifetime))
}

func creditGrantCommand(app *nodeflowInstance) *cobra.Command {
	var (
		userID    int64
		amount    int64
		source    string
		expiresIn time.Duration
	)

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "grant credits to a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID <= 0 || amount <= 0 {
				return errors.New("--user and --amount must be positive")
			}

			n, err := setupNodeflow(app.cnf)
			if err != nil {
				return err
			}

			expiresAt := expiryFrom(time.Now().UTC(), expiresIn)
			id, err := n.GrantCredits(context.Background(), userID, amount, source, expiresAt)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Granted %d credits to user %d (ledger entry %d)\n", amount, userID, id)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user to credit")
	cmd.Flags().Int64Var(&amount, "amount", 0, "number of credits")
	cmd.Flags().StringVar(&source, "source", "purchase", "ledger source recorded with the grant")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "lifetime of the grant, e.g. 720h; 0 never expires")
	return cmd
}

func creditBalanceCommand(app *nodeflowInstance) *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "balance",
		Short: "print a user's spendable credits",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := setupNodeflow(app.cnf)
			if err != nil {
				return err
			}

			balance, err := n.CreditBalance(context.Background(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "User %d has %d credits\n", userID, balance)
			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "user to inspect")
	return cmd
}
