package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"usage_ledger/internal/auth"
	"usage_ledger/internal/providers"
	"usage_ledger/internal/reconcile"
	"usage_ledger/internal/refund"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ledger schema if it does not exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer l.Close()

		fmt.Println("Schema is up to date")
		return nil
	},
}

var grantCmd = &cobra.Command{
	Use:   "grant <user-id> <amount>",
	Short: "Add credits to a user's balance",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid amount %q: %w", args[1], err)
		}

		l, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer l.Close()

		balance, err := l.engine.GrantCredits(cmd.Context(), args[0], amount)
		if err != nil {
			return err
		}
		fmt.Printf("Granted %d credits to %s, balance is now %d\n", amount, args[0], balance)
		return nil
	},
}

var (
	refundReason   string
	refundOperator string
)

var refundCmd = &cobra.Command{
	Use:   "refund <task-id>",
	Short: "Issue an administrative refund for a settled task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer l.Close()

		result, err := refund.NewCoordinator(l.engine).RefundAdministrative(cmd.Context(), args[0], refundReason, refundOperator)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary <user-id> <capability-id>",
	Short: "Print a user's usage of one capability",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer l.Close()

		summary, err := l.engine.GetUsageSummary(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return printJSON(summary)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass and print its report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := openLedger(cmd.Context())
		if err != nil {
			return err
		}
		defer l.Close()

		registry, err := providers.NewRegistryFromConfig(l.cfg.Upstream.Providers)
		if err != nil {
			return err
		}
		coordinator := refund.NewCoordinator(l.engine)
		l.engine.SetFailureRefunder(coordinator)

		checker := reconcile.NewChecker(l.engine, registry, l.cfg.Reconcile, nil)
		report, err := reconcile.NewPoller(checker, l.store, coordinator, l.cfg.Reconcile, nil).RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(report)
	},
}

var (
	tokenRoles []string
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token <operator>",
	Short: "Mint an operator token signed with auth.jwt_secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if cfg.Auth.JWTSecret == "" {
			return fmt.Errorf("AUTH_JWT_SECRET must be set")
		}

		roles := make([]auth.Role, 0, len(tokenRoles))
		for _, r := range tokenRoles {
			role := auth.Role(r)
			if !role.IsValid() {
				return fmt.Errorf("unknown role %q", r)
			}
			roles = append(roles, role)
		}

		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.Auth.TokenTTL
		}
		token, expiresAt, err := auth.IssueOperatorToken([]byte(cfg.Auth.JWTSecret), args[0], roles, ttl)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stderr, "Token for %s expires at %s\n", args[0], expiresAt.Format(time.RFC3339))
		fmt.Println(token)
		return nil
	},
}

func init() {
	refundCmd.Flags().StringVar(&refundReason, "reason", "", "why the refund is issued (required)")
	refundCmd.Flags().StringVar(&refundOperator, "operator", os.Getenv("USER"), "operator issuing the refund")
	refundCmd.MarkFlagRequired("reason")

	tokenCmd.Flags().StringSliceVar(&tokenRoles, "role", []string{string(auth.RoleViewer)}, "roles granted by the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (default auth.token_ttl)")

	rootCmd.AddCommand(migrateCmd, grantCmd, refundCmd, summaryCmd, reconcileCmd, tokenCmd)
}
