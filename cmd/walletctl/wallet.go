package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"llm_wallet/internal/ledger"
	"llm_wallet/internal/models"
	"llm_wallet/internal/storage"
	"llm_wallet/internal/topup"
)

var resetFlags struct {
	cents int64
	tier  string
}

var reconcileFlags struct {
	provider string
	tx       string
	user     string
	cents    int64
}

var balanceCmd = &cobra.Command{
	Use:   "balance <user-id>",
	Short: "Show a user's allowance, lots and available balance",
	Args:  cobra.ExactArgs(1),
	RunE:  showBalance,
}

var resetAllowanceCmd = &cobra.Command{
	Use:   "reset-allowance <user-id>",
	Short: "Start a new billing cycle for a user",
	Long: `Reset the monthly used counter to zero and replace the allowance.

The account is created when it does not exist. Without --tier the
current plan tier is kept.`,
	Args: cobra.ExactArgs(1),
	RunE: resetAllowance,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Credit a confirmed payment",
	Long: `Credit a payment by provider and transaction ID.

Reconciling a payment that was already credited changes nothing, so this
is safe to run for payments the webhook may or may not have delivered.`,
	Args: cobra.NoArgs,
	RunE: reconcilePayment,
}

func init() {
	rootCmd.AddCommand(balanceCmd, resetAllowanceCmd, reconcileCmd)

	resetAllowanceCmd.Flags().Int64Var(&resetFlags.cents, "cents", 0, "monthly allowance in cents")
	resetAllowanceCmd.Flags().StringVar(&resetFlags.tier, "tier", "", "plan tier (free or subscriber)")
	_ = resetAllowanceCmd.MarkFlagRequired("cents")

	reconcileCmd.Flags().StringVar(&reconcileFlags.provider, "provider", "", "payment provider, e.g. stripe")
	reconcileCmd.Flags().StringVar(&reconcileFlags.tx, "tx", "", "provider transaction ID")
	reconcileCmd.Flags().StringVar(&reconcileFlags.user, "user", "", "user to credit")
	reconcileCmd.Flags().Int64Var(&reconcileFlags.cents, "cents", 0, "amount paid in cents")
	for _, name := range []string{"provider", "tx", "user", "cents"} {
		_ = reconcileCmd.MarkFlagRequired(name)
	}
}

func showBalance(cmd *cobra.Command, args []string) error {
	db, err := openDB(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer db.Close()

	wallet, err := db.NewLedgerRepository().GetWallet(cmd.Context(), args[0])
	if errors.Is(err, storage.ErrAccountNotFound) {
		return fmt.Errorf("no wallet for user %s", args[0])
	}
	if err != nil {
		return err
	}

	now := time.Now()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "User:       %s\n", wallet.Account.UserID)
	fmt.Fprintf(out, "Plan:       %s\n", wallet.Account.PlanTier)
	fmt.Fprintf(out, "Allowance:  %s of %s left (cycle from %s)\n",
		formatCents(wallet.Account.MonthlyRemaining()), formatCents(wallet.Account.MonthlyAllowanceCents),
		wallet.Account.PeriodStart.Format(time.DateOnly))
	fmt.Fprintf(out, "Available:  %s\n", formatCents(ledger.AvailableBalance(wallet.Account, wallet.Lots, now)))

	if len(wallet.Lots) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tAMOUNT\tREMAINING\tEXPIRES\tSTATUS")
	for _, lot := range wallet.Lots {
		status := "active"
		if !lot.Active(now) {
			status = "expired"
		} else if lot.Remaining() == 0 {
			status = "spent"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", lot.SourceKey, formatCents(lot.AmountCents),
			formatCents(lot.Remaining()), lot.ExpiresAt.Format(time.DateOnly), status)
	}
	return tw.Flush()
}

func resetAllowance(cmd *cobra.Command, args []string) error {
	tier := models.PlanTier(resetFlags.tier)
	if tier != "" && !tier.Valid() {
		return fmt.Errorf("unknown plan tier %q", tier)
	}

	db, err := openDB(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.NewLedgerRepository().ResetMonthlyAllowance(cmd.Context(), args[0], resetFlags.cents, tier); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "New billing cycle for %s with %s allowance\n", args[0], formatCents(resetFlags.cents))
	return nil
}

func reconcilePayment(cmd *cobra.Command, args []string) error {
	sourceKey, err := topup.SourceKey(reconcileFlags.provider, reconcileFlags.tx)
	if err != nil {
		return err
	}

	db, err := openDB(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer db.Close()

	created, err := topup.NewReconciler(db.NewTopUpRepository(), nil).
		Reconcile(cmd.Context(), sourceKey, reconcileFlags.user, reconcileFlags.cents)
	if err != nil {
		return err
	}

	if created {
		fmt.Fprintf(cmd.OutOrStdout(), "Credited %s to %s (%s)\n", formatCents(reconcileFlags.cents), reconcileFlags.user, sourceKey)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Already credited (%s), nothing changed\n", sourceKey)
	}
	return nil
}

func formatCents(c int64) string {
	sign := ""
	if c < 0 {
		sign = "-"
		c = -c
	}
	return fmt.Sprintf("%s$%d.%02d", sign, c/100, c%100)
}
