package main

import (
    "fmt"
    "os"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/shopspring/decimal"
    "github.com/spf13/cobra"

    "github.com/jesus-bazan-entel/apolobilling/internal/models"
    "github.com/jesus-bazan-entel/apolobilling/internal/store/mysql"
)

func newAccountCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "account",
        Short: "Manage billing accounts",
    }
    cmd.AddCommand(newAccountAddCommand(), newAccountSuspendCommand(), newAccountReactivateCommand(), newAccountShowCommand())
    return cmd
}

func newAccountAddCommand() *cobra.Command {
    var (
        acctType           string
        balance            float64
        creditLimit        float64
        maxConcurrentCalls int
    )

    cmd := &cobra.Command{
        Use:   "add <account_number>",
        Short: "Create a new billing account",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            db, err := openStoreForCLI()
            if err != nil {
                return err
            }
            defer db.Close()

            ctx, cancel := cliContext()
            defer cancel()

            _, err = db.Conn().ExecContext(ctx,
                `INSERT INTO accounts (account_number, type, status, balance, credit_limit, max_concurrent_calls, created_at, updated_at)
                 VALUES (?, ?, 'active', ?, ?, ?, NOW(), NOW())`,
                args[0], acctType, decimal.NewFromFloat(balance).StringFixed(4),
                decimal.NewFromFloat(creditLimit).StringFixed(4), maxConcurrentCalls)
            if err != nil {
                return fmt.Errorf("failed to create account: %w", err)
            }

            color.Green("account %s created", args[0])
            return nil
        },
    }

    cmd.Flags().StringVarP(&acctType, "type", "t", "prepaid", "account type: prepaid|postpaid")
    cmd.Flags().Float64Var(&balance, "balance", 0, "initial balance")
    cmd.Flags().Float64Var(&creditLimit, "credit-limit", 0, "credit limit (postpaid only)")
    cmd.Flags().IntVar(&maxConcurrentCalls, "max-concurrent", 5, "max concurrent calls")
    return cmd
}

func newAccountSuspendCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "suspend <account_number>",
        Short: "Suspend an account",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            return setAccountStatus(args[0], models.AccountStatusSuspended)
        },
    }
}

func newAccountReactivateCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "reactivate <account_number>",
        Short: "Reactivate a suspended account",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            return setAccountStatus(args[0], models.AccountStatusActive)
        },
    }
}

func setAccountStatus(accountNumber string, status models.AccountStatus) error {
    db, err := openStoreForCLI()
    if err != nil {
        return err
    }
    defer db.Close()

    ctx, cancel := cliContext()
    defer cancel()

    result, err := db.Conn().ExecContext(ctx,
        `UPDATE accounts SET status = ?, updated_at = NOW() WHERE account_number = ?`, status, accountNumber)
    if err != nil {
        return fmt.Errorf("failed to update account status: %w", err)
    }
    rows, _ := result.RowsAffected()
    if rows == 0 {
        return fmt.Errorf("account %s not found", accountNumber)
    }

    color.Yellow("account %s status set to %s", accountNumber, status)
    return nil
}

func newAccountShowCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "show <account_number>",
        Short: "Show account details",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            db, err := openStoreForCLI()
            if err != nil {
                return err
            }
            defer db.Close()

            accounts := mysql.NewAccountStore(db)
            ctx, cancel := cliContext()
            defer cancel()

            acct, err := accounts.FindByNumber(ctx, args[0])
            if err != nil {
                return err
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Field", "Value"})
            table.Append([]string{"ID", fmt.Sprintf("%d", acct.ID)})
            table.Append([]string{"Account Number", acct.AccountNumber})
            table.Append([]string{"Type", string(acct.Type)})
            table.Append([]string{"Status", string(acct.Status)})
            table.Append([]string{"Balance", acct.Balance.StringFixed(4)})
            table.Append([]string{"Credit Limit", acct.CreditLimit.StringFixed(4)})
            table.Append([]string{"Max Concurrent Calls", fmt.Sprintf("%d", acct.MaxConcurrentCalls)})
            table.Render()
            return nil
        },
    }
}
