package main

import (
    "fmt"
    "os"
    "time"

    "github.com/fatih/color"
    "github.com/olekukonko/tablewriter"
    "github.com/shopspring/decimal"
    "github.com/spf13/cobra"
)

func newRateCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "rate",
        Short: "Manage rate cards",
    }
    cmd.AddCommand(newRateAddCommand(), newRateListCommand())
    return cmd
}

func newRateAddCommand() *cobra.Command {
    var (
        ratePerMinute  float64
        increment      int
        connectionFee  float64
        priority       int
    )

    cmd := &cobra.Command{
        Use:   "add <destination_prefix>",
        Short: "Add a rate card entry",
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
                `INSERT INTO rate_cards
                    (destination_prefix, rate_per_minute, billing_increment, connection_fee, effective_start, priority, created_at)
                 VALUES (?, ?, ?, ?, ?, ?, NOW())`,
                args[0], decimal.NewFromFloat(ratePerMinute).String(), increment,
                decimal.NewFromFloat(connectionFee).StringFixed(4), time.Now().UTC(), priority)
            if err != nil {
                return fmt.Errorf("failed to add rate card: %w", err)
            }

            color.Green("rate card added for prefix %s", args[0])
            return nil
        },
    }

    cmd.Flags().Float64Var(&ratePerMinute, "rate", 0, "rate per minute")
    cmd.Flags().IntVar(&increment, "increment", 60, "billing increment in seconds")
    cmd.Flags().Float64Var(&connectionFee, "connection-fee", 0, "connection fee")
    cmd.Flags().IntVar(&priority, "priority", 100, "tiebreaker priority")
    return cmd
}

func newRateListCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "list",
        Short: "List rate cards",
        RunE: func(cmd *cobra.Command, args []string) error {
            db, err := openStoreForCLI()
            if err != nil {
                return err
            }
            defer db.Close()

            ctx, cancel := cliContext()
            defer cancel()

            rows, err := db.Conn().QueryContext(ctx,
                `SELECT destination_prefix, rate_per_minute, billing_increment, connection_fee, priority
                 FROM rate_cards ORDER BY destination_prefix`)
            if err != nil {
                return fmt.Errorf("failed to list rate cards: %w", err)
            }
            defer rows.Close()

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Prefix", "Rate/min", "Increment", "Connection Fee", "Priority"})
            for rows.Next() {
                var prefix, rate, fee string
                var increment, priority int
                if err := rows.Scan(&prefix, &rate, &increment, &fee, &priority); err != nil {
                    return err
                }
                table.Append([]string{prefix, rate, fmt.Sprintf("%d", increment), fee, fmt.Sprintf("%d", priority)})
            }
            table.Render()
            return nil
        },
    }
}
