package main

import (
    "fmt"
    "os"

    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"
)

// newStatsCommand prints aggregate counters across accounts,
// reservations, and CDRs, grounded on the teacher's stats subcommand
// that summarized route/provider counts the same way.
func newStatsCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "stats",
        Short: "Show aggregate billing core counters",
        RunE: func(cmd *cobra.Command, args []string) error {
            db, err := openStoreForCLI()
            if err != nil {
                return err
            }
            defer db.Close()

            ctx, cancel := cliContext()
            defer cancel()

            rows := [][]string{}
            counts := []struct {
                label string
                query string
            }{
                {"Accounts (active)", `SELECT COUNT(*) FROM accounts WHERE status = 'active'`},
                {"Accounts (suspended)", `SELECT COUNT(*) FROM accounts WHERE status = 'suspended'`},
                {"Rate cards", `SELECT COUNT(*) FROM rate_cards`},
                {"Reservations (active)", `SELECT COUNT(*) FROM reservations WHERE status = 'active'`},
                {"CDRs (total)", `SELECT COUNT(*) FROM cdrs`},
            }

            for _, c := range counts {
                var n int64
                if err := db.Conn().QueryRowContext(ctx, c.query).Scan(&n); err != nil {
                    return fmt.Errorf("failed to compute %s: %w", c.label, err)
                }
                rows = append(rows, []string{c.label, fmt.Sprintf("%d", n)})
            }

            var totalCost string
            if err := db.Conn().QueryRowContext(ctx, `SELECT COALESCE(SUM(cost), 0) FROM cdrs`).Scan(&totalCost); err != nil {
                return fmt.Errorf("failed to sum cdr cost: %w", err)
            }
            rows = append(rows, []string{"Total billed cost", totalCost})

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Metric", "Value"})
            table.AppendBulk(rows)
            table.Render()
            return nil
        },
    }
}
