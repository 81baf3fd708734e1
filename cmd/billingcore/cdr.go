package main

import (
    "fmt"
    "os"

    "github.com/olekukonko/tablewriter"
    "github.com/spf13/cobra"

    "github.com/jesus-bazan-entel/apolobilling/internal/store/mysql"
)

func newCDRCommand() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "cdr",
        Short: "Inspect call detail records",
    }
    cmd.AddCommand(newCDRShowCommand(), newCDRListCommand())
    return cmd
}

func newCDRShowCommand() *cobra.Command {
    return &cobra.Command{
        Use:   "show <call_uuid>",
        Short: "Show a single CDR by call_uuid",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            db, err := openStoreForCLI()
            if err != nil {
                return err
            }
            defer db.Close()

            cdrs := mysql.NewCDRStore(db)
            ctx, cancel := cliContext()
            defer cancel()

            record, err := cdrs.FindByCallUUID(ctx, args[0])
            if err != nil {
                return err
            }

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Field", "Value"})
            table.Append([]string{"ID", fmt.Sprintf("%d", record.ID)})
            table.Append([]string{"Call UUID", record.CallUUID})
            table.Append([]string{"Caller", record.CallerNumber})
            table.Append([]string{"Called", record.CalledNumber})
            table.Append([]string{"Destination Prefix", record.DestinationPrefix})
            table.Append([]string{"Duration", fmt.Sprintf("%d", record.Duration)})
            table.Append([]string{"Billsec", fmt.Sprintf("%d", record.Billsec)})
            table.Append([]string{"Rate/min", record.RatePerMinute.StringFixed(4)})
            table.Append([]string{"Cost", record.Cost.StringFixed(4)})
            table.Append([]string{"Hangup Cause", record.HangupCause})
            table.Append([]string{"Direction", string(record.Direction)})
            table.Render()
            return nil
        },
    }
}

func newCDRListCommand() *cobra.Command {
    var limit int

    cmd := &cobra.Command{
        Use:   "list",
        Short: "List recent CDRs",
        RunE: func(cmd *cobra.Command, args []string) error {
            db, err := openStoreForCLI()
            if err != nil {
                return err
            }
            defer db.Close()

            ctx, cancel := cliContext()
            defer cancel()

            rows, err := db.Conn().QueryContext(ctx,
                `SELECT call_uuid, caller_number, called_number, destination_prefix, billsec, cost
                 FROM cdrs ORDER BY id DESC LIMIT ?`, limit)
            if err != nil {
                return fmt.Errorf("failed to list cdrs: %w", err)
            }
            defer rows.Close()

            table := tablewriter.NewWriter(os.Stdout)
            table.SetHeader([]string{"Call UUID", "Caller", "Called", "Prefix", "Billsec", "Cost"})
            for rows.Next() {
                var callUUID, caller, called, prefix, cost string
                var billsec int
                if err := rows.Scan(&callUUID, &caller, &called, &prefix, &billsec, &cost); err != nil {
                    return err
                }
                table.Append([]string{callUUID, caller, called, prefix, fmt.Sprintf("%d", billsec), cost})
            }
            table.Render()
            return nil
        },
    }

    cmd.Flags().IntVar(&limit, "limit", 20, "max rows to show")
    return cmd
}
