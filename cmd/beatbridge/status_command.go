package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"beatbridge/internal/inventory"
)

func newStatusCommand(cmdCtx *commandContext) *cobra.Command {
	var statusFilter string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show inventory items and their lifecycle state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmdCtx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := inventory.Open(cfg)
			if err != nil {
				return fmt.Errorf("open inventory: %w", err)
			}
			defer store.Close()

			var statuses []inventory.Status
			if trimmed := strings.TrimSpace(statusFilter); trimmed != "" {
				for _, raw := range strings.Split(trimmed, ",") {
					status, ok := inventory.ParseStatus(raw)
					if !ok {
						return fmt.Errorf("unknown status %q", raw)
					}
					statuses = append(statuses, status)
				}
			}

			items, err := store.List(cmd.Context(), statuses...)
			if err != nil {
				return fmt.Errorf("list inventory: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "Inventory is empty")
				return nil
			}

			fmt.Fprintln(out, renderItemTable(items))

			counts, err := store.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("inventory stats: %w", err)
			}
			summary := make([]string, 0, len(counts))
			for _, status := range inventory.AllStatuses() {
				if counts[status] > 0 {
					summary = append(summary, fmt.Sprintf("%s %d", status, counts[status]))
				}
			}
			if len(summary) > 0 {
				fmt.Fprintln(out, strings.Join(summary, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&statusFilter, "status", "", "Comma-separated status filter (for example failed,review)")
	return cmd
}

// renderItemTable lays out the inventory view. Stalled items are the ones an
// operator acts on, so their error message gets the remaining width.
func renderItemTable(items []*inventory.Item) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Updated", "Message"})
	for _, item := range items {
		tw.AppendRow(table.Row{
			item.ID,
			item.Title,
			string(item.Status),
			item.UpdatedAt.Local().Format("2006-01-02 15:04"),
			item.ErrorMessage,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 2, WidthMax: 40},
		{Number: 5, WidthMax: 60},
	})
	return tw.Render()
}

func newRetryCommand(cmdCtx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Reset failed and auth-expired items so the next run retries them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cmdCtx.ensureConfig()
			if err != nil {
				return err
			}
			store, err := inventory.Open(cfg)
			if err != nil {
				return fmt.Errorf("open inventory: %w", err)
			}
			defer store.Close()

			reset, err := store.RetryFailed(cmd.Context())
			if err != nil {
				return fmt.Errorf("reset failed items: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d item(s) queued for retry\n", reset)
			return nil
		},
	}
}
