package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"tracklift/internal/queue"
	"tracklift/internal/transfer"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Browse and maintain the transfer history",
	}
	historyCmd.AddCommand(newHistoryListCommand(ctx))
	historyCmd.AddCommand(newHistoryClearCommand(ctx))
	historyCmd.AddCommand(newHistoryPruneCommand(ctx))
	historyCmd.AddCommand(newHistoryHealthCommand(ctx))
	return historyCmd
}

func newHistoryListCommand(ctx *commandContext) *cobra.Command {
	var stateFlags []string
	var limit int
	var since time.Duration
	var jsonOut bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show recorded transfer outcomes, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			states, err := parseStates(stateFlags)
			if err != nil {
				return err
			}
			filter := queue.Filter{States: states, Limit: limit}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return ctx.withStore(func(store *queue.Store) error {
				entries, err := store.List(cmd.Context(), filter)
				if err != nil {
					return err
				}
				if jsonOut {
					return writeJSON(cmd, entries)
				}
				out := cmd.OutOrStdout()
				if len(entries) == 0 {
					fmt.Fprintln(out, "No transfers recorded")
					return nil
				}
				fmt.Fprintln(out, renderTable(
					[]string{"Finished", "Track", "Title", "Mode", "State", "Slot", "Size", "Took", "Notes"},
					historyRows(entries),
					[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&stateFlags, "state", nil, "Only show these states (committed, failed, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries to show (0 for all)")
	cmd.Flags().DurationVar(&since, "since", 0, "Only show transfers finished within this window (e.g. 24h)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func historyRows(entries []*queue.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		slot, size := "-", "-"
		if e.Slot != nil {
			slot = strconv.Itoa(*e.Slot)
		}
		if e.SizeBytes > 0 {
			size = humanize.IBytes(e.SizeBytes)
		}
		notes := e.Cause
		if notes == "" {
			notes = strings.Join(append(append([]string(nil), e.Annotations...), e.Warnings...), "; ")
		}
		rows = append(rows, []string{
			humanize.Time(e.FinishedAt),
			strconv.Itoa(e.Track),
			e.Title,
			e.Format,
			string(e.State),
			slot,
			size,
			e.Duration().Round(time.Second).String(),
			notes,
		})
	}
	return rows
}

func newHistoryClearCommand(ctx *commandContext) *cobra.Command {
	var stateFlags []string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete recorded transfers",
		RunE: func(cmd *cobra.Command, args []string) error {
			states, err := parseStates(stateFlags)
			if err != nil {
				return err
			}
			return ctx.withStore(func(store *queue.Store) error {
				removed, err := store.Clear(cmd.Context(), states...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d %s\n", removed, plural(removed, "entry", "entries"))
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&stateFlags, "state", nil, "Only clear these states")
	return cmd
}

func newHistoryPruneCommand(ctx *commandContext) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete transfers older than a cutoff",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return ctx.withStore(func(store *queue.Store) error {
				removed, err := store.Prune(cmd.Context(), time.Now().Add(-olderThan))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d %s\n", removed, plural(removed, "entry", "entries"))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Age cutoff")
	return cmd
}

func newHistoryHealthCommand(ctx *commandContext) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check history database health (schema, integrity, columns)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				health, err := store.CheckHealth(cmd.Context())
				if err != nil && health.Error == "" {
					health.Error = err.Error()
				}
				if jsonOut {
					return writeJSON(cmd, health)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Database path: %s\n", health.DBPath)
				fmt.Fprintf(out, "Database exists: %s\n", yesNo(health.DatabaseExists))
				fmt.Fprintf(out, "Readable: %s\n", yesNo(health.DatabaseReadable))
				fmt.Fprintf(out, "Schema version: %d\n", health.SchemaVersion)
				fmt.Fprintf(out, "transfers table present: %s\n", yesNo(health.TableExists))
				if len(health.MissingColumns) > 0 {
					missing := append([]string(nil), health.MissingColumns...)
					sort.Strings(missing)
					fmt.Fprintf(out, "Missing columns: %s\n", strings.Join(missing, ", "))
				} else {
					fmt.Fprintln(out, "Missing columns: none")
				}
				fmt.Fprintf(out, "Integrity check: %s\n", yesNo(health.IntegrityCheck))
				fmt.Fprintf(out, "Total entries: %d\n", health.TotalEntries)
				if health.Error != "" {
					fmt.Fprintf(out, "Error: %s\n", health.Error)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func parseStates(values []string) ([]transfer.State, error) {
	states := make([]transfer.State, 0, len(values))
	for _, value := range values {
		state := transfer.State(strings.ToLower(strings.TrimSpace(value)))
		if !state.Terminal() {
			return nil, fmt.Errorf("--state %q: want committed, failed or cancelled", value)
		}
		states = append(states, state)
	}
	return states, nil
}

func plural(n int64, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
