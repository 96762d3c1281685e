package cmd

import (
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/rodaine/table"
	"github.com/spf13/cobra"
	"go.olrik.dev/idlesync/internal/core"
	"go.olrik.dev/idlesync/internal/db"
)

// historyRow is one line of the merged event timeline
type historyRow struct {
	At     time.Time
	Kind   string
	Event  string
	Detail string
	Failed bool
}

func NewHistoryCommand() *cobra.Command {
	var limit int
	var sinceStr string
	var presenceOnly, actionsOnly bool

	historyCmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"hist", "events"},
		Short:   "Show recorded presence, action and daemon events",
		Long: `Show the event history recorded by the daemon.

Presence transitions, TV actions and daemon lifecycle events are merged
into one timeline, oldest first.

Examples:
  idlesync history              # Last 50 events
  idlesync history -n 200       # Last 200 events
  idlesync history -s 1h        # Events from the last hour
  idlesync history --actions    # Only TV actions`,
		Args: cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			var since time.Time
			if sinceStr != "" {
				d, err := time.ParseDuration(sinceStr)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%sError:%s Invalid duration '%s': %v\n", colorRed, colorReset, sinceStr, err)
					os.Exit(1)
				}
				since = time.Now().Add(-d)
			}

			database, err := db.Open(core.GetDatabasePath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "%sError:%s Failed to open database: %v\n", colorRed, colorReset, err)
				os.Exit(1)
			}
			defer database.Close()

			var presence []db.PresenceEvent
			var actions []db.ActionEvent
			var lifecycle []db.DaemonEvent
			if !actionsOnly {
				if presence, err = database.GetRecentPresenceEvents(limit); err != nil {
					fmt.Fprintf(os.Stderr, "%sError:%s Failed to query database: %v\n", colorRed, colorReset, err)
					os.Exit(1)
				}
			}
			if !presenceOnly {
				if actions, err = database.GetRecentActionEvents(limit); err != nil {
					fmt.Fprintf(os.Stderr, "%sError:%s Failed to query database: %v\n", colorRed, colorReset, err)
					os.Exit(1)
				}
			}
			if !presenceOnly && !actionsOnly {
				if lifecycle, err = database.GetRecentDaemonEvents(limit); err != nil {
					fmt.Fprintf(os.Stderr, "%sError:%s Failed to query database: %v\n", colorRed, colorReset, err)
					os.Exit(1)
				}
			}

			rows := historyRows(presence, actions, lifecycle, since, limit)
			if len(rows) == 0 {
				fmt.Printf("%sNo events recorded%s\n", colorGray, colorReset)
				return
			}
			printHistory(os.Stdout, rows)
		},
	}

	historyCmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of events to show")
	historyCmd.Flags().StringVarP(&sinceStr, "since", "s", "", "Only show events newer than this duration (e.g. 30m, 24h)")
	historyCmd.Flags().BoolVar(&presenceOnly, "presence", false, "Only show presence transitions")
	historyCmd.Flags().BoolVar(&actionsOnly, "actions", false, "Only show TV actions")
	historyCmd.MarkFlagsMutuallyExclusive("presence", "actions")

	return historyCmd
}

// historyRows merges the three event streams into one chronological
// timeline of at most limit rows, dropping anything before since
func historyRows(presence []db.PresenceEvent, actions []db.ActionEvent, lifecycle []db.DaemonEvent, since time.Time, limit int) []historyRow {
	var rows []historyRow
	for _, e := range presence {
		rows = append(rows, historyRow{
			At:     e.Timestamp,
			Kind:   "presence",
			Event:  e.EventType,
			Detail: fmt.Sprintf("source=%s holds=%d", e.Source, e.Holds),
		})
	}
	for _, e := range actions {
		detail := e.Duration.Round(time.Millisecond).String()
		if e.Error != "" {
			detail += " error=" + e.Error
		}
		rows = append(rows, historyRow{
			At:     e.Timestamp,
			Kind:   "action",
			Event:  e.Action,
			Detail: detail,
			Failed: e.Error != "",
		})
	}
	for _, e := range lifecycle {
		rows = append(rows, historyRow{
			At:     e.Timestamp,
			Kind:   "daemon",
			Event:  e.EventType,
			Detail: e.Details,
		})
	}

	rows = slices.DeleteFunc(rows, func(r historyRow) bool { return r.At.Before(since) })
	slices.SortStableFunc(rows, func(a, b historyRow) int { return a.At.Compare(b.At) })
	if limit > 0 && len(rows) > limit {
		rows = rows[len(rows)-limit:]
	}
	return rows
}

func printHistory(w io.Writer, rows []historyRow) {
	tbl := table.New("TIME", "KIND", "EVENT", "DETAIL").WithWriter(w).WithPadding(2)
	for _, r := range rows {
		event := r.Event
		if r.Failed {
			event += " (failed)"
		}
		tbl.AddRow(r.At.Local().Format(time.DateTime), r.Kind, event, r.Detail)
	}
	tbl.Print()
}
