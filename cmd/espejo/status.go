package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/espejo-db/espejo/internal/catalog"
	"github.com/espejo-db/espejo/internal/ledger"
	"github.com/espejo-db/espejo/internal/schema"
	"github.com/espejo-db/espejo/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-table sync state from the destination ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootCtx

		f, err := loadConfig()
		if err != nil {
			return err
		}
		dst, err := openDest(ctx, f)
		if err != nil {
			return err
		}
		defer dst.Close()

		st := ledger.New(f.Options.LedgerSchema, f.Options.LedgerTable)
		ledgerRef := schema.TableRef{Schema: f.Options.LedgerSchema, Name: f.Options.LedgerTable}
		exists, err := catalog.NewReader(dst).TableExists(ctx, ledgerRef)
		if err != nil {
			return err
		}
		if !exists {
			fmt.Printf("%s no sync state: %s does not exist on %s (run espejo sync first)\n",
				ui.RenderInfoIcon(), st.Qualified(), dst.Target())
			return nil
		}

		entries, err := st.Summary(ctx, dst)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(statusRows(entries))
			return nil
		}
		renderStatusTable(entries, dst.Target())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

type statusRow struct {
	Table      string     `json:"table"`
	PKColumns  []string   `json:"pk_columns,omitempty"`
	Where      string     `json:"where,omitempty"`
	Strategy   string     `json:"strategy,omitempty"`
	Status     string     `json:"status,omitempty"`
	LastSync   *time.Time `json:"last_sync,omitempty"`
	Inserted   int64      `json:"inserted"`
	Updated    int64      `json:"updated"`
	Deleted    int64      `json:"deleted"`
	Rowversion string     `json:"rowversion,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func statusRows(entries []ledger.Entry) []statusRow {
	rows := make([]statusRow, len(entries))
	for i, e := range entries {
		rows[i] = statusRow{
			Table:     e.Table.String(),
			PKColumns: e.PKColumns,
			Where:     e.WhereClause,
			Strategy:  string(e.Strategy),
			Status:    e.LastSyncStatus,
			LastSync:  e.LastSyncDate,
			Inserted:  e.RecordsInserted,
			Updated:   e.RecordsUpdated,
			Deleted:   e.RecordsDeleted,
			Error:     e.LastErrorMessage,
		}
		if len(e.LastRowversionSynced) > 0 {
			rows[i].Rowversion = ui.FormatRowversion(e.LastRowversionSynced)
		}
	}
	return rows
}

func renderStatusTable(entries []ledger.Entry, target string) {
	fmt.Printf("%s  %s\n", ui.RenderCategory("sync status"), ui.RenderMuted(target))
	if len(entries) == 0 {
		fmt.Println(ui.RenderMuted("no tables in the ledger yet"))
		return
	}

	// Plain cells: ANSI escapes would break tabwriter's width math.
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TABLE\tSTRATEGY\tSTATUS\tLAST SYNC\tINSERTED\tUPDATED\tDELETED\tMARK")
	for _, e := range entries {
		var last time.Time
		if e.LastSyncDate != nil {
			last = *e.LastSyncDate
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Table, e.Strategy, e.LastSyncStatus, ui.FormatAge(last),
			ui.FormatCount(e.RecordsInserted),
			ui.FormatCount(e.RecordsUpdated),
			ui.FormatCount(e.RecordsDeleted),
			ui.FormatRowversion(e.LastRowversionSynced))
	}
	w.Flush()

	for _, e := range entries {
		if e.LastSyncStatus == ledger.StatusError && e.LastErrorMessage != "" {
			fmt.Printf("%s %s  %s\n", ui.RenderFailIcon(), e.Table, ui.RenderFail(e.LastErrorMessage))
		}
	}
}
