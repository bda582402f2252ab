package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/espejo-db/espejo/internal/catalog"
	"github.com/espejo-db/espejo/internal/ui"
)

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List user tables on the source server",
	Long: `List every user table on the source server with its approximate row
count, marking the ones the current configuration syncs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootCtx

		f, err := loadConfig()
		if err != nil {
			return err
		}
		src, err := openSource(ctx, f)
		if err != nil {
			return err
		}
		defer src.Close()

		infos, err := catalog.NewReader(src).ListTables(ctx)
		if err != nil {
			return err
		}

		// Value is the selected flag; presence alone means configured.
		configured := make(map[string]bool, len(f.Tables))
		for _, t := range f.Tables {
			configured[t.Ref().String()] = t.IsSelected()
		}

		if jsonOutput {
			type tableRow struct {
				Schema     string `json:"schema"`
				Table      string `json:"table"`
				Rows       int64  `json:"rows"`
				Configured bool   `json:"configured"`
				Selected   bool   `json:"selected"`
			}
			rows := make([]tableRow, len(infos))
			for i, ti := range infos {
				sel, ok := configured[ti.Ref.String()]
				rows[i] = tableRow{
					Schema:     ti.Ref.Schema,
					Table:      ti.Ref.Name,
					Rows:       ti.Rows,
					Configured: ok,
					Selected:   ok && sel,
				}
			}
			outputJSON(rows)
			return nil
		}

		fmt.Printf("%s  %s\n", ui.RenderCategory("source tables"), ui.RenderMuted(src.Target()))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "SCHEMA\tTABLE\tROWS\tSYNCED")
		for _, ti := range infos {
			marker := ""
			if sel, ok := configured[ti.Ref.String()]; ok {
				marker = "yes"
				if !sel {
					marker = "off"
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				ti.Ref.Schema, ti.Ref.Name, ui.FormatCount(ti.Rows), marker)
		}
		w.Flush()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tablesCmd)
}
