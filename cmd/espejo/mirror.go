package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/espejo-db/espejo/internal/catalog"
	"github.com/espejo-db/espejo/internal/config"
	"github.com/espejo-db/espejo/internal/mssql"
	"github.com/espejo-db/espejo/internal/schema"
	"github.com/espejo-db/espejo/internal/ui"
)

var mirrorApply bool

var mirrorCmd = &cobra.Command{
	Use:   "mirror [schema.table ...]",
	Short: "Script or create destination tables matching the source schema",
	Long: `Read table definitions from the source server and emit the DDL that
recreates them: columns, primary key, unique constraints, indexes,
check constraints, defaults, foreign keys, and triggers. Tables are
ordered by foreign key dependency and FK constraints trail the CREATEs
so the script stays valid even across reference cycles.

With no arguments the configured tables are mirrored. The script goes
to stdout by default; --apply executes it against the destination
instead, skipping tables that already exist there.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootCtx

		f, err := loadConfig()
		if err != nil {
			return err
		}
		refs, err := mirrorRefs(args, f)
		if err != nil {
			return err
		}

		if !mirrorApply {
			src, err := openSource(ctx, f)
			if err != nil {
				return err
			}
			defer src.Close()

			tables, err := readTables(ctx, catalog.NewReader(src), refs)
			if err != nil {
				return err
			}
			for _, stmt := range schema.MirrorScript(tables) {
				fmt.Println(stmt)
				fmt.Println("GO")
			}
			return nil
		}

		src, dst, err := openEndpoints(ctx, f)
		if err != nil {
			return err
		}
		defer src.Close()
		defer dst.Close()

		tables, err := readTables(ctx, catalog.NewReader(src), refs)
		if err != nil {
			return err
		}
		return applyMirror(ctx, dst, tables)
	},
}

func init() {
	mirrorCmd.Flags().BoolVar(&mirrorApply, "apply", false, "execute the DDL on the destination instead of printing it")
	rootCmd.AddCommand(mirrorCmd)
}

// mirrorRefs resolves positional schema.table arguments, falling back
// to the configured (and selected) table list.
func mirrorRefs(args []string, f *config.File) ([]schema.TableRef, error) {
	if len(args) == 0 {
		var refs []schema.TableRef
		for _, t := range f.Tables {
			if t.IsSelected() {
				refs = append(refs, t.Ref())
			}
		}
		if len(refs) == 0 {
			return nil, fmt.Errorf("no tables given: pass schema.table arguments or configure a tables section")
		}
		return refs, nil
	}
	refs := make([]schema.TableRef, len(args))
	for i, arg := range args {
		ref, err := schema.ParseRef(arg)
		if err != nil {
			return nil, err
		}
		refs[i] = ref
	}
	return refs, nil
}

func readTables(ctx context.Context, r *catalog.Reader, refs []schema.TableRef) ([]*schema.Table, error) {
	tables := make([]*schema.Table, len(refs))
	for i, ref := range refs {
		tbl, err := r.ReadTable(ctx, ref)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", ref, err)
		}
		tables[i] = tbl
	}
	return tables, nil
}

// applyMirror creates the tables on the destination in dependency
// order, deferring FK constraints until every new table exists.
// Tables already present are left alone, FKs included.
func applyMirror(ctx context.Context, dst *mssql.DB, tables []*schema.Table) error {
	reader := catalog.NewReader(dst)
	var created []*schema.Table
	var skipped int
	for _, level := range schema.DependencyLevels(tables) {
		for _, tbl := range level {
			exists, err := reader.TableExists(ctx, tbl.Ref)
			if err != nil {
				return fmt.Errorf("check %s: %w", tbl.Ref, err)
			}
			if exists {
				fmt.Printf("%s %s already exists\n", ui.RenderSkipIcon(), tbl.Ref)
				skipped++
				continue
			}
			if err := execDDL(ctx, dst, tbl.Ref, tbl.CreateScript(schema.ScriptOptions{OmitForeignKeys: true})); err != nil {
				return err
			}
			fmt.Printf("%s %s created\n", ui.RenderPassIcon(), tbl.Ref)
			created = append(created, tbl)
		}
	}
	for _, tbl := range created {
		if err := execDDL(ctx, dst, tbl.Ref, tbl.ForeignKeyScript()); err != nil {
			return err
		}
	}
	fmt.Printf("%d created, %d skipped\n", len(created), skipped)
	return nil
}

// execDDL runs each statement under its own command timeout.
func execDDL(ctx context.Context, dst *mssql.DB, ref schema.TableRef, stmts []string) error {
	for _, stmt := range stmts {
		sctx, cancel := stmtContext(ctx, dst.CmdTimeout())
		_, err := dst.ExecContext(sctx, stmt)
		cancel()
		if err != nil {
			return fmt.Errorf("%s: execute %q: %w", ref, firstStmtLine(stmt), err)
		}
	}
	return nil
}

func stmtContext(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if limit > 0 {
		return context.WithTimeout(ctx, limit)
	}
	return context.WithCancel(ctx)
}

func firstStmtLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
