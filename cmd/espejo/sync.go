package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/espejo-db/espejo/internal/config"
	"github.com/espejo-db/espejo/internal/engine"
	"github.com/espejo-db/espejo/internal/events"
	"github.com/espejo-db/espejo/internal/mssql"
	"github.com/espejo-db/espejo/internal/telemetry"
	"github.com/espejo-db/espejo/internal/ui"
)

var (
	planFile     string
	dryRun       bool
	watchMode    bool
	syncInterval time.Duration
	batchSize    int
	parallel     int
)

var syncCmd = &cobra.Command{
	Use:   "sync [schema.table ...]",
	Short: "Synchronize configured tables from source to destination",
	Long: `Runs one replication pass over every configured table: missing
destination tables are created as structural mirrors, then inserts,
updates and deletes are applied incrementally. Positional arguments
narrow the pass to the named tables.

With --watch the process stays up and repeats the pass every
--interval. Edits to the config or plan file are picked up between
passes; endpoint changes take effect on restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootCtx

		f, err := loadConfig()
		if err != nil {
			return err
		}
		plan, err := resolvePlan(f, args)
		if err != nil {
			return err
		}
		opts := f.Options
		applyFlagOverrides(&opts)

		src, dst, err := openEndpoints(ctx, f)
		if err != nil {
			return err
		}
		defer src.Close()
		defer dst.Close()

		if !watchMode {
			summary, err := runSync(ctx, src, dst, opts, plan)
			if err != nil {
				return err
			}
			if summary.TablesFailed > 0 {
				return fmt.Errorf("%d of %d tables failed", summary.TablesFailed, summary.TablesTotal)
			}
			return nil
		}
		return watchLoop(ctx, src, dst, opts, plan, args)
	},
}

func init() {
	syncCmd.Flags().StringVar(&planFile, "plan", "", "Plan file listing tables to sync (.yaml or .toml; overrides config tables)")
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Compute and report pending changes without writing anything")
	syncCmd.Flags().BoolVar(&watchMode, "watch", false, "Keep running, repeating the sync every --interval")
	syncCmd.Flags().DurationVar(&syncInterval, "interval", 30*time.Second, "Time between passes in watch mode")
	syncCmd.Flags().IntVar(&batchSize, "batch-size", 0, "Override options.batch_size for this run")
	syncCmd.Flags().IntVar(&parallel, "parallel", 0, "Override options.max_parallel_tables for this run")
	rootCmd.AddCommand(syncCmd)
}

func resolvePlan(f *config.File, names []string) ([]config.TableSync, error) {
	p := &config.Plan{Tables: f.Tables}
	if planFile != "" {
		loaded, err := config.LoadPlan(planFile)
		if err != nil {
			return nil, err
		}
		p = loaded
	}
	// Naming tables on the command line trumps the selected flag;
	// otherwise deselected entries sit the pass out.
	tables := p.SelectedTables()
	if len(names) > 0 {
		narrowed, err := p.Narrow(names)
		if err != nil {
			return nil, err
		}
		tables = narrowed.Tables
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("no tables selected: add a tables section or pass --plan")
	}
	return tables, nil
}

func applyFlagOverrides(o *config.Options) {
	if batchSize > 0 {
		o.BatchSize = batchSize
	}
	if parallel > 0 {
		o.MaxParallelTables = parallel
	}
	o.DryRun = dryRun
}

// runSync runs one pass, rendering progress events as they arrive.
func runSync(ctx context.Context, src, dst *mssql.DB, opts config.Options, plan []config.TableSync) (*engine.RunSummary, error) {
	queue := events.NewQueue(opts.EventBuffer)
	rec := telemetry.NewRunRecorder(ctx)
	defer rec.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range queue.C() {
			rec.Record(ev)
			renderEvent(ev)
		}
	}()

	eng := engine.New(src, dst, opts, queue)
	summary, err := eng.Run(ctx, plan)
	queue.Close()
	<-done

	if n := queue.Dropped(); n > 0 {
		log.WithField("dropped", n).Debug("progress events dropped under backpressure")
	}
	return summary, err
}

func watchLoop(ctx context.Context, src, dst *mssql.DB, opts config.Options, plan []config.TableSync, names []string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Close()
	for _, path := range []string{configFileUsed, planFile} {
		if path == "" {
			continue
		}
		if err := w.Add(path); err != nil {
			log.WithError(err).WithField("file", path).Warn("cannot watch file")
		}
	}

	run := func() {
		if _, err := runSync(ctx, src, dst, opts, plan); err != nil && !engine.IsCanceled(err) {
			log.WithError(err).Error("sync pass failed")
		}
	}

	run()
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			run()
		case fev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if fev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			newOpts, newPlan, rerr := reloadPlan(names)
			if rerr != nil {
				log.WithError(rerr).Error("config reload failed; keeping previous plan")
				continue
			}
			applyFlagOverrides(&newOpts)
			opts, plan = newOpts, newPlan
			// Editors replace files on save; re-add in case the
			// inode changed.
			_ = w.Add(fev.Name)
			log.WithField("file", fev.Name).Info("configuration reloaded")
			run()
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WithError(werr).Warn("file watcher error")
		}
	}
}

func reloadPlan(names []string) (config.Options, []config.TableSync, error) {
	f, err := loadConfig()
	if err != nil {
		return config.Options{}, nil, err
	}
	plan, err := resolvePlan(f, names)
	if err != nil {
		return config.Options{}, nil, err
	}
	return f.Options, plan, nil
}

func renderEvent(ev events.Event) {
	if jsonOutput {
		if b, err := json.Marshal(ev); err == nil {
			fmt.Println(string(b))
		}
		return
	}
	if quiet {
		return
	}

	switch ev.Type {
	case events.TableStarted:
		if verbose {
			fmt.Printf("%s %s\n", ui.RenderMuted("..."), ev.Table)
		}
	case events.TableSchemaCreated:
		fmt.Printf("%s %s created\n", ui.RenderInfoIcon(), ev.Table)
	case events.TableStrategySelected:
		if verbose {
			fmt.Printf("    %s\n", ui.RenderMuted(fmt.Sprintf("%s strategy %s", ev.Table, ev.Strategy)))
		}
	case events.BatchApplied:
		if verbose {
			fmt.Printf("    %s\n", ui.RenderMuted(fmt.Sprintf("%s %s %s rows", ev.Table, ev.Kind, ui.FormatCount(ev.Rows))))
		}
	case events.TableCompleted:
		fmt.Printf("%s %s  %s\n", ui.RenderPassIcon(), ev.Table, changeSummary(ev.Inserted, ev.Updated, ev.Deleted))
	case events.TableFailed:
		fmt.Printf("%s %s  %s\n", ui.RenderFailIcon(), ev.Table, ui.RenderFail(ev.Err))
	case events.RunCompleted:
		fmt.Println(ui.RenderSeparator())
		verb := "applied"
		if dryRun {
			verb = "pending"
		}
		line := fmt.Sprintf("%d/%d tables ok  %s %s",
			ev.TablesOK, ev.TablesTotal, verb,
			changeSummary(ev.Inserted, ev.Updated, ev.Deleted))
		if ev.TablesFailed > 0 {
			line += "  " + ui.RenderFail(fmt.Sprintf("%d failed", ev.TablesFailed))
		}
		if ev.Canceled {
			line += "  " + ui.RenderWarn("canceled")
		}
		fmt.Println(line)
	}
}

func changeSummary(ins, upd, del int64) string {
	if ins == 0 && upd == 0 && del == 0 {
		return ui.RenderMuted("no changes")
	}
	return fmt.Sprintf("%s %s %s",
		ui.RenderPass("+"+ui.FormatCount(ins)),
		ui.RenderAccent("~"+ui.FormatCount(upd)),
		ui.RenderFail("-"+ui.FormatCount(del)))
}
