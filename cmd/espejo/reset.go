package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/espejo-db/espejo/internal/ledger"
	"github.com/espejo-db/espejo/internal/schema"
	"github.com/espejo-db/espejo/internal/ui"
)

var (
	resetAll bool
	resetYes bool
)

var resetCmd = &cobra.Command{
	Use:   "reset [schema.table ...]",
	Short: "Clear sync marks so the next run re-verifies every row",
	Long: `Clear the stored rowversion mark, sync dates, and status for the given
tables in the destination ledger. The table configuration and lifetime
counters stay. On the next run each reset table starts from a zero
mark, so every matched row is verified and rewritten once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := rootCtx

		if len(args) == 0 && !resetAll {
			return fmt.Errorf("no tables given: pass schema.table arguments or --all")
		}
		if len(args) > 0 && resetAll {
			return fmt.Errorf("--all cannot be combined with table arguments")
		}

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

		var refs []schema.TableRef
		if resetAll {
			entries, err := st.Summary(ctx, dst)
			if err != nil {
				return err
			}
			for _, e := range entries {
				refs = append(refs, e.Table)
			}
			if len(refs) == 0 {
				fmt.Println(ui.RenderMuted("ledger is empty, nothing to reset"))
				return nil
			}
		} else {
			for _, arg := range args {
				ref, err := schema.ParseRef(arg)
				if err != nil {
					return err
				}
				refs = append(refs, ref)
			}
		}

		if !resetYes && !confirmReset(refs) {
			fmt.Println("aborted")
			return nil
		}

		var done int
		for _, ref := range refs {
			if err := st.Reset(ctx, dst, ref); err != nil {
				if errors.Is(err, ledger.ErrNoEntry) {
					fmt.Printf("%s %s has no ledger entry\n", ui.RenderWarnIcon(), ref)
					continue
				}
				return fmt.Errorf("reset %s: %w", ref, err)
			}
			fmt.Printf("%s %s reset\n", ui.RenderPassIcon(), ref)
			done++
		}
		fmt.Printf("%d of %d tables reset\n", done, len(refs))
		return nil
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetAll, "all", false, "reset every table in the ledger")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "skip the confirmation prompt")
	rootCmd.AddCommand(resetCmd)
}

func confirmReset(refs []schema.TableRef) bool {
	fmt.Printf("About to clear sync marks for %d table(s):\n", len(refs))
	for _, ref := range refs {
		fmt.Printf("  %s\n", ref)
	}
	fmt.Print("Continue? [y/N] ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
