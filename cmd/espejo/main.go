// Command espejo replicates SQL Server tables between two servers:
// structure first, then rows, incrementally on every run.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/espejo-db/espejo/internal/config"
	"github.com/espejo-db/espejo/internal/mssql"
	"github.com/espejo-db/espejo/internal/telemetry"
)

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool
	quiet      bool

	// Signal-aware context for graceful cancellation
	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "espejo",
	Short: "espejo - SQL Server table replication",
	Long: `Replicates tables from a source SQL Server to a destination, creating
missing tables as structural mirrors and applying only the rows that
changed since the previous run.

Configuration is read from espejo.yaml (or --config). Every key can be
overridden through the environment with an ESPEJO_ prefix, e.g.
ESPEJO_SOURCE_PASSWORD.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupSignalContext()
		applyVerbosity()
		if err := telemetry.Init(rootCtx, "espejo", Version); err != nil {
			log.WithError(err).Warn("telemetry disabled")
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		telemetry.Shutdown(ctx)
		cancel()
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./espejo.yaml, then $HOME/.espejo/espejo.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output (errors only)")
}

// setupSignalContext creates a context that cancels on SIGINT/SIGTERM
// for graceful shutdown of long-running operations.
func setupSignalContext() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// applyVerbosity maps --verbose and --quiet onto the logrus level.
// Progress output goes through events; logs are diagnostics, so the
// default level stays at warnings.
func applyVerbosity() {
	log.SetOutput(os.Stderr)
	switch {
	case quiet:
		log.SetLevel(log.ErrorLevel)
	case verbose:
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.WarnLevel)
	}
}

// loadConfig reads the configuration file and environment overrides.
func loadConfig() (*config.File, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("espejo")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.espejo")
		}
	}
	v.SetEnvPrefix("ESPEJO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	f, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	configFileUsed = v.ConfigFileUsed()
	return f, nil
}

// configFileUsed records the resolved config path for watch mode.
var configFileUsed string

// openEndpoints connects to both servers, prompting for passwords
// that the config and environment left empty.
func openEndpoints(ctx context.Context, f *config.File) (src, dst *mssql.DB, err error) {
	src, err = openSource(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	dst, err = openDest(ctx, f)
	if err != nil {
		src.Close()
		return nil, nil, err
	}
	return src, dst, nil
}

func openSource(ctx context.Context, f *config.File) (*mssql.DB, error) {
	if err := fillPassword(&f.Source, "source"); err != nil {
		return nil, err
	}
	return mssql.Open(ctx, f.Source)
}

func openDest(ctx context.Context, f *config.File) (*mssql.DB, error) {
	if err := fillPassword(&f.Destination, "destination"); err != nil {
		return nil, err
	}
	return mssql.Open(ctx, f.Destination)
}

func fillPassword(c *mssql.Config, label string) error {
	if c.WindowsAuth || c.Password != "" {
		return nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return fmt.Errorf("%s: password required (set %s.password or ESPEJO_%s_PASSWORD)",
			label, label, strings.ToUpper(label))
	}
	fmt.Fprintf(os.Stderr, "%s password for %s: ", label, c.String())
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read %s password: %w", label, err)
	}
	c.Password = string(b)
	return nil
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: encode json: %v\n", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
