package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/teambook/internal/config"
	"github.com/steveyegge/teambook/internal/debug"
	"github.com/steveyegge/teambook/internal/format"
	"github.com/steveyegge/teambook/internal/identity"
	"github.com/steveyegge/teambook/internal/kernel"
	"github.com/steveyegge/teambook/internal/storage"
	"github.com/steveyegge/teambook/internal/storage/factory"
	"github.com/steveyegge/teambook/internal/telemetry"
	"github.com/steveyegge/teambook/internal/types"
)

var (
	teambookFlag string
	formatFlag   string
	jsonFlag     bool
	backendFlag  string
	verboseFlag  bool

	rootCtx    context.Context
	rootCancel context.CancelFunc

	ids  *identity.Manager
	kern *kernel.Kernel
)

// errVerbFailed signals a rendered "!code" failure; the message already
// went to stdout, so main only converts it into exit code 1.
var errVerbFailed = errors.New("verb failed")

// noKernelCommands run without storage or identity.
var noKernelCommands = map[string]bool{
	"version":    true,
	"setup":      true,
	"help":       true,
	"completion": true,
}

var rootCmd = &cobra.Command{
	Use:   "tb",
	Short: "tb - shared memory and coordination for AI teams",
	Long: `Teambook is a collaboration substrate for AI agents: durable notes
with graph recall, channels and DMs, locks, a task queue, evolutions,
watches, and presence, shared through one verb surface.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: config: %v\n", err)
		}
		applyFlagOverrides()
		rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

		if noKernelCommands[cmd.Name()] {
			return nil
		}
		if err := telemetry.Init(rootCtx, "teambook", Version); err != nil {
			debug.Logf("telemetry init: %v\n", err)
		}
		return bootstrapKernel(rootCtx)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if kern != nil {
			if st := kern.Store(); st != nil {
				_ = st.Close()
			}
		}
		telemetry.Shutdown(context.Background())
		if rootCancel != nil {
			rootCancel()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&teambookFlag, "teambook", "", "Teambook name (default: the recorded current teambook)")
	rootCmd.PersistentFlags().StringVar(&formatFlag, "format", "", "Output format: pipe or json (default pipe)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Output JSON (same as --format json)")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "", "Storage backend: sqlite, postgres, or redis (default: probe)")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug output")
}

func applyFlagOverrides() {
	if teambookFlag != "" {
		config.Set("name", teambookFlag)
	}
	if backendFlag != "" {
		config.Set("backend", backendFlag)
	}
	if verboseFlag {
		debug.SetVerbose(true)
	}
}

// bootstrapKernel opens storage on the selected backend and builds the
// shared kernel. The opener hands join/use verbs live store switching.
func bootstrapKernel(ctx context.Context) error {
	opts, err := factory.OptionsFromConfig()
	if err != nil {
		return fmt.Errorf("storage configuration: %w", err)
	}

	name := config.CurrentTeambook()
	if name == "" {
		name = types.PrivateTeambook
	}
	st, err := factory.Open(ctx, name, opts)
	if err != nil {
		return fmt.Errorf("failed to open teambook %s: %w", name, err)
	}
	reg, err := factory.OpenRegistry(ctx, opts)
	if err != nil {
		debug.Logf("teambook registry unavailable: %v\n", err)
	}

	ids = identity.NewManager(identity.OptionsFromEnv())
	kern, err = kernel.New(kernel.Options{
		Store:    st,
		Identity: ids,
		Registry: reg,
		Open: func(ctx context.Context, teambook string) (storage.Store, error) {
			return factory.Open(ctx, teambook, opts)
		},
	})
	if err != nil {
		st.Close()
		return err
	}
	return nil
}

func outputMode() format.Mode {
	if jsonFlag || config.JSONOutput() {
		return format.ModeJSON
	}
	if formatFlag != "" {
		return format.ParseMode(formatFlag)
	}
	return format.ParseMode(os.Getenv("TEAMBOOK_FORMAT"))
}

// runVerb dispatches one kernel verb and renders the response. Failures
// print as "!code|detail" lines and surface as exit code 1.
func runVerb(cmd *cobra.Command, verb string, p kernel.Params) error {
	resp := kern.Handle(rootCtx, verb, p)
	fmt.Fprintln(cmd.OutOrStdout(), format.Render(resp, outputMode()))
	if !resp.Success {
		return errVerbFailed
	}
	return nil
}
