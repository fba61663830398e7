package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunguard/tunguard/internal/agent"
	"github.com/tunguard/tunguard/internal/binding"
	"github.com/tunguard/tunguard/internal/connpolicy"
	"github.com/tunguard/tunguard/internal/ctlapi"
	"github.com/tunguard/tunguard/internal/devicestate"
	"github.com/tunguard/tunguard/internal/firewall"
	"github.com/tunguard/tunguard/internal/killswitch"
	"github.com/tunguard/tunguard/internal/netmon"
	"github.com/tunguard/tunguard/internal/rulestore"
	"github.com/tunguard/tunguard/internal/wireguard"
)

// drainTimeout is the maximum time for graceful shutdown.
const drainTimeout = 15 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the tunguard agent",
	Long: "Start the tunguard agent daemon. Loads the rules file, starts the network\n" +
		"monitor, hop prober and kill switch, and serves the control API until stopped.",
	RunE: runAgent,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runAgent(cmd *cobra.Command, _ []string) error {
	// 1. Parse config.
	cfg, err := agent.ParseConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("tunguard run: %w", err)
	}

	// Apply CLI flag overrides.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("socket") {
		cfg.CtlAPI.SocketPath = socketPath
	}

	// 2. Set up structured logger.
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting tunguard",
		"version", buildVersion,
		"rules", cfg.Rules.Path,
	)

	// 3. Load rules.
	store := rulestore.New(cfg.Rules, logger)
	if err := store.Load(); err != nil {
		return fmt.Errorf("tunguard run: %w", err)
	}

	// 4. Network state: monitor, socket coordinator, kill switch.
	monitor := netmon.NewMonitor(netmon.NewNetlinkSource(), cfg.NetMon, logger)
	coordinator, err := binding.NewCoordinator(binding.NewUnixSocketOps(), cfg.Binding, logger)
	if err != nil {
		return fmt.Errorf("tunguard run: %w", err)
	}
	ks := killswitch.NewSwitch(killswitch.NewNftablesFirewall(logger), cfg.KillSwitch, logger)
	monitor.RegisterHandler(coordinator.SetNetworks)
	monitor.RegisterHandler(ks.HandleNetworks)

	// 5. Device state, hop prober, evaluator and decision engine.
	device := devicestate.NewProvider(monitor, logger)
	device.SetNetworkSource(monitor)
	prober := wireguard.NewProber(wireguard.NewWgctrlReader(), cfg.WireGuard, logger)
	evaluator := firewall.NewEvaluator(store, device, cfg.Firewall, logger)
	engine := connpolicy.NewEngine(evaluator, store, logger)

	// 6. Control API and stats reporter.
	server := ctlapi.NewServer(cfg.CtlAPI, ctlapi.Deps{
		Decider:    engine,
		Rules:      store,
		Device:     device,
		Networks:   monitor,
		Hops:       prober,
		KillSwitch: ks,
		Binder:     coordinator,
	}, logger)
	stats := agent.NewStatsReporter(cfg.Stats, engine, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Wait group for all goroutines.
	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				logger.Error(name+" stopped", "error", err)
			}
		}()
	}

	start("rule store", store.Run)
	start("network monitor", monitor.Run)
	start("hop prober", prober.Run)
	start("hop watcher", func(ctx context.Context) error {
		watchHops(ctx, store, prober)
		return nil
	})
	start("control API", server.Start)
	start("stats reporter", stats.Run)

	// Wait for shutdown signal.
	<-ctx.Done()
	logger.Info("shutting down", "reason", ctx.Err())

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All goroutines exited cleanly.
	case <-time.After(drainTimeout):
		logger.Warn("drain timeout exceeded, forcing exit")
	}

	if err := ks.Close(); err != nil {
		logger.Error("kill switch removal failed", "error", err)
	}

	logger.Info("tunguard stopped")
	return nil
}

// hopSource is the rule store surface the hop watcher reads.
type hopSource interface {
	Snapshot() rulestore.Snapshot
	Subscribe() (<-chan struct{}, func())
}

// hopWatcher is told which hops are referenced by app hop chains.
type hopWatcher interface {
	SetWatched(ids []string)
}

// watchHops keeps the prober's watch list in step with the hop chains in
// the rule store until ctx is done.
func watchHops(ctx context.Context, src hopSource, w hopWatcher) {
	ch, unsubscribe := src.Subscribe()
	defer unsubscribe()

	w.SetWatched(hopIDs(src.Snapshot()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			w.SetWatched(hopIDs(src.Snapshot()))
		}
	}
}

// hopIDs returns the distinct hop ids referenced by any app, sorted.
func hopIDs(snap rulestore.Snapshot) []string {
	var ids []string
	for _, a := range snap.Apps {
		ids = append(ids, a.HopChain...)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}
