package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunguard/tunguard/internal/connpolicy"
	"github.com/tunguard/tunguard/internal/ctlapi"
	"github.com/tunguard/tunguard/internal/devicestate"
	"github.com/tunguard/tunguard/internal/firewall"
	"github.com/tunguard/tunguard/internal/rulestore"
)

var evalOpts struct {
	req        ctlapi.DecideRequest
	rules      string
	metered    bool
	locked     bool
	lockdown   bool
	foreground bool
	paused     bool
	wait       time.Duration
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate a connection against a rules file without an agent",
	Long: "Evaluate one connection attempt offline against a rules file and print\n" +
		"the verdict. Device signals are taken from flags and every hop is treated\n" +
		"as active. The rules file is never modified.",
	Args: cobra.NoArgs,
	RunE: runEval,
}

func init() {
	addConnFlags(evalCmd, &evalOpts.req)
	f := evalCmd.Flags()
	f.StringVar(&evalOpts.rules, "rules", rulestore.DefaultPath, "rules file path")
	f.BoolVar(&evalOpts.metered, "metered", false, "treat the destination as reached over a metered network")
	f.BoolVar(&evalOpts.locked, "locked", false, "treat the device as locked")
	f.BoolVar(&evalOpts.lockdown, "lockdown", false, "treat lockdown mode as active")
	f.BoolVar(&evalOpts.foreground, "foreground", false, "treat the app as in the foreground")
	f.BoolVar(&evalOpts.paused, "paused", false, "treat the app as paused")
	f.DurationVar(&evalOpts.wait, "wait", 200*time.Millisecond, "how long an unclassified new app is waited for")
	rootCmd.AddCommand(evalCmd)
}

func runEval(cmd *cobra.Command, _ []string) error {
	logger := setupLogger(logLevel)
	if logLevel == "" {
		logger = slog.New(slog.DiscardHandler)
	}
	v, err := evaluateOffline(cmd.Context(), logger)
	if err != nil {
		return fmt.Errorf("tunguard eval: %w", err)
	}
	printVerdict(cmd.OutOrStdout(), ctlapi.NewDecideResponse(v))
	return nil
}

func evaluateOffline(ctx context.Context, logger *slog.Logger) (connpolicy.Verdict, error) {
	req, err := evalOpts.req.ToRequest()
	if err != nil {
		return connpolicy.Verdict{}, err
	}

	store := rulestore.New(rulestore.Config{
		Path:           evalOpts.rules,
		DisableWatch:   true,
		DisablePersist: true,
	}, logger)
	if err := store.Load(); err != nil {
		return connpolicy.Verdict{}, err
	}

	device := devicestate.NewProvider(staticMetered(evalOpts.metered), logger)
	device.SetDeviceLocked(evalOpts.locked)
	device.SetLockdown(evalOpts.lockdown)
	device.SetAppForeground(req.Conn.OwnerAppID, evalOpts.foreground)
	device.SetAppPaused(req.Conn.OwnerAppID, evalOpts.paused)

	fwCfg := firewall.Config{WaitBudget: evalOpts.wait}
	if fwCfg.WaitBudget <= 0 {
		fwCfg.WaitBudget = time.Millisecond
	}
	fwCfg.WaitBase = min(firewall.DefaultWaitBase, fwCfg.WaitBudget)
	fwCfg.ApplyDefaults()
	if err := fwCfg.Validate(); err != nil {
		return connpolicy.Verdict{}, err
	}

	evaluator := firewall.NewEvaluator(store, device, fwCfg, logger)
	engine := connpolicy.NewEngine(evaluator, store, logger)
	return engine.Decide(ctx, req), nil
}

// staticMetered answers every metered lookup with the same value.
type staticMetered bool

func (m staticMetered) IsMetered(netip.Addr) (bool, error) { return bool(m), nil }
