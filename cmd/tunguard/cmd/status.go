package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tunguard/tunguard/internal/ctlapi"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show agent status",
	Long:  "Connect to the local agent via Unix socket and display rules, device, network and hop state.",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	var state ctlapi.StateResponse
	if err := socketGetJSON(cmd.Context(), socketPath, "/v1/state", &state); err != nil {
		return fmt.Errorf("tunguard status: %w", err)
	}
	printStatus(cmd.OutOrStdout(), state)
	return nil
}

func printStatus(w io.Writer, s ctlapi.StateResponse) {
	fmt.Fprintf(w, "Apps:             %d\n", s.Apps)
	fmt.Fprintf(w, "Domain rules:     %d\n", s.DomainRules)
	fmt.Fprintf(w, "IP rules:         %d\n", s.IPRules)
	if !s.RulesLoadedAt.IsZero() {
		fmt.Fprintf(w, "Rules loaded:     %s\n", s.RulesLoadedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Block new apps:   %t\n", s.Settings.BlockNewApps)
	fmt.Fprintf(w, "Device locked:    %t\n", s.Device.Locked)
	fmt.Fprintf(w, "Lockdown:         %t\n", s.Device.Lockdown)
	fmt.Fprintf(w, "VPN lockdown:     %t\n", s.Device.VPNLockdown)
	fmt.Fprintf(w, "Kill switch:      %s\n", onOff(s.KillSwitchEngaged))

	if n := s.Networks; n != nil {
		fmt.Fprintln(w, "\nNetworks:")
		fmt.Fprintf(w, "  IPv4:        %v\n", n.IPv4)
		fmt.Fprintf(w, "  IPv6:        %v\n", n.IPv6)
		if n.Active != "" {
			fmt.Fprintf(w, "  Active:      %s\n", n.Active)
		}
		fmt.Fprintf(w, "  DNS servers: %d\n", n.DNSServers)
		fmt.Fprintf(w, "  Min MTU:     %d\n", n.MinMTU)
	}

	if len(s.Hops) > 0 {
		fmt.Fprintln(w, "\nHops:")
		for _, h := range s.Hops {
			line := fmt.Sprintf("  %s (%s): %s", h.ID, h.Interface, activeInactive(h.Active))
			if h.Error != "" {
				line += " error=" + h.Error
			}
			fmt.Fprintln(w, line)
		}
	}

	if len(s.Stats) > 0 {
		fmt.Fprintln(w, "\nDecisions:")
		for _, c := range s.Stats {
			fmt.Fprintf(w, "  %-40s %d\n", c.Ruleset, c.Count)
		}
	}
}

func onOff(b bool) string {
	if b {
		return "engaged"
	}
	return "off"
}

func activeInactive(b bool) string {
	if b {
		return "active"
	}
	return "inactive"
}
