package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tunguard/tunguard/internal/ctlapi"
)

var decideReq ctlapi.DecideRequest

var decideCmd = &cobra.Command{
	Use:   "decide",
	Short: "Ask the running agent for a connection verdict",
	Long: "Send one connection attempt to the local agent and print the verdict.\n" +
		"The decision is counted in the agent's stats like any other.",
	Args: cobra.NoArgs,
	RunE: runDecide,
}

func init() {
	addConnFlags(decideCmd, &decideReq)
	rootCmd.AddCommand(decideCmd)
}

func addConnFlags(c *cobra.Command, req *ctlapi.DecideRequest) {
	c.Flags().IntVar(&req.AppID, "app", 0, "owner app id")
	c.Flags().StringVar(&req.Dst, "dst", "", "destination ip:port")
	c.Flags().StringVar(&req.Protocol, "proto", "tcp", "protocol: tcp, udp or an IP protocol number")
	c.Flags().StringVar(&req.Domains, "domains", "", "comma-separated query names resolving to the destination")
	c.Flags().StringVar(&req.ConnID, "conn-id", "cli", "connection id for logs")
	c.Flags().BoolVar(&req.AnyRealIPBlocked, "any-real-ip-blocked", false, "the resolver blocked an IP in the answer")
	_ = c.MarkFlagRequired("dst")
}

func runDecide(cmd *cobra.Command, _ []string) error {
	resp, err := socketDo(cmd.Context(), socketPath, http.MethodPost, "/v1/decide", decideReq)
	if err != nil {
		return fmt.Errorf("tunguard decide: %w", err)
	}
	defer resp.Body.Close()

	var out ctlapi.DecideResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("tunguard decide: parse response: %w", err)
	}
	printVerdict(cmd.OutOrStdout(), out)
	return nil
}

func printVerdict(w io.Writer, v ctlapi.DecideResponse) {
	verdict := "allow"
	if v.Blocked {
		verdict = "block"
	}
	fmt.Fprintf(w, "Verdict:  %s\n", verdict)
	fmt.Fprintf(w, "Ruleset:  %s\n", v.Ruleset)
	fmt.Fprintf(w, "Upstream: %s\n", strings.Join(v.ProxyIDs, ","))
	fmt.Fprintf(w, "Reason:   %s\n", v.Reason)
	if v.QueryDomain != "" {
		fmt.Fprintf(w, "Domain:   %s\n", v.QueryDomain)
	}
	if v.OrbotExcludedApp {
		fmt.Fprintln(w, "Note:     app is not carried by Orbot")
	}
}
