//go:build linux

package killswitch

import (
	"fmt"
	"log/slog"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
)

// chainName is the output chain holding the lockdown rules.
const chainName = "lockdown"

// NftablesFirewall implements Firewall using the Linux nftables subsystem
// via the google/nftables netlink library. It owns a single inet table so
// that IPv4 and IPv6 are covered by one chain.
type NftablesFirewall struct {
	logger *slog.Logger
}

// NewNftablesFirewall returns a new NftablesFirewall.
func NewNftablesFirewall(logger *slog.Logger) *NftablesFirewall {
	return &NftablesFirewall{logger: logger}
}

// Install replaces the lockdown chain in one batch.
func (f *NftablesFirewall) Install(table string, rules Rules) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("killswitch: nftables: install: %w", err)
	}

	t := conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyINet,
		Name:   table,
	})
	policy := nftables.ChainPolicyAccept
	chain := conn.AddChain(&nftables.Chain{
		Name:     chainName,
		Table:    t,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
		Policy:   &policy,
	})
	conn.FlushChain(chain)

	for _, exprs := range buildLockdownExprs(rules) {
		conn.AddRule(&nftables.Rule{
			Table: t,
			Chain: chain,
			Exprs: exprs,
		})
	}

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("killswitch: nftables: install table %q: %w", table, err)
	}

	f.logger.Debug("nftables lockdown chain installed",
		"component", "killswitch",
		"table", table,
	)
	return nil
}

// Remove deletes the table. It is idempotent.
func (f *NftablesFirewall) Remove(table string) error {
	conn, err := nftables.New()
	if err != nil {
		return fmt.Errorf("killswitch: nftables: remove: %w", err)
	}

	tables, err := conn.ListTablesOfFamily(nftables.TableFamilyINet)
	if err != nil {
		return fmt.Errorf("killswitch: nftables: remove: list tables: %w", err)
	}
	for _, t := range tables {
		if t.Name != table {
			continue
		}
		conn.DelTable(t)
		if err := conn.Flush(); err != nil {
			return fmt.Errorf("killswitch: nftables: remove table %q: %w", table, err)
		}
		f.logger.Debug("nftables lockdown table removed",
			"component", "killswitch",
			"table", table,
		)
		return nil
	}
	return nil
}

// buildLockdownExprs returns the rule expressions in chain order: accept
// loopback, accept the tunnel device, accept protect-marked packets, then
// count and drop everything else.
func buildLockdownExprs(rules Rules) [][]expr.Any {
	out := [][]expr.Any{
		oifAccept("lo"),
		oifAccept(rules.TunnelInterface),
	}
	if rules.ProtectMark != 0 {
		out = append(out, []expr.Any{
			&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     binaryutil.NativeEndian.PutUint32(rules.ProtectMark),
			},
			&expr.Verdict{Kind: expr.VerdictAccept},
		})
	}
	out = append(out, []expr.Any{
		&expr.Counter{},
		&expr.Verdict{Kind: expr.VerdictDrop},
	})
	return out
}

func oifAccept(name string) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     ifaceNameBytes(name),
		},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

// ifaceNameBytes returns the interface name as a null-terminated byte slice
// for nftables expression matching.
func ifaceNameBytes(name string) []byte {
	buf := make([]byte, 16)
	copy(buf, name)
	return buf[:len(name)+1]
}
