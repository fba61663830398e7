//go:build !linux

package killswitch

import (
	"errors"
	"log/slog"
)

var errUnsupported = errors.New("killswitch: nftables not supported on this platform")

// NftablesFirewall is unavailable outside Linux.
type NftablesFirewall struct{}

// NewNftablesFirewall returns a NftablesFirewall whose methods fail.
func NewNftablesFirewall(_ *slog.Logger) *NftablesFirewall {
	return &NftablesFirewall{}
}

func (*NftablesFirewall) Install(string, Rules) error { return errUnsupported }

// Remove is a no-op; there is nothing to remove.
func (*NftablesFirewall) Remove(string) error { return nil }
