package node

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/jnodes/xorcoin/pkg/types"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// resolveCoinbase parses the address that receives block rewards. Proof-of-work
// has no validator identity to derive a default from, so an explicit address
// is required whenever mining is enabled.
func resolveCoinbase(coinbaseStr string) (types.Address, error) {
	if coinbaseStr == "" {
		return types.Address{}, fmt.Errorf("--mine requires --coinbase address")
	}
	addr, err := types.ParseAddress(coinbaseStr)
	if err != nil {
		return types.Address{}, fmt.Errorf("invalid coinbase address: %w", err)
	}
	return addr, nil
}

// peerHost strips the port from a "host:port" peer address so ban/score
// bookkeeping keyed by host matches the host-only key used when a
// connection is first accepted or dialed.
func peerHost(addr string) string {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return h
}

// formatDifficulty returns a human-readable difficulty string (e.g. "1.05M").
func formatDifficulty(d uint64) string {
	switch {
	case d >= 1_000_000_000_000:
		return fmt.Sprintf("%.2fT", float64(d)/1_000_000_000_000)
	case d >= 1_000_000_000:
		return fmt.Sprintf("%.2fG", float64(d)/1_000_000_000)
	case d >= 1_000_000:
		return fmt.Sprintf("%.2fM", float64(d)/1_000_000)
	case d >= 1_000:
		return fmt.Sprintf("%.2fK", float64(d)/1_000)
	default:
		return fmt.Sprintf("%d", d)
	}
}
