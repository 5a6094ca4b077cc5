package p2p

import (
	"context"
	"math/rand"
	"net"
	"strconv"
	"time"
)

// DNSSeeds are hostnames resolved to discover bootstrap peers.
var DNSSeeds = []string{
	"seed1.xorcoin.org",
	"seed2.xorcoin.org",
	"dnsseed.xorcoin.io",
	"seed.xorcoin.net",
}

// defaultSeedPort is used for addresses resolved via DNS seeds that don't
// carry their own port.
const defaultSeedPort = 8333

// maxSeedPeers caps how many addresses ResolveSeeds returns.
const maxSeedPeers = 50

// dnsSeedTimeout bounds a single seed hostname resolution.
const dnsSeedTimeout = 5 * time.Second

// ResolveSeeds resolves the configured DNS seeds (or the caller-supplied
// seed hostnames, if any) to a shuffled list of "ip:port" addresses. Seeds
// that fail to resolve are skipped; if none resolve at all, an empty slice
// is returned and the caller should fall back to persisted peers.
func ResolveSeeds(seeds []string, port int) []string {
	if port == 0 {
		port = defaultSeedPort
	}
	if len(seeds) == 0 {
		seeds = DNSSeeds
	}

	var resolver net.Resolver
	var addrs []string
	for _, seed := range seeds {
		host := seed
		seedPort := port
		if h, p, splitErr := net.SplitHostPort(seed); splitErr == nil {
			host = h
			if n, err := net.LookupPort("tcp", p); err == nil {
				seedPort = n
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), dnsSeedTimeout)
		ips, err := resolver.LookupHost(ctx, host)
		cancel()
		if err != nil {
			continue
		}
		for _, ip := range ips {
			addrs = append(addrs, net.JoinHostPort(ip, strconv.Itoa(seedPort)))
		}
	}

	rand.Shuffle(len(addrs), func(i, j int) { addrs[i], addrs[j] = addrs[j], addrs[i] })
	if len(addrs) > maxSeedPeers {
		addrs = addrs[:maxSeedPeers]
	}
	return addrs
}
