package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jnodes/xorcoin/pkg/crypto"
	"github.com/jnodes/xorcoin/pkg/types"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^8 base units. All on-chain values are in base units.
const (
	Decimals  = 8
	Coin      = 100_000_000 // 10^8 base units per coin
	MilliCoin = 100_000     // 10^5
	MicroCoin = 100         // 10^2
)

// CoinbaseMaturity is the number of blocks a coinbase output must wait
// before it can be spent. Prevents issues during reorgs.
const CoinbaseMaturity uint64 = 100

// InitialSubsidy is the block subsidy (in whole coins) paid at height 1,
// before any halving has occurred.
const InitialSubsidy uint64 = 50

// HalvingInterval is the number of blocks between subsidy halvings.
const HalvingInterval uint64 = 210_000

// MaxSupply is the maximum number of whole coins that will ever exist,
// including the genesis premine.
const MaxSupply uint64 = 21_000_000

// GenesisPremine is the number of whole coins allocated at height 0,
// paid to an address that can never be spent from (see GenesisAddress).
const GenesisPremine uint64 = 1_000_000

// GenesisAddress is the literal premine destination. It is not a valid
// 40-hex-character address and types.ParseAddress rejects it, so funds
// allocated here are permanently unspendable.
const GenesisAddress = "genesis"

// TargetBlockTime is the target number of seconds between blocks.
const TargetBlockTime = 600

// RetargetInterval is the number of blocks between difficulty adjustments.
const RetargetInterval = 2016

// MaxTimeDrift is the maximum allowed difference between a block's
// timestamp and the validating node's clock.
const MaxTimeDrift = 2 * 60 * 60

// Block and transaction size limits (consensus-critical).
const (
	MaxBlockSize  = 1_000_000 // Max block size in bytes (header + all tx signing bytes).
	MaxBlockTxs   = 500       // Max transactions per block (including coinbase).
	MaxTxInputs   = 2500      // Max inputs per transaction.
	MaxTxOutputs  = 2500      // Max outputs per transaction.
	MaxScriptData = 65_536    // 64 KB max script data per output.
)

// Genesis holds the genesis block configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Symbol    string `json:"symbol,omitempty"`

	// Genesis block
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Initial allocations (address -> balance in base units)
	Alloc map[string]uint64 `json:"alloc"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines block heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// Future forks are added here as fields. Example:
	// ScriptEngineHeight uint64 `json:"script_engine_height,omitempty"`
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// ProtocolConfig holds consensus-critical rules.
// All nodes MUST agree on these values.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
	Forks     ForkSchedule   `json:"forks,omitempty"`
}

// ConsensusRules defines how blocks are produced and validated.
// This chain is proof-of-work only: block production is open to anyone
// who can find a header hash meeting the current target.
type ConsensusRules struct {
	// Block timing
	TargetBlockTime  int `json:"target_block_time"`  // Target seconds between blocks.
	RetargetInterval int `json:"retarget_interval"`   // Blocks between difficulty adjustments.

	// PoW settings
	InitialDifficulty uint64 `json:"initial_difficulty"`

	// Economics
	InitialSubsidy  uint64 `json:"initial_subsidy"`  // Whole coins at height 1.
	HalvingInterval uint64 `json:"halving_interval"` // Blocks between reward halvings.
	MaxSupply       uint64 `json:"max_supply"`       // Whole-coin cap (0 = unlimited).
	MinFeeRate      uint64 `json:"min_fee_rate"`     // Minimum fee rate, base units per byte of SigningBytes.

	CoinbaseMaturity uint64 `json:"coinbase_maturity"`
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "xorcoin-mainnet-1",
		ChainName: "Xorcoin Mainnet",
		Symbol:    "XOR",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Xorcoin Genesis",
		Alloc: map[string]uint64{
			GenesisAddress: GenesisPremine * Coin,
		},
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				TargetBlockTime:   TargetBlockTime,
				RetargetInterval:  RetargetInterval,
				InitialDifficulty: 1,
				InitialSubsidy:    InitialSubsidy,
				HalvingInterval:   HalvingInterval,
				MaxSupply:         MaxSupply,
				MinFeeRate:        1,
				CoinbaseMaturity:  CoinbaseMaturity,
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "xorcoin-testnet-1"
	g.ChainName = "Xorcoin Testnet"
	g.ExtraData = "Xorcoin Testnet Genesis"

	// More relaxed rules for testnet.
	g.Protocol.Consensus.MinFeeRate = 0
	g.Protocol.Consensus.InitialDifficulty = 1

	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	if g.Protocol.Consensus.InitialDifficulty == 0 {
		return fmt.Errorf("initial_difficulty must be positive")
	}

	if g.Protocol.Consensus.TargetBlockTime <= 0 {
		return fmt.Errorf("target_block_time must be positive")
	}

	if g.Protocol.Consensus.RetargetInterval <= 0 {
		return fmt.Errorf("retarget_interval must be positive")
	}

	if g.Protocol.Consensus.InitialSubsidy == 0 {
		return fmt.Errorf("initial_subsidy must be positive")
	}

	// Validate alloc addresses and check total doesn't exceed max supply.
	// The literal GenesisAddress premine destination is exempt from address
	// parsing: it is deliberately unparseable so the premine can never be spent.
	var totalAlloc uint64
	for addrStr, v := range g.Alloc {
		if addrStr == GenesisAddress {
			totalAlloc += v
			continue
		}
		if _, err := types.ParseAddress(addrStr); err != nil {
			return fmt.Errorf("invalid alloc address %q: %w", addrStr, err)
		}
		totalAlloc += v
	}
	if g.Protocol.Consensus.MaxSupply > 0 && totalAlloc > g.Protocol.Consensus.MaxSupply*Coin {
		return fmt.Errorf("genesis allocations (%d) exceed max_supply (%d)",
			totalAlloc, g.Protocol.Consensus.MaxSupply*Coin)
	}

	return nil
}

// Subsidy computes the block reward at the given height in base units.
// Height 0 (genesis) always returns the full initial subsidy; it carries
// no halving since the genesis premine is allocated directly, not mined.
// For height >= 1, the subsidy halves every halvingInterval blocks:
// floor(initialSubsidy * Coin / 2^((height-1)/halvingInterval)).
func Subsidy(height, initialSubsidy, halvingInterval uint64) uint64 {
	base := initialSubsidy * Coin
	if height == 0 || halvingInterval == 0 {
		return base
	}
	halvings := (height - 1) / halvingInterval
	if halvings >= 64 {
		return 0
	}
	return base >> halvings
}

// Hash returns a hash of the genesis configuration, used to identify the
// chain and detect genesis mismatches between peers.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.DoubleHash(data), nil
}
