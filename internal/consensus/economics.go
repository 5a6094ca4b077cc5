package consensus

import "github.com/jnodes/xorcoin/config"

// CurrentReward returns the block subsidy (in base units) paid to the
// coinbase at the given height, following the same halving schedule as
// config.Subsidy.
func CurrentReward(height, initialSubsidy, halvingInterval uint64) uint64 {
	return config.Subsidy(height, initialSubsidy, halvingInterval)
}

// BlocksUntilHalving returns the number of blocks remaining until the next
// subsidy halving. Returns 0 if halving is disabled.
func BlocksUntilHalving(height, halvingInterval uint64) uint64 {
	if halvingInterval == 0 {
		return 0
	}
	if height == 0 {
		return halvingInterval
	}
	remainder := (height - 1) % halvingInterval
	return halvingInterval - remainder
}

// TotalSupply estimates the cumulative coin emission through the given
// height (inclusive), summing the halving reward schedule era by era
// rather than block by block.
func TotalSupply(height, initialSubsidy, halvingInterval uint64) uint64 {
	base := initialSubsidy * config.Coin
	if height == 0 {
		return 0
	}
	if halvingInterval == 0 {
		return base * height
	}

	var total uint64
	remaining := height
	reward := base
	for remaining > 0 && reward > 0 {
		span := halvingInterval
		if span > remaining {
			span = remaining
		}
		total += reward * span
		remaining -= span
		reward /= 2
	}
	return total
}
