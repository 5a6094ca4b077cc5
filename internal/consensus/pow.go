package consensus

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"

	"github.com/jnodes/xorcoin/pkg/block"
	"github.com/jnodes/xorcoin/pkg/crypto"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet difficulty target")
	ErrZeroDifficulty   = errors.New("difficulty must be > 0")
	ErrBadDifficulty    = errors.New("block difficulty does not match expected")
)

// one is reused to build 2^n targets.
var one = big.NewInt(1)

// PoW implements proof-of-work consensus. Difficulty is an integer number
// of required leading zero hex nibbles in the header hash: a header hash
// meets difficulty d iff H < 2^(256-4d).
//
// Difficulty is stored in the block header (consensus-enforced). The engine
// itself holds no mutable state — all difficulty is derived from the chain
// and encoded in each block.
type PoW struct {
	InitialDifficulty uint64 // Starting difficulty (from genesis).
	RetargetInterval  int    // Blocks between difficulty adjustments (0 = no adjustment).
	TargetBlockTime   int    // Target seconds between blocks.

	// DifficultyFn is called by Prepare to compute the expected difficulty
	// for a new block. Set by the node operator. If nil, Prepare uses
	// InitialDifficulty.
	DifficultyFn func(height uint64) uint64

	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded (default). Each goroutine searches a
	// strided partition of the nonce space, starting from a random offset.
	Threads int
}

// NewPoW creates a new PoW engine.
func NewPoW(difficulty uint64, retargetInterval, targetBlockTime int) (*PoW, error) {
	if difficulty == 0 {
		return nil, ErrZeroDifficulty
	}
	return &PoW{
		InitialDifficulty: difficulty,
		RetargetInterval:  retargetInterval,
		TargetBlockTime:   targetBlockTime,
	}, nil
}

// ShouldAdjust returns true if difficulty should be recalculated at this height.
// Retargeting happens at every exact multiple of RetargetInterval.
func (p *PoW) ShouldAdjust(height uint64) bool {
	return height > 0 && p.RetargetInterval > 0 && height%uint64(p.RetargetInterval) == 0
}

// Work returns a block's contribution to cumulative chain work, 2^difficulty.
// Cumulative work (not block count or difficulty sum) is what fork choice
// compares, since difficulty changes over time under retargeting.
func Work(difficulty uint64) *big.Int {
	return new(big.Int).Lsh(one, uint(difficulty))
}

// target returns 2^(256-4*difficulty) as a 256-bit big.Int. A header hash,
// read as a big-endian unsigned integer, meets difficulty d iff it is
// strictly less than this value.
func target(difficulty uint64) *big.Int {
	shift := 256 - 4*int64(difficulty)
	if shift <= 0 {
		return big.NewInt(1)
	}
	return new(big.Int).Lsh(one, uint(shift))
}

// TargetHex returns the hex encoding of the 256-bit target for the given
// difficulty, padded to 32 bytes. Exposed for mining clients that need to
// know the acceptance threshold for a block template.
func (p *PoW) TargetHex(difficulty uint64) string {
	t := target(difficulty).Bytes()
	padded := make([]byte, 32)
	copy(padded[32-len(t):], t)
	return hex.EncodeToString(padded)
}

// VerifyHeader checks that the block header hash meets the stated difficulty.
// The difficulty value comes from the header itself (consensus-enforced).
func (p *PoW) VerifyHeader(header *block.Header) error {
	if header.Difficulty == 0 {
		return ErrZeroDifficulty
	}
	t := target(header.Difficulty)
	hash := header.Hash()
	hashInt := new(big.Int).SetBytes(hash[:])
	if hashInt.Cmp(t) >= 0 {
		return ErrInsufficientWork
	}
	return nil
}

// Prepare sets the block header's difficulty for mining.
// If DifficultyFn is set, it computes the expected difficulty from chain state.
// Otherwise, uses InitialDifficulty.
func (p *PoW) Prepare(header *block.Header) error {
	if p.DifficultyFn != nil {
		header.Difficulty = p.DifficultyFn(header.Height)
	} else {
		header.Difficulty = p.InitialDifficulty
	}
	return nil
}

// Seal mines the block by iterating the nonce until the header hash meets the target.
// Uses the difficulty already set in the block header.
// If Threads > 1, mining runs in parallel goroutines.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines the block with cancellation support.
// When the context is cancelled, mining stops and ctx.Err() is returned.
// If Threads > 1, mining runs in parallel goroutines with strided nonce partitioning.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil || blk.Header == nil {
		return fmt.Errorf("nil block or header")
	}
	if blk.Header.Difficulty == 0 {
		return ErrZeroDifficulty
	}

	threads := p.Threads
	if threads <= 1 {
		return p.sealSingle(ctx, blk)
	}
	return p.sealParallel(ctx, blk, threads)
}

// signingPrefix returns the header's signing bytes WITHOUT the trailing nonce.
// This lets each mining goroutine pre-compute the prefix once and only
// append+hash the 8-byte nonce per iteration.
func signingPrefix(h *block.Header) []byte {
	buf := make([]byte, 0, 92)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)
	return buf
}

// randomNonceStart returns a CSPRNG-seeded starting point for the nonce
// search. Nonce search must not always begin at zero: a fixed start makes
// independent miners on the same template collide on work, and a monotonic
// counter without a random start is predictable across restarts.
func randomNonceStart() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b[:])
}

// sealSingle mines with a single goroutine, using a monotonically
// incrementing nonce seeded from a CSPRNG-random start.
func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) error {
	t := target(blk.Header.Difficulty)
	prefix := signingPrefix(blk.Header)
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	hashInt := new(big.Int)

	start := randomNonceStart()
	tried := uint64(0)
	for nonce := start; ; nonce++ {
		// Check cancellation every 65536 iterations.
		if tried&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
		hash := crypto.DoubleHash(buf)
		hashInt.SetBytes(hash[:])
		if hashInt.Cmp(t) < 0 {
			blk.Header.Nonce = nonce
			return nil
		}
		tried++
		if tried == math.MaxUint64 {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the nonce space starting from an independent random offset.
func (p *PoW) sealParallel(ctx context.Context, blk *block.Block, threads int) error {
	t := target(blk.Header.Difficulty)
	prefix := signingPrefix(blk.Header)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		stride := uint64(threads)
		startNonce := randomNonceStart()
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix)+8)
			copy(buf, prefix)
			hashInt := new(big.Int)

			tried := uint64(0)
			for nonce := startNonce; ; nonce += stride {
				if tried&0xFFFF == 0 && tried > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
				hash := crypto.DoubleHash(buf)
				hashInt.SetBytes(hash[:])
				if hashInt.Cmp(t) < 0 {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				tried++
				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	// Wait in background so goroutines are cleaned up.
	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return r.err
		}
		blk.Header.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExpectedDifficulty computes the correct difficulty for a block at the given height.
// prevDifficulty is the difficulty from the block at height-1 (0 for height <= 1).
// getTimestamp retrieves a block's timestamp by height (for adjustment calculation).
func (p *PoW) ExpectedDifficulty(height uint64, prevDifficulty uint64, getTimestamp func(uint64) (uint64, error)) uint64 {
	// First PoW block or no previous difficulty: use initial.
	if height <= 1 || prevDifficulty == 0 {
		return p.InitialDifficulty
	}

	// Not at a retarget boundary: carry forward previous difficulty.
	if !p.ShouldAdjust(height) {
		return prevDifficulty
	}

	// At retarget boundary: compute from timestamps over the interval just completed.
	interval := uint64(p.RetargetInterval)
	startTS, err := getTimestamp(height - interval)
	if err != nil {
		return prevDifficulty
	}
	endTS, err := getTimestamp(height - 1)
	if err != nil {
		return prevDifficulty
	}

	actual := int64(endTS - startTS)
	expected := int64(p.RetargetInterval) * int64(p.TargetBlockTime)
	return CalcNextDifficulty(prevDifficulty, actual, expected)
}

// VerifyDifficulty checks that a block header's stated difficulty matches
// the expected difficulty computed from chain history.
func (p *PoW) VerifyDifficulty(header *block.Header, prevDifficulty uint64, getTimestamp func(uint64) (uint64, error)) error {
	expected := p.ExpectedDifficulty(header.Height, prevDifficulty, getTimestamp)
	if header.Difficulty != expected {
		return fmt.Errorf("%w: height %d has difficulty %d, want %d",
			ErrBadDifficulty, header.Height, header.Difficulty, expected)
	}
	return nil
}

// CalcNextDifficulty computes the new difficulty after a retarget period.
// actualTimeSpan is the elapsed seconds for the last interval.
// expectedTimeSpan is interval * targetBlockTime.
//
// ratio = clamp(actual/expected, 0.25, 4.0). If ratio < 1, the chain was
// too fast and difficulty rises by max(1, floor((1-ratio)*2)). Otherwise
// the chain was too slow (or on pace) and difficulty falls by
// floor((ratio-1)*2), never below 1.
func CalcNextDifficulty(currentDiff uint64, actualTimeSpan, expectedTimeSpan int64) uint64 {
	if expectedTimeSpan <= 0 {
		expectedTimeSpan = 1
	}
	if actualTimeSpan <= 0 {
		actualTimeSpan = 1
	}

	ratio := float64(actualTimeSpan) / float64(expectedTimeSpan)
	if ratio < 0.25 {
		ratio = 0.25
	}
	if ratio > 4.0 {
		ratio = 4.0
	}

	d := int64(currentDiff)
	var next int64
	if ratio < 1 {
		delta := int64(math.Floor((1 - ratio) * 2))
		if delta < 1 {
			delta = 1
		}
		next = d + delta
	} else {
		delta := int64(math.Floor((ratio - 1) * 2))
		next = d - delta
	}

	if next < 1 {
		next = 1
	}
	return uint64(next)
}
