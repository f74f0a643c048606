package coinselect

import (
	"sort"
	"time"

	"github.com/ark-network/coinjoin/internal/utils"
	"github.com/ark-network/coinjoin/types"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

const maxSelectionAttempts = 256

// Selector picks the coins a wallet offers to a round.
type Selector struct {
	anonScoreTarget    int
	maxInputsPerWallet int
	random             utils.Random
	now                func() time.Time
}

type Option func(*Selector)

// WithMaxInputsPerWallet caps the number of inputs registered per round. The
// cap never goes below the round's minimum input count.
func WithMaxInputsPerWallet(max int) Option {
	return func(s *Selector) {
		s.maxInputsPerWallet = max
	}
}

func New(anonScoreTarget int, random utils.Random, opts ...Option) *Selector {
	s := &Selector{
		anonScoreTarget: anonScoreTarget,
		random:          random,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectCoinsForRound returns a subset of candidates admissible to the round
// whose size lies within the round's input count bounds and whose effective
// value approaches the liquidity clue. Ineligible coins and coins above the
// round's max suggested amount are never selected. The result is empty if no
// admissible combination exists.
func (s *Selector) SelectCoinsForRound(
	candidates, ineligible []*types.Coin,
	params types.RoundParameters,
	liquidityClue btcutil.Amount,
) []*types.Coin {
	admissible := s.admissibleCoins(candidates, ineligible, params)

	lower := params.MinInputCountByRound
	if lower < 1 {
		lower = 1
	}
	upper := params.MaxInputCountByRound
	if upper <= 0 {
		upper = len(admissible)
	}
	if s.maxInputsPerWallet > 0 && upper > s.maxInputsPerWallet {
		upper = s.maxInputsPerWallet
		if upper < lower {
			upper = lower
		}
	}
	if upper > len(admissible) {
		upper = len(admissible)
	}
	if len(admissible) < lower || upper < lower {
		return nil
	}

	feeRate := params.MiningFeeRate
	target := liquidityClue
	if target <= 0 {
		target = params.MaxSuggestedAmount
	}
	if target <= 0 {
		for _, coin := range admissible {
			target += coin.EffectiveValue(feeRate)
		}
	}

	var (
		best           []*types.Coin
		bestDistance   btcutil.Amount
		bestNonPrivate int
	)
	for attempt := 0; attempt < maxSelectionAttempts; attempt++ {
		size := lower + s.random.IntN(upper-lower+1)

		shuffled := append([]*types.Coin{}, admissible...)
		s.random.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})
		if attempt%2 == 0 {
			sort.SliceStable(shuffled, func(i, j int) bool {
				return !shuffled[i].IsPrivate(s.anonScoreTarget) &&
					shuffled[j].IsPrivate(s.anonScoreTarget)
			})
		}
		subset := shuffled[:size]

		var value btcutil.Amount
		nonPrivate := 0
		for _, coin := range subset {
			value += coin.EffectiveValue(feeRate)
			if !coin.IsPrivate(s.anonScoreTarget) {
				nonPrivate++
			}
		}
		d := distance(value, target)
		if best == nil || d < bestDistance ||
			(d == bestDistance && nonPrivate > bestNonPrivate) {
			best, bestDistance, bestNonPrivate = subset, d, nonPrivate
		}
	}

	sort.SliceStable(best, func(i, j int) bool {
		return best[i].Amount() > best[j].Amount()
	})
	return best
}

func (s *Selector) admissibleCoins(
	candidates, ineligible []*types.Coin, params types.RoundParameters,
) []*types.Coin {
	now := s.now()

	excluded := make(map[wire.OutPoint]struct{}, len(ineligible))
	for _, coin := range ineligible {
		excluded[coin.OutPoint] = struct{}{}
	}

	admissible := make([]*types.Coin, 0, len(candidates))
	for _, coin := range candidates {
		if _, ok := excluded[coin.OutPoint]; ok {
			continue
		}
		if !coin.Confirmed || coin.CoinJoinInProgress() ||
			coin.SpentAccordingToBackend() || coin.IsBanned(now) {
			continue
		}
		if !params.IsInputTypeAllowed(coin.ScriptType()) ||
			!params.AllowedInputAmounts.Contains(coin.Amount()) {
			continue
		}
		if params.MaxSuggestedAmount > 0 && coin.Amount() > params.MaxSuggestedAmount {
			continue
		}
		if coin.EffectiveValue(params.MiningFeeRate) <= 0 {
			continue
		}
		admissible = append(admissible, coin)
	}
	return admissible
}

// ExceedsMaxSuggestedAmount reports whether any coin is above the round's max
// suggested amount.
func ExceedsMaxSuggestedAmount(coins []*types.Coin, params types.RoundParameters) bool {
	if params.MaxSuggestedAmount <= 0 {
		return false
	}
	for _, coin := range coins {
		if coin.Amount() > params.MaxSuggestedAmount {
			return true
		}
	}
	return false
}

func distance(a, b btcutil.Amount) btcutil.Amount {
	if a > b {
		return a - b
	}
	return b - a
}
