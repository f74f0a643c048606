package coinjoin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ark-network/coinjoin/client"
	"github.com/ark-network/coinjoin/coinselect"
	"github.com/ark-network/coinjoin/internal/utils"
	"github.com/ark-network/coinjoin/liquidity"
	"github.com/ark-network/coinjoin/outputs"
	"github.com/ark-network/coinjoin/types"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	maxWaitForRound         = 10 * time.Minute
	maxWaitForBlameRound    = 5 * time.Minute
	extraPhaseTimeoutMargin = 2 * time.Minute
	extraRoundTimeoutMargin = 10 * time.Minute
	// maxRequestDelay caps the spread of output registration and ready to
	// sign requests.
	maxRequestDelay = 10 * time.Second

	defaultDoNotRegisterInLastMinute = time.Minute
)

// Rounds whose minimum output amount is not below this are ignored.
var minimumOutputAmountSanity = btcutil.Amount(10_000)

type Config struct {
	CoordinatorName string
	// MaxCoinJoinMiningFeeRate is the highest round fee rate, in sat/vB, the
	// client ever accepts. Zero means no limit.
	MaxCoinJoinMiningFeeRate float64
	AbsoluteMinInputCount    int
	AllowSoloCoinjoining     bool
	// DoNotRegisterInLastMinute skips the rounds whose input registration
	// ends sooner than this.
	DoNotRegisterInLastMinute time.Duration
}

// CoinCandidatesFunc returns the coins that may be mixed and those that must
// not be. It's called again before every round search.
type CoinCandidatesFunc func(ctx context.Context) (candidates, ineligible []*types.Coin, err error)

// Client drives a wallet through coinjoin rounds: it finds a round, registers
// inputs and outputs, signs and follows the blame rounds until a terminal
// result.
type Client struct {
	cfg       Config
	wallet    client.Wallet
	rounds    client.RoundStateProvider
	circuits  client.CircuitFactory
	liquidity *liquidity.Provider
	outputs   *outputs.Provider
	selector  *coinselect.Selector
	random    utils.Random
	eventsCh  chan<- types.Event

	singleFlight *semaphore.Weighted

	lock                 *sync.RWMutex
	currentRoundID       chainhash.Hash
	lastFailedRoundID    chainhash.Hash
	coinsToRegister      []*types.Coin
	coinsInCriticalPhase []*types.Coin
}

type Option func(*Client)

func WithRandom(random utils.Random) Option {
	return func(c *Client) {
		c.random = random
	}
}

// WithEvents delivers the progress events on ch. Events are dropped if ch is
// not ready to receive.
func WithEvents(ch chan<- types.Event) Option {
	return func(c *Client) {
		c.eventsCh = ch
	}
}

func NewClient(
	cfg Config, wallet client.Wallet, rounds client.RoundStateProvider,
	circuits client.CircuitFactory, liquidityProvider *liquidity.Provider,
	opts ...Option,
) *Client {
	if cfg.DoNotRegisterInLastMinute <= 0 {
		cfg.DoNotRegisterInLastMinute = defaultDoNotRegisterInLastMinute
	}

	c := &Client{
		cfg:          cfg,
		wallet:       wallet,
		rounds:       rounds,
		circuits:     circuits,
		liquidity:    liquidityProvider,
		random:       utils.NewRandom(),
		singleFlight: semaphore.NewWeighted(1),
		lock:         &sync.RWMutex{},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.outputs = outputs.NewProvider(wallet.DestinationProvider(), c.random)
	c.selector = coinselect.New(wallet.MixingPolicy().AnonScoreTarget, c.random)
	return c
}

func (c *Client) CurrentRoundID() (chainhash.Hash, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.currentRoundID, c.currentRoundID != chainhash.Hash{}
}

func (c *Client) CoinsToRegister() []*types.Coin {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return append([]*types.Coin{}, c.coinsToRegister...)
}

// CoinsInCriticalPhase returns the coins registered and confirmed in the
// current round. They get banned if the wallet leaves the round now.
func (c *Client) CoinsInCriticalPhase() []*types.Coin {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return append([]*types.Coin{}, c.coinsInCriticalPhase...)
}

// StartCoinJoin runs one orchestration pass. At most one pass runs at a time,
// concurrent callers wait for their turn.
func (c *Client) StartCoinJoin(
	ctx context.Context, coinCandidates CoinCandidatesFunc,
) (types.CoinJoinResult, error) {
	if err := c.singleFlight.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.singleFlight.Release(1)
	defer c.resetState()

	round, selection, err := c.findRound(ctx, coinCandidates)
	if err != nil {
		return nil, err
	}

	// Keep following the blame rounds so that the coinjoin can't be DoS-ed.
	coins := selection.Coins
	for {
		c.setCoinsToRegister(coins)

		roundCtx, cancel := context.WithTimeout(
			ctx, round.RoundTimeout()+extraRoundTimeoutMargin,
		)
		result, err := c.startRound(roundCtx, round, coins, selection)
		cancel()
		if err != nil {
			if _, ok := asClientError(err); ok {
				c.setLastFailedRound(round.ID)
			}
			return nil, err
		}

		switch r := result.(type) {
		case types.SuccessfulCoinJoinResult:
			return r, nil
		case types.FailedCoinJoinResult:
			return r, nil
		case types.DisruptedCoinJoinResult:
			if r.Abandon {
				c.roundLog(round).Infof("skipping blame rounds")
				return types.FailedCoinJoinResult{}, nil
			}

			// Only the coins that signed may join the blame round.
			coins = r.SignedCoins
			c.roundLog(round).Infof("waiting for the blame round")
			round, err = c.waitForBlameRound(ctx, round.ID)
			if err != nil {
				return nil, err
			}
			c.setCurrentRound(round.ID)
		default:
			return nil, fmt.Errorf("unhandled coinjoin result type %T", result)
		}
	}
}

// findRound waits for a round the wallet can join and selects the coins to
// register. Rounds the wallet can't make good use of are skipped, not blamed.
func (c *Client) findRound(
	ctx context.Context, coinCandidates CoinCandidatesFunc,
) (types.RoundState, client.CoinSelection, error) {
	var (
		excludeRound chainhash.Hash
		round        types.RoundState
		selection    client.CoinSelection
		candidates   []*types.Coin
	)

	for {
		// Make sure there are coins at all before waiting for a round.
		if _, _, err := coinCandidates(ctx); err != nil {
			return round, selection, err
		}

		var err error
		round, err = c.waitForRound(ctx, excludeRound)
		if err != nil {
			return round, selection, err
		}
		c.setCurrentRound(round.ID)
		params := round.Parameters
		rlog := c.roundLog(round)

		if err := c.checkRoundPolicy(round); err != nil {
			rlog.Infof("%s", err)
			c.setLastFailedRound(round.ID)
			return round, selection, err
		}

		var ineligible []*types.Coin
		candidates, ineligible, err = coinCandidates(ctx)
		if err != nil {
			return round, selection, err
		}

		clue := c.liquidity.GetLiquidityClue(c.wallet.Name(), params.MaxSuggestedAmount)
		selection, err = c.selectCoins(ctx, params, candidates, ineligible, clue)
		if err != nil {
			return round, selection, fmt.Errorf("failed to select coins: %w", err)
		}

		if !c.supportsRoundScriptTypes(params) {
			rlog.Infof("skipping the round since it doesn't support the wallet script types")
			excludeRound = round.ID
			c.setCurrentRound(chainhash.Hash{})
			continue
		}

		oversized := coinselect.ExceedsMaxSuggestedAmount(selection.Coins, params) ||
			(len(selection.Coins) <= 0 && coinselect.ExceedsMaxSuggestedAmount(candidates, params))
		if oversized {
			rlog.Infof(
				"skipping the round for more optimal mixing, max suggested amount is %s",
				params.MaxSuggestedAmount,
			)
			excludeRound = round.ID
			c.setCurrentRound(chainhash.Hash{})
			continue
		}

		break
	}

	if len(selection.Coins) <= 0 {
		return round, selection, newClientError(
			NoCoinsEligibleToMix,
			"no coin was selected from %d candidates with a total of %s",
			len(candidates), totalAmount(candidates),
		)
	}
	return round, selection, nil
}

func (c *Client) waitForRound(
	ctx context.Context, excludeRound chainhash.Hash,
) (types.RoundState, error) {
	c.emit(types.WaitingForRound{})

	ctx, cancel := context.WithTimeout(ctx, maxWaitForRound)
	defer cancel()

	lastFailedRound := c.lastFailedRound()
	round, err := c.rounds.WaitForRound(ctx, func(r types.RoundState) bool {
		params := r.Parameters
		return r.Phase == types.InputRegistrationPhase &&
			!r.IsBlame() &&
			time.Until(r.InputRegistrationEnd()) > c.cfg.DoNotRegisterInLastMinute &&
			params.AllowedOutputAmounts.Min < minimumOutputAmountSanity &&
			c.wallet.IsRoundOk(params) &&
			c.isRoundEconomic(params) &&
			r.ID != excludeRound &&
			r.ID != lastFailedRound
	})
	if err != nil {
		c.log().WithError(err).Debug("failed waiting for round")
		return types.RoundState{}, fmt.Errorf("failed to wait for round: %w", err)
	}
	return round, nil
}

func (c *Client) waitForBlameRound(
	ctx context.Context, blameOf chainhash.Hash,
) (types.RoundState, error) {
	deadline := time.Now().Add(maxWaitForBlameRound)
	c.emit(types.WaitingForBlameRound{BlameOf: blameOf, Deadline: deadline})

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	round, err := c.rounds.WaitForRound(ctx, func(r types.RoundState) bool {
		return r.BlameOf == blameOf
	})
	if err != nil {
		return types.RoundState{}, fmt.Errorf("failed to wait for blame round: %w", err)
	}

	params := round.Parameters
	prefix := roundPrefix(round)
	if round.Phase != types.InputRegistrationPhase {
		return round, fmt.Errorf(
			"%s: abandoning: the round is not in input registration but in %s",
			prefix, round.Phase,
		)
	}
	if params.AllowedOutputAmounts.Min >= minimumOutputAmountSanity {
		return round, fmt.Errorf("%s: abandoning: the minimum output amount is too high", prefix)
	}
	if params.MinInputCountByRound < c.cfg.AbsoluteMinInputCount {
		return round, fmt.Errorf("%s: abandoning: the minimum input count was too low", prefix)
	}
	if feeRate := types.SatPerVByte(params.MiningFeeRate); c.exceedsMaxMiningFeeRate(feeRate) {
		return round, fmt.Errorf(
			"%s: abandoning: the mining fee rate for the round was %.2f sat/vB but maximum allowed is %.2f",
			prefix, feeRate, c.cfg.MaxCoinJoinMiningFeeRate,
		)
	}
	return round, nil
}

// checkRoundPolicy returns the classified reason why the wallet must not join
// the round, if any.
func (c *Client) checkRoundPolicy(round types.RoundState) error {
	if round.IsBlame() {
		return nil
	}

	params := round.Parameters
	// The fee rate medians may have moved since the round was admitted.
	if !c.isRoundEconomic(params) {
		return newClientError(UneconomicalRound, "uneconomical round skipped")
	}
	if feeRate := types.SatPerVByte(params.MiningFeeRate); c.exceedsMaxMiningFeeRate(feeRate) {
		return newClientError(
			MiningFeeRateTooHigh, "mining fee rate was %.2f sat/vB but max allowed is %.2f",
			feeRate, c.cfg.MaxCoinJoinMiningFeeRate,
		)
	}
	if params.MinInputCountByRound < c.cfg.AbsoluteMinInputCount {
		return newClientError(
			MinInputCountTooLow, "min input count for the round was %d but min allowed is %d",
			params.MinInputCountByRound, c.cfg.AbsoluteMinInputCount,
		)
	}
	return nil
}

func (c *Client) isRoundEconomic(params types.RoundParameters) bool {
	policy := c.wallet.MixingPolicy()
	return IsRoundEconomic(
		params.MiningFeeRate, policy.ExplicitHighestFeeTarget,
		policy.FeeRateMedianTimeFrame, c.rounds.FeeRateMedians(),
	)
}

func (c *Client) exceedsMaxMiningFeeRate(feeRate float64) bool {
	return c.cfg.MaxCoinJoinMiningFeeRate > 0 && feeRate > c.cfg.MaxCoinJoinMiningFeeRate
}

func (c *Client) supportsRoundScriptTypes(params types.RoundParameters) bool {
	supported := c.wallet.DestinationProvider().SupportedScriptTypes()
	inputOk, outputOk := false, false
	for _, scriptType := range supported {
		inputOk = inputOk || params.IsInputTypeAllowed(scriptType)
		outputOk = outputOk || params.IsOutputTypeAllowed(scriptType)
	}
	return inputOk && outputOk
}

func (c *Client) selectCoins(
	ctx context.Context, params types.RoundParameters,
	candidates, ineligible []*types.Coin, liquidityClue btcutil.Amount,
) (client.CoinSelection, error) {
	if selector := c.wallet.CoinSelector(); selector != nil {
		return selector.SelectCoins(ctx, params, candidates, ineligible, liquidityClue)
	}
	coins := c.selector.SelectCoinsForRound(candidates, ineligible, params, liquidityClue)
	return client.CoinSelection{Coins: coins}, nil
}

func (c *Client) emit(event types.Event) {
	if c.eventsCh == nil {
		return
	}
	select {
	case c.eventsCh <- event:
	default:
		log.Debugf("dropped coinjoin event %T", event)
	}
}

func (c *Client) setCurrentRound(roundID chainhash.Hash) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.currentRoundID = roundID
}

func (c *Client) setLastFailedRound(roundID chainhash.Hash) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.lastFailedRoundID = roundID
}

func (c *Client) lastFailedRound() chainhash.Hash {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.lastFailedRoundID
}

func (c *Client) setCoinsToRegister(coins []*types.Coin) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.coinsToRegister = coins
}

func (c *Client) setCoinsInCriticalPhase(coins []*types.Coin) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.coinsInCriticalPhase = coins
}

func (c *Client) resetState() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.currentRoundID = chainhash.Hash{}
	c.coinsToRegister = nil
	c.coinsInCriticalPhase = nil
}

func totalAmount(coins []*types.Coin) btcutil.Amount {
	var total btcutil.Amount
	for _, coin := range coins {
		total += coin.Amount()
	}
	return total
}
