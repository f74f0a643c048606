package coinjoin

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ark-network/coinjoin/client"
	"github.com/ark-network/coinjoin/internal/utils"
	"github.com/ark-network/coinjoin/liquidity"
	"github.com/ark-network/coinjoin/types"
)

var ErrTrackerRunning = fmt.Errorf("coinjoin is still running")

// TrackerFactory starts the coinjoin runs of the wallets sharing the same
// coordinator.
type TrackerFactory struct {
	cfg       Config
	rounds    client.RoundStateProvider
	circuits  client.CircuitFactory
	liquidity *liquidity.Provider
	opts      []Option
}

func NewTrackerFactory(
	cfg Config, rounds client.RoundStateProvider, circuits client.CircuitFactory,
	store client.LiquidityClueStore, opts ...Option,
) *TrackerFactory {
	return &TrackerFactory{
		cfg:       cfg,
		rounds:    rounds,
		circuits:  circuits,
		liquidity: liquidity.NewProvider(store),
		opts:      opts,
	}
}

// CreateAndStart starts mixing the wallet's coins in the background. The run
// lasts until ctx is done, Stop is called or the wallet has nothing left to
// mix. With stopWhenAllMixed the run stops once every candidate is private,
// overridePlebStop ignores the wallet's pleb stop threshold.
func (f *TrackerFactory) CreateAndStart(
	ctx context.Context, wallet client.Wallet, coinCandidates CoinCandidatesFunc,
	stopWhenAllMixed, overridePlebStop bool, opts ...Option,
) (*Tracker, error) {
	if err := f.liquidity.InitLiquidityClue(ctx, wallet.Name()); err != nil {
		return nil, err
	}

	opts = append(append([]Option{}, f.opts...), opts...)
	coinjoinClient := NewClient(f.cfg, wallet, f.rounds, f.circuits, f.liquidity, opts...)

	ctx, cancel := context.WithCancel(ctx)
	t := &Tracker{
		wallet:           wallet,
		client:           coinjoinClient,
		rounds:           f.rounds,
		coinCandidates:   coinCandidates,
		stopWhenAllMixed: stopWhenAllMixed,
		overridePlebStop: overridePlebStop,
		cancel:           cancel,
		done:             make(chan struct{}),
		lock:             &sync.RWMutex{},
	}
	go t.run(ctx)
	return t, nil
}

// Tracker owns the coinjoin run of one wallet.
type Tracker struct {
	wallet           client.Wallet
	client           *Client
	rounds           client.RoundStateProvider
	coinCandidates   CoinCandidatesFunc
	stopWhenAllMixed bool
	overridePlebStop bool

	cancel        context.CancelFunc
	stopRequested atomic.Bool
	done          chan struct{}

	lock   *sync.RWMutex
	result types.CoinJoinResult
	err    error
}

func (t *Tracker) Wallet() client.Wallet {
	return t.wallet
}

func (t *Tracker) Client() *Client {
	return t.client
}

// Stop cancels the run, whatever phase it's in.
func (t *Tracker) Stop() {
	t.stopRequested.Store(true)
	t.cancel()
}

func (t *Tracker) IsStopRequested() bool {
	return t.stopRequested.Load()
}

// Done is closed once the run terminated and the wallet was notified.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the run terminates or ctx is done.
func (t *Tracker) Wait(ctx context.Context) (types.CoinJoinResult, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome of a terminated run, ErrTrackerRunning before.
func (t *Tracker) Result() (types.CoinJoinResult, error) {
	select {
	case <-t.done:
	default:
		return nil, ErrTrackerRunning
	}

	t.lock.RLock()
	defer t.lock.RUnlock()
	return t.result, t.err
}

// InCriticalPhase reports whether leaving now would get coins banned.
func (t *Tracker) InCriticalPhase() bool {
	return len(t.client.CoinsInCriticalPhase()) > 0
}

func (t *Tracker) run(ctx context.Context) {
	defer close(t.done)
	defer t.cancel()

	logger := t.client.log()
	candidates := t.candidatesFunc()

	var (
		result types.CoinJoinResult
		err    error
	)
	for {
		result, err = t.client.StartCoinJoin(ctx, candidates)
		if err == nil || !canRetry(err) || ctx.Err() != nil {
			break
		}

		logger.Infof("%s, looking for another round", err)
		if sleepErr := utils.Sleep(ctx, t.rounds.Period()); sleepErr != nil {
			err = sleepErr
			break
		}
	}

	if err != nil {
		logger.WithError(err).Debug("coinjoin stopped")
	}

	t.lock.Lock()
	t.result, t.err = result, err
	t.lock.Unlock()

	t.wallet.CompletedCoinJoin(result, err)
}

// candidatesFunc wraps the wallet's candidates with the stop conditions. It
// runs before every round search so that the stop conditions follow the
// wallet's balance.
func (t *Tracker) candidatesFunc() CoinCandidatesFunc {
	return func(ctx context.Context) ([]*types.Coin, []*types.Coin, error) {
		candidates, ineligible, err := t.coinCandidates(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get coin candidates: %w", err)
		}

		policy := t.wallet.MixingPolicy()
		nonPrivate := make([]*types.Coin, 0, len(candidates))
		for _, coin := range candidates {
			if !coin.IsPrivate(policy.AnonScoreTarget) {
				nonPrivate = append(nonPrivate, coin)
			}
		}

		if t.stopWhenAllMixed && len(nonPrivate) <= 0 {
			return nil, nil, newClientError(AllCoinsPrivate, "all coins are private")
		}
		if !t.overridePlebStop && policy.PlebStopThreshold > 0 {
			if balance := totalAmount(nonPrivate); balance < policy.PlebStopThreshold {
				return nil, nil, newClientError(
					NotEnoughUnprivateBalance, "non private balance %s is below %s",
					balance, policy.PlebStopThreshold,
				)
			}
		}
		return candidates, ineligible, nil
	}
}

// canRetry reports whether another round may succeed where this one failed.
func canRetry(err error) bool {
	_, ok := asClientError(err)
	return ok && !StopsMixing(err)
}
