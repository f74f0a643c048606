package roundstate

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ark-network/coinjoin/client"
	"github.com/ark-network/coinjoin/types"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/go-co-op/gocron"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	log "github.com/sirupsen/logrus"
)

const defaultPeriod = 5 * time.Second

var ErrUpdaterStopped = fmt.Errorf("round state updater stopped")

// Status is a snapshot of the coordinator's rounds.
type Status struct {
	Rounds         []types.RoundState
	FeeRateMedians map[time.Duration]chainfee.SatPerKVByte
}

type StatusFetcher interface {
	GetStatus(ctx context.Context) (*Status, error)
}

type awaiter struct {
	// match returns true once the awaiter is resolved, with an error if it
	// failed.
	match func(types.RoundState) (bool, error)
	resCh chan awaiterResult
	done  atomic.Bool
}

// resolve delivers res unless the awaiter was already resolved.
func (a *awaiter) resolve(res awaiterResult) bool {
	if !a.done.CompareAndSwap(false, true) {
		return false
	}
	a.resCh <- res
	return true
}

// evaluate resolves the awaiter with the first round it matches.
func (a *awaiter) evaluate(rounds []types.RoundState) bool {
	if a.done.Load() {
		return true
	}
	for _, round := range rounds {
		done, err := a.match(round)
		if !done {
			continue
		}
		a.resolve(awaiterResult{round, err})
		return true
	}
	return false
}

type awaiterResult struct {
	round types.RoundState
	err   error
}

// Updater keeps the latest known state of every round and resolves the
// awaiters registered with WaitForRound and WaitForRoundPhase on every
// update. Updates are either pushed with Update or polled from the fetcher.
type Updater struct {
	fetcher   StatusFetcher
	period    time.Duration
	scheduler *gocron.Scheduler

	lock     *sync.RWMutex
	rounds   map[chainhash.Hash]types.RoundState
	medians  map[time.Duration]chainfee.SatPerKVByte
	awaiters map[*awaiter]struct{}
	stopped  bool
}

// NewUpdater returns an updater polling fetcher every period. A nil fetcher
// makes the updater push-only.
func NewUpdater(fetcher StatusFetcher, period time.Duration) *Updater {
	if period <= 0 {
		period = defaultPeriod
	}
	return &Updater{
		fetcher:   fetcher,
		period:    period,
		scheduler: gocron.NewScheduler(time.UTC),
		lock:      &sync.RWMutex{},
		rounds:    make(map[chainhash.Hash]types.RoundState),
		medians:   make(map[time.Duration]chainfee.SatPerKVByte),
		awaiters:  make(map[*awaiter]struct{}),
	}
}

var _ client.RoundStateProvider = (*Updater)(nil)

func (u *Updater) Start() error {
	if u.fetcher == nil {
		return nil
	}

	if _, err := u.scheduler.Every(u.period).SingletonMode().Do(u.poll); err != nil {
		return fmt.Errorf("failed to schedule round state polling: %s", err)
	}
	u.scheduler.StartAsync()
	return nil
}

// Stop halts the polling and fails every pending awaiter.
func (u *Updater) Stop() {
	u.scheduler.Stop()

	u.lock.Lock()
	u.stopped = true
	awaiters := u.awaiters
	u.awaiters = make(map[*awaiter]struct{})
	u.lock.Unlock()

	for a := range awaiters {
		a.resolve(awaiterResult{err: ErrUpdaterStopped})
	}
}

func (u *Updater) Period() time.Duration {
	return u.period
}

// Refresh fetches the coordinator status and applies it.
func (u *Updater) Refresh(ctx context.Context) error {
	if u.fetcher == nil {
		return fmt.Errorf("missing status fetcher")
	}
	status, err := u.fetcher.GetStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch round status: %s", err)
	}
	u.Update(status)
	return nil
}

// Update replaces the known rounds with the given ones and notifies the
// awaiters.
func (u *Updater) Update(status *Status) {
	if status == nil {
		return
	}

	u.lock.Lock()
	rounds := make(map[chainhash.Hash]types.RoundState, len(status.Rounds))
	for _, round := range status.Rounds {
		if prev, ok := u.rounds[round.ID]; ok && prev.Phase > round.Phase {
			log.Warnf(
				"round %s went back from phase %s to %s, ignoring",
				round.ID, prev.Phase, round.Phase,
			)
			round = prev
		}
		rounds[round.ID] = round
	}
	u.rounds = rounds
	if status.FeeRateMedians != nil {
		u.medians = status.FeeRateMedians
	}
	snapshot := u.roundsSnapshot()
	awaiters := make([]*awaiter, 0, len(u.awaiters))
	for a := range u.awaiters {
		awaiters = append(awaiters, a)
	}
	u.lock.Unlock()

	// Predicates may call back into the updater, they run unlocked.
	for _, a := range awaiters {
		if a.evaluate(snapshot) {
			u.removeAwaiter(a)
		}
	}
}

func (u *Updater) TryGetRoundState(roundID chainhash.Hash) (types.RoundState, bool) {
	u.lock.RLock()
	defer u.lock.RUnlock()

	round, ok := u.rounds[roundID]
	return round, ok
}

func (u *Updater) FeeRateMedians() map[time.Duration]chainfee.SatPerKVByte {
	u.lock.RLock()
	defer u.lock.RUnlock()

	medians := make(map[time.Duration]chainfee.SatPerKVByte, len(u.medians))
	for k, v := range u.medians {
		medians[k] = v
	}
	return medians
}

func (u *Updater) WaitForRound(
	ctx context.Context, predicate func(types.RoundState) bool,
) (types.RoundState, error) {
	return u.wait(ctx, func(round types.RoundState) (bool, error) {
		return predicate(round), nil
	})
}

// WaitForRoundPhase resolves once the round reaches phase, or fails if the
// round is seen in a later phase.
func (u *Updater) WaitForRoundPhase(
	ctx context.Context, roundID chainhash.Hash, phase types.Phase,
) (types.RoundState, error) {
	return u.wait(ctx, func(round types.RoundState) (bool, error) {
		if round.ID != roundID {
			return false, nil
		}
		if round.Phase == phase {
			return true, nil
		}
		if round.Phase > phase {
			return true, &client.UnexpectedRoundPhaseError{
				RoundID:    roundID,
				Expected:   phase,
				RoundState: round,
			}
		}
		return false, nil
	})
}

func (u *Updater) wait(
	ctx context.Context, match func(types.RoundState) (bool, error),
) (types.RoundState, error) {
	a := &awaiter{
		match: match,
		resCh: make(chan awaiterResult, 1),
	}

	u.lock.Lock()
	if u.stopped {
		u.lock.Unlock()
		return types.RoundState{}, ErrUpdaterStopped
	}
	u.awaiters[a] = struct{}{}
	snapshot := u.roundsSnapshot()
	u.lock.Unlock()

	if a.evaluate(snapshot) {
		u.removeAwaiter(a)
	}

	select {
	case res := <-a.resCh:
		return res.round, res.err
	case <-ctx.Done():
		u.removeAwaiter(a)

		// Resolved concurrently, the result is on its way.
		if !a.done.CompareAndSwap(false, true) {
			res := <-a.resCh
			return res.round, res.err
		}
		return types.RoundState{}, ctx.Err()
	}
}

// roundsSnapshot must be called with the lock held.
func (u *Updater) roundsSnapshot() []types.RoundState {
	rounds := make([]types.RoundState, 0, len(u.rounds))
	for _, round := range u.rounds {
		rounds = append(rounds, round)
	}
	return rounds
}

func (u *Updater) removeAwaiter(a *awaiter) {
	u.lock.Lock()
	defer u.lock.Unlock()
	delete(u.awaiters, a)
}

func (u *Updater) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), u.period)
	defer cancel()

	if err := u.Refresh(ctx); err != nil {
		log.WithError(err).Debug("round state refresh failed")
	}
}
