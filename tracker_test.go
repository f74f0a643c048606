package coinjoin_test

import (
	"context"
	"testing"
	"time"

	"github.com/ark-network/coinjoin"
	"github.com/ark-network/coinjoin/client"
	"github.com/ark-network/coinjoin/internal/utils"
	inmemorystore "github.com/ark-network/coinjoin/store/inmemory"
	"github.com/ark-network/coinjoin/types"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func TestTracker(t *testing.T) {
	t.Run("completes once", func(t *testing.T) {
		coordinator := newFakeCoordinator(t, testRoundParameters(), coordinatorOpts{foreign: true})
		coordinator.startRound(chainhash.Hash{})
		factory := newTrackerFactory(coordinator)

		wallet := newFakeWallet(client.MixingPolicy{AnonScoreTarget: 5})
		calls := 0
		coins := newCoins(1_000_000, 2_000_000)
		coinCandidates := func(context.Context) ([]*types.Coin, []*types.Coin, error) {
			calls++
			return coins, nil, nil
		}

		tracker, err := factory.CreateAndStart(testContext(t), wallet, coinCandidates, false, false)
		require.NoError(t, err)

		_, err = tracker.Result()
		require.ErrorIs(t, err, coinjoin.ErrTrackerRunning)

		result, err := tracker.Wait(testContext(t))
		require.NoError(t, err)
		require.IsType(t, types.SuccessfulCoinJoinResult{}, result)
		require.False(t, tracker.InCriticalPhase())
		require.False(t, tracker.IsStopRequested())
		// Once for the check, once for the selection.
		require.Equal(t, 2, calls)

		completed := <-wallet.completed
		require.NoError(t, completed.err)
		require.Equal(t, result, completed.result)
		require.Empty(t, wallet.completed)
	})

	t.Run("all coins private", func(t *testing.T) {
		coordinator := newFakeCoordinator(t, testRoundParameters(), coordinatorOpts{foreign: true})
		factory := newTrackerFactory(coordinator)

		coins := newCoins(1_000_000)
		coins[0].AnonymitySet = 10
		wallet := newFakeWallet(client.MixingPolicy{AnonScoreTarget: 5})

		tracker, err := factory.CreateAndStart(testContext(t), wallet, candidates(coins), true, false)
		require.NoError(t, err)

		_, err = tracker.Wait(testContext(t))
		require.ErrorIs(t, err, coinjoin.ErrAllCoinsPrivate)
		completed := <-wallet.completed
		require.ErrorIs(t, completed.err, coinjoin.ErrAllCoinsPrivate)
	})

	t.Run("pleb stop", func(t *testing.T) {
		coordinator := newFakeCoordinator(t, testRoundParameters(), coordinatorOpts{foreign: true})
		factory := newTrackerFactory(coordinator)
		policy := client.MixingPolicy{AnonScoreTarget: 5, PlebStopThreshold: 5_000_000}

		wallet := newFakeWallet(policy)
		tracker, err := factory.CreateAndStart(
			testContext(t), wallet, candidates(newCoins(1_000_000)), false, false,
		)
		require.NoError(t, err)
		_, err = tracker.Wait(testContext(t))
		require.ErrorIs(t, err, coinjoin.ErrNotEnoughUnprivateBalance)

		// Overriding the pleb stop lets the wallet wait for a round.
		wallet = newFakeWallet(policy)
		tracker, err = factory.CreateAndStart(
			testContext(t), wallet, candidates(newCoins(1_000_000)), false, true,
		)
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		_, err = tracker.Wait(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		tracker.Stop()
		<-tracker.Done()
	})

	t.Run("stop", func(t *testing.T) {
		coordinator := newFakeCoordinator(t, testRoundParameters(), coordinatorOpts{foreign: true})
		factory := newTrackerFactory(coordinator)

		wallet := newFakeWallet(client.MixingPolicy{AnonScoreTarget: 5})
		tracker, err := factory.CreateAndStart(
			testContext(t), wallet, candidates(newCoins(1_000_000, 2_000_000)), false, false,
		)
		require.NoError(t, err)

		tracker.Stop()
		require.True(t, tracker.IsStopRequested())
		select {
		case <-tracker.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("tracker did not stop")
		}

		_, err = tracker.Result()
		require.ErrorIs(t, err, context.Canceled)
		completed := <-wallet.completed
		require.ErrorIs(t, completed.err, context.Canceled)
	})

	t.Run("retries another round", func(t *testing.T) {
		params := testRoundParameters()
		coordinator := newFakeCoordinator(t, params, coordinatorOpts{foreign: true})
		firstRoundID := coordinator.startRound(chainhash.Hash{})
		factory := newTrackerFactory(coordinator)

		// The first round rejects the coins, the wallet must move on.
		coins := newCoins(1_000_000, 2_000_000)
		for _, coin := range coins {
			_, err := coordinator.RegisterInput(context.Background(), types.RoundState{ID: firstRoundID}, coin)
			require.NoError(t, err)
		}
		secondRoundID := coordinator.startRound(chainhash.Hash{})

		wallet := newFakeWallet(client.MixingPolicy{AnonScoreTarget: 5})
		tracker, err := factory.CreateAndStart(testContext(t), wallet, candidates(coins), false, false)
		require.NoError(t, err)

		result, err := tracker.Wait(testContext(t))
		require.NoError(t, err)
		success, ok := result.(types.SuccessfulCoinJoinResult)
		require.True(t, ok)
		require.Equal(t, secondRoundID, success.RoundID)
	})
}

func newTrackerFactory(coordinator *fakeCoordinator) *coinjoin.TrackerFactory {
	return coinjoin.NewTrackerFactory(
		testConfig, coordinator.rounds, coordinator, inmemorystore.NewLiquidityClueStore(),
		coinjoin.WithRandom(utils.NewSeededRandom(2)),
	)
}
