package coinjoin

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"

	"github.com/ark-network/coinjoin/client"
	"github.com/ark-network/coinjoin/outputs"
	"github.com/ark-network/coinjoin/types"
	"github.com/btcsuite/btcd/wire"
)

// roundOutcome collects what a round attempt produced so far.
type roundOutcome struct {
	signed   []*registeredInput
	outputs  *outputs.OutputSet
	unsigned *wire.MsgTx
	abandon  bool
}

func (o *roundOutcome) signedCoins() []*types.Coin {
	coins := make([]*types.Coin, 0, len(o.signed))
	for _, in := range o.signed {
		coins = append(coins, in.alice.Coin)
	}
	return coins
}

func (o *roundOutcome) outputScripts() [][]byte {
	if o.outputs == nil {
		return nil
	}
	scripts := make([][]byte, 0, len(o.outputs.Outputs))
	for _, out := range o.outputs.Outputs {
		scripts = append(scripts, out.PkScript)
	}
	return scripts
}

func (o *roundOutcome) payments() []types.BatchedPayment {
	if o.outputs == nil {
		return nil
	}
	return o.outputs.Payments
}

type roundEnding struct {
	round types.RoundState
	err   error
}

// startRound runs one round attempt with the given coins and resolves it once
// the round ended. The in-flight operations are cancelled as soon as the
// round ends.
func (c *Client) startRound(
	ctx context.Context, round types.RoundState, coins []*types.Coin,
	selection client.CoinSelection,
) (types.CoinJoinResult, error) {
	roundID := round.ID
	rlog := c.roundLog(round)

	locked := make([]*types.Coin, 0, len(coins))
	for _, coin := range coins {
		if !coin.TryLockForCoinJoin() {
			rlog.Debugf("coin %s is already in a coinjoin, skipping", coin.OutPoint)
			continue
		}
		locked = append(locked, coin)
	}
	defer func() {
		for _, coin := range locked {
			coin.UnlockFromCoinJoin()
		}
	}()

	outcome := &roundOutcome{}
	defer func() {
		// Whatever happened, no payment stays pending past the attempt.
		for _, p := range outcome.payments() {
			p.Payment.Failed()
		}
	}()

	watcherCtx, stopWatcher := context.WithCancel(ctx)
	proceedCtx, cancelProceed := context.WithCancel(ctx)
	var roundEnded atomic.Bool
	endingCh := make(chan roundEnding, 1)
	go func() {
		r, err := c.rounds.WaitForRoundPhase(watcherCtx, roundID, types.EndedPhase)
		if err == nil {
			roundEnded.Store(true)
			cancelProceed()
		}
		endingCh <- roundEnding{r, err}
	}()

	defer func() {
		stopWatcher()
		cancelProceed()

		c.emit(types.LeavingCriticalPhase{})
		latest, ok := c.rounds.TryGetRoundState(roundID)
		if !ok {
			latest = round
		}
		c.emit(types.RoundEnded{LastRoundState: latest})
	}()

	if err := c.proceedWithRound(proceedCtx, round, locked, selection, outcome); err != nil {
		if !isRoundEndedError(err, roundEnded.Load()) {
			return nil, err
		}
		rlog.Debugf("round ended while in progress: %s", err)
	}

	ending := <-endingCh
	if ending.err != nil {
		rlog.Warnf("waiting for the round to end failed with: %s", ending.err)
		return nil, &UnknownRoundEndingError{
			SignedCoins:   outcome.signedCoins(),
			OutputScripts: outcome.outputScripts(),
			Err:           ending.err,
		}
	}
	round = ending.round

	c.resolvePayments(round, outcome)
	c.logRoundEnd(round, outcome)

	signedCoins := outcome.signedCoins()
	if len(signedCoins) <= 0 && round.EndRoundState == types.TransactionBroadcasted {
		return nil, newClientError(UserWasntInRound, "no inputs participated in this round")
	}

	switch round.EndRoundState {
	case types.TransactionBroadcasted:
		return types.SuccessfulCoinJoinResult{
			RoundID:          roundID,
			Coins:            signedCoins,
			Outputs:          outcome.outputs.Outputs,
			HandledPayments:  outcome.payments(),
			UnsignedCoinJoin: outcome.unsigned,
		}, nil
	case types.NotAllAlicesSign:
		// Nothing left to take to the blame round without signed coins.
		return types.DisruptedCoinJoinResult{
			SignedCoins: signedCoins,
			Abandon:     outcome.abandon || len(signedCoins) <= 0,
		}, nil
	default:
		return types.FailedCoinJoinResult{}, nil
	}
}

// proceedWithRound registers the coins, the outputs and signs the coinjoin.
func (c *Client) proceedWithRound(
	ctx context.Context, round types.RoundState, coins []*types.Coin,
	selection client.CoinSelection, outcome *roundOutcome,
) error {
	rlog := c.roundLog(round)

	registered, err := c.registerAndConfirmInputs(ctx, round, coins)
	defer func() {
		for _, in := range registered {
			if err := in.circuit.Close(); err != nil {
				rlog.Debugf("failed to close circuit: %s", err)
			}
		}
	}()
	if err != nil {
		return err
	}
	if len(registered) <= 0 {
		return newClientError(
			CoinsRejected, "the coordinator rejected all %d inputs", len(coins),
		)
	}

	if selection.AcceptRegistered != nil && !selection.AcceptRegistered(coinsOf(registered)) {
		c.unregisterInputs(ctx, round, registered)
		return newClientError(
			CoinsRejected, "the coordinator rejected too many inputs to make this round suitable",
		)
	}

	rlog.Infof("successfully registered %d inputs", len(registered))
	c.setCoinsInCriticalPhase(coinsOf(registered))

	if err := c.proceedWithOutputRegistration(ctx, round.ID, registered, outcome); err != nil {
		return err
	}
	if err := c.proceedWithSigning(ctx, round.ID, registered, selection.AcceptOutputs, outcome); err != nil {
		return err
	}
	c.logSummary(round, registered, outcome)

	if err := c.liquidity.UpdateLiquidityClue(
		ctx, c.wallet.Name(), round.Parameters.MaxSuggestedAmount,
		outcome.unsigned, outcome.outputs.Outputs,
	); err != nil {
		rlog.Warnf("%s", err)
	}
	return nil
}

func (c *Client) resolvePayments(round types.RoundState, outcome *roundOutcome) {
	payments := outcome.payments()
	if len(payments) <= 0 {
		return
	}

	success := round.EndRoundState == types.TransactionBroadcasted && outcome.unsigned != nil
	for _, p := range payments {
		if !success {
			p.Payment.Failed()
			continue
		}
		index, ok := outputIndex(outcome.unsigned, p.TxOut)
		if !ok {
			p.Payment.Failed()
			continue
		}
		p.Payment.Succeeded(round.ID, outcome.unsigned.TxHash(), index)
	}
}

func (c *Client) logRoundEnd(round types.RoundState, outcome *roundOutcome) {
	txid := "not available"
	if outcome.unsigned != nil {
		txid = outcome.unsigned.TxHash().String()
	}

	rlog := c.roundLog(round)
	switch round.EndRoundState {
	case types.TransactionBroadcasted:
		rlog.Infof("broadcasted, coinjoin txid: %s", txid)
	case types.TransactionBroadcastFailed:
		rlog.Infof("failed to broadcast, coinjoin txid: %s", txid)
	case types.AbortedWithError:
		rlog.Infof("round abnormally finished")
	case types.AbortedNotEnoughAlices:
		rlog.Infof("aborted, not enough participants")
	case types.AbortedNotEnoughAlicesSigned:
		rlog.Infof("aborted, not enough participants signed the coinjoin transaction")
	case types.NotAllAlicesSign:
		rlog.Infof("aborted, some alices didn't sign, go to blame round")
	case types.AbortedNotAllAlicesConfirmed:
		rlog.Infof("aborted, some alices didn't confirm")
	case types.AbortedLoadBalancing:
		rlog.Infof("aborted, load balancing registrations")
	default:
		rlog.Infof("ended for unknown reason")
	}
}

// isRoundEndedError reports whether err is only the consequence of the round
// ending while in progress.
func isRoundEndedError(err error, roundEnded bool) bool {
	if roundEnded && errors.Is(err, context.Canceled) {
		return true
	}
	phaseErr, ok := client.AsUnexpectedRoundPhaseError(err)
	return ok && phaseErr.RoundState.Phase == types.EndedPhase
}

func outputIndex(tx *wire.MsgTx, out *wire.TxOut) (uint32, bool) {
	for i, o := range tx.TxOut {
		if o.Value == out.Value && bytes.Equal(o.PkScript, out.PkScript) {
			return uint32(i), true
		}
	}
	return 0, false
}
