package coinjoin

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ark-network/coinjoin/client"
	"github.com/ark-network/coinjoin/internal/utils"
	"github.com/ark-network/coinjoin/types"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	// signingDelay postpones the signatures of rounds that ask for it.
	signingDelay = 50 * time.Second
	// maxSigningRequestDelay caps the spread of the signatures so that they
	// all fit the fast track signing phase.
	maxSigningRequestDelay = 50 * time.Second

	// minFeeRateRatio is the share of the agreed mining fee rate the
	// coinjoin must at least pay.
	minFeeRateRatio = 0.9
)

// proceedWithSigning verifies the coinjoin and signs it. If anything is off
// with it, one random input is left unsigned so that the round can't succeed
// with it.
func (c *Client) proceedWithSigning(
	ctx context.Context, roundID chainhash.Hash, registered []*registeredInput,
	acceptOutputs func([]*wire.TxOut) bool, outcome *roundOutcome,
) error {
	round, err := c.rounds.WaitForRoundPhase(ctx, roundID, types.TransactionSigningPhase)
	if err != nil {
		return fmt.Errorf("failed to wait for transaction signing: %w", err)
	}
	params := round.Parameters
	rlog := c.roundLog(round)

	remaining := params.TransactionSigningTimeout - c.rounds.Period()
	signingEnd := time.Now().Add(remaining)
	c.emit(types.EnteringSigningPhase{RoundState: round, Deadline: signingEnd})

	ctx, cancel := context.WithTimeout(ctx, remaining+extraPhaseTimeoutMargin)
	defer cancel()

	rlog.Debugf("transaction signing started, it will end in %s", time.Until(signingEnd).Round(time.Second))

	state := round.CoinjoinState
	unsigned := state.UnsignedTransaction()
	outcome.unsigned = unsigned

	mustSignAll := true
	if isSolo := len(state.Inputs) == len(registered); isSolo && !c.cfg.AllowSoloCoinjoining {
		rlog.Infof("I am the only one in that coinjoin")
		outcome.abandon = true
		mustSignAll = false
	}
	var expected []*wire.TxOut
	if outcome.outputs != nil {
		expected = outcome.outputs.Outputs
	}
	if !SanityCheck(expected, unsigned.TxOut) {
		rlog.Infof("there are missing outputs")
		mustSignAll = false
	}
	if IsFeeSkimmed(state.EffectiveFeeRate(), params.MiningFeeRate) {
		rlog.Infof("effective fee rate of the transaction is lower than expected")
		mustSignAll = false
	}
	if acceptOutputs != nil && !acceptOutputs(unsigned.TxOut) {
		rlog.Infof("outputs were not accepted")
		mustSignAll = false
	}

	toSign := registered
	if !mustSignAll {
		rlog.Infof("a subset of inputs will be signed")
		toSign = dropRandomInput(c.random, registered)
	}

	start := time.Now()
	if params.DelayTransactionSigning {
		start = start.Add(signingDelay)
	}
	if err := c.signTransaction(ctx, round, toSign, unsigned, start, signingEnd); err != nil {
		return err
	}
	outcome.signed = toSign
	rlog.Infof("%d out of %d alices have signed the coinjoin tx", len(toSign), len(registered))
	return nil
}

func (c *Client) signTransaction(
	ctx context.Context, round types.RoundState, toSign []*registeredInput,
	tx *wire.MsgTx, start, end time.Time,
) error {
	dates := utils.ScheduledDates(c.random, len(toSign), start, end, maxSigningRequestDelay)
	tasks := make([]utils.ScheduledTask[struct{}], 0, len(toSign))
	for i, in := range toSign {
		tasks = append(tasks, utils.ScheduledTask[struct{}]{
			At: dates[i],
			Run: func(ctx context.Context) (struct{}, error) {
				err := in.circuit.SignTransaction(ctx, round.ID, in.alice, tx)
				if client.IsProtocolError(err, client.WitnessAlreadyProvided) {
					c.roundLog(round).Debugf("signature was already sent, bypassing error")
					return struct{}{}, nil
				}
				return struct{}{}, err
			},
		})
	}
	if _, err := utils.RunScheduled(ctx, tasks); err != nil {
		return fmt.Errorf("failed to sign coinjoin: %w", err)
	}
	return nil
}

// SanityCheck reports whether every expected output script is present in the
// coinjoin and no output paying to one of them is worth less than expected.
func SanityCheck(expected, coinjoinOutputs []*wire.TxOut) bool {
	for _, exp := range expected {
		found := false
		for _, out := range coinjoinOutputs {
			if !bytes.Equal(out.PkScript, exp.PkScript) {
				continue
			}
			found = true
			if out.Value < exp.Value {
				return false
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// IsFeeSkimmed reports whether the coinjoin pays less mining fees than
// agreed, leaving room for the coordinator to take the difference.
func IsFeeSkimmed(effective, agreed chainfee.SatPerKVByte) bool {
	return float64(effective) <= float64(agreed)*minFeeRateRatio
}

func dropRandomInput(random utils.Random, registered []*registeredInput) []*registeredInput {
	if len(registered) <= 0 {
		return registered
	}
	dropped := random.IntN(len(registered))
	subset := make([]*registeredInput, 0, len(registered)-1)
	subset = append(subset, registered[:dropped]...)
	return append(subset, registered[dropped+1:]...)
}

// logSummary logs the balance of what the wallet put in and got out of the
// coinjoin.
func (c *Client) logSummary(
	round types.RoundState, registered []*registeredInput, outcome *roundOutcome,
) {
	feeRate := round.Parameters.MiningFeeRate

	var (
		inputTotal, inputEffective, inputFee    btcutil.Amount
		outputTotal, outputEffective, outputFee btcutil.Amount
		batchedTotal                            btcutil.Amount
	)
	for _, in := range registered {
		coin := in.alice.Coin
		inputTotal += coin.Amount()
		inputEffective += in.alice.EffectiveValue
		inputFee += types.Fee(feeRate, types.InputVsize(coin.ScriptType()))
	}
	for _, out := range outcome.outputs.Outputs {
		fee := types.Fee(feeRate, types.OutputVsize(txscript.GetScriptClass(out.PkScript)))
		outputTotal += btcutil.Amount(out.Value)
		outputEffective += btcutil.Amount(out.Value) - fee
		outputFee += fee
	}
	for _, p := range outcome.payments() {
		batchedTotal += btcutil.Amount(p.TxOut.Value)
	}

	summary := []string{
		"",
		fmt.Sprintf("\tInput total: %s Eff: %s NetwFee: %s", inputTotal, inputEffective, inputFee),
		fmt.Sprintf(
			"\tOutput total: %s Eff: %s NetwFee: %s BatchedPayments: %s(%d)",
			outputTotal, outputEffective, outputFee, batchedTotal, len(outcome.payments()),
		),
		fmt.Sprintf("\tTotal diff: %s", inputTotal-outputTotal),
		fmt.Sprintf("\tEffective diff: %s", inputEffective-outputEffective),
		fmt.Sprintf("\tTotal fee: %s", inputFee+outputFee),
	}
	c.roundLog(round).Debugf("%s", strings.Join(summary, "\n"))
}
