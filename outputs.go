package coinjoin

import (
	"context"
	"fmt"
	"time"

	"github.com/ark-network/coinjoin/client"
	"github.com/ark-network/coinjoin/internal/utils"
	"github.com/ark-network/coinjoin/outputs"
	"github.com/ark-network/coinjoin/types"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// proceedWithOutputRegistration registers the wallet outputs and signals
// every alice ready to sign. Output registration failures don't stop the
// round: the signing checks take care of missing outputs.
func (c *Client) proceedWithOutputRegistration(
	ctx context.Context, roundID chainhash.Hash, registered []*registeredInput,
	outcome *roundOutcome,
) error {
	// All the alices confirmed, the list of inputs is complete now.
	round, err := c.rounds.WaitForRoundPhase(ctx, roundID, types.OutputRegistrationPhase)
	if err != nil {
		return fmt.Errorf("failed to wait for output registration: %w", err)
	}
	params := round.Parameters
	rlog := c.roundLog(round)

	remaining := params.OutputRegistrationTimeout - c.rounds.Period()
	now := time.Now()
	phaseEnd := now.Add(remaining)
	// Both steps happen during output registration, the time is split.
	outputRegistrationEnd := now.Add(remaining * 8 / 10)
	readyToSignEnd := phaseEnd

	c.emit(types.EnteringOutputRegistrationPhase{RoundState: round, Deadline: phaseEnd})

	ctx, cancel := context.WithTimeout(ctx, remaining+extraPhaseTimeoutMargin)
	defer cancel()

	alices := alicesOf(registered)
	var availableVsize int64
	for _, alice := range alices {
		availableVsize += alice.AvailableVsize()
	}

	set, err := c.outputs.GetOutputs(ctx, outputs.Request{
		RoundID:               roundID,
		Parameters:            params,
		Registered:            alices,
		OthersEffectiveValues: othersEffectiveValues(round, alices),
		AvailableVsize:        int(availableVsize),
		Policy:                c.wallet.MixingPolicy(),
		LiquidityClue:         c.liquidity.GetLiquidityClue(c.wallet.Name(), params.MaxSuggestedAmount),
	})
	if err != nil {
		return fmt.Errorf("failed to get outputs: %w", err)
	}
	outcome.outputs = set

	c.registerOutputs(ctx, round, alices, set, outputRegistrationEnd)

	rlog.Debugf("ready to sign started, it will end in %s", time.Until(readyToSignEnd).Round(time.Second))
	if err := c.readyToSign(ctx, round, registered, readyToSignEnd); err != nil {
		return err
	}
	rlog.Debugf("alices(%d) are ready to sign", len(registered))
	return nil
}

func (c *Client) registerOutputs(
	ctx context.Context, round types.RoundState, alices []*types.Alice,
	set *outputs.OutputSet, end time.Time,
) {
	rlog := c.roundLog(round)
	failPayments := func() {
		for _, p := range set.Payments {
			p.Payment.Failed()
		}
	}

	bob := c.circuits.NewRequestCircuit()
	rlog.Infof("starting reissuances")
	if err := bob.ReissueCredentials(ctx, round, alices, set.Outputs); err != nil {
		rlog.Infof("failed to register outputs with message %s, ignoring", err)
		failPayments()
		return
	}

	rlog.Debugf("output registration started, it will end in %s", time.Until(end).Round(time.Second))
	now := time.Now()
	dates := utils.ScheduledDates(c.random, len(set.Outputs), now, end, maxRequestDelay)
	tasks := make([]utils.ScheduledTask[bool], 0, len(set.Outputs))
	for i, out := range set.Outputs {
		tasks = append(tasks, utils.ScheduledTask[bool]{
			At: dates[i],
			Run: func(ctx context.Context) (bool, error) {
				err := bob.RegisterOutput(ctx, round, out)
				if err == nil {
					return true, nil
				}

				script := scriptString(out.PkScript)
				if client.IsProtocolError(err, client.AlreadyRegisteredScript) {
					rlog.Infof("script (%s) was already registered, continuing", script)
				} else {
					rlog.Infof("script (%s) registration failed: %s, continuing", script, err)
				}
				if payment, ok := set.PaymentFor(out); ok {
					payment.Failed()
				}
				return false, nil
			},
		})
	}

	results, err := utils.RunScheduled(ctx, tasks)
	if err != nil {
		rlog.Infof("output registration interrupted: %s", err)
		failPayments()
		return
	}
	registeredCount := 0
	for _, ok := range results {
		if ok {
			registeredCount++
		}
	}
	rlog.Infof("outputs(%d/%d) were registered", registeredCount, len(set.Outputs))
}

// readyToSign only fails if the signals are interrupted.
func (c *Client) readyToSign(
	ctx context.Context, round types.RoundState, registered []*registeredInput, end time.Time,
) error {
	rlog := c.roundLog(round)

	dates := utils.ScheduledDates(c.random, len(registered), time.Now(), end, maxRequestDelay)
	tasks := make([]utils.ScheduledTask[struct{}], 0, len(registered))
	for i, in := range registered {
		tasks = append(tasks, utils.ScheduledTask[struct{}]{
			At: dates[i],
			Run: func(ctx context.Context) (struct{}, error) {
				if err := in.circuit.ReadyToSign(ctx, round.ID, in.alice); err != nil {
					if ctx.Err() != nil {
						return struct{}{}, ctx.Err()
					}
					rlog.Infof("failed to signal ready to sign with message %s, ignoring", err)
				}
				return struct{}{}, nil
			},
		})
	}
	if _, err := utils.RunScheduled(ctx, tasks); err != nil {
		return fmt.Errorf("failed to signal ready to sign: %w", err)
	}
	return nil
}

// othersEffectiveValues returns the effective values of the round inputs that
// don't belong to the wallet.
func othersEffectiveValues(round types.RoundState, alices []*types.Alice) []btcutil.Amount {
	mine := make(map[wire.OutPoint]struct{}, len(alices))
	for _, alice := range alices {
		mine[alice.Coin.OutPoint] = struct{}{}
	}

	feeRate := round.Parameters.MiningFeeRate
	values := make([]btcutil.Amount, 0, len(round.CoinjoinState.Inputs))
	for _, in := range round.CoinjoinState.Inputs {
		if _, ok := mine[in.OutPoint]; ok {
			continue
		}
		scriptType := txscript.GetScriptClass(in.TxOut.PkScript)
		fee := types.Fee(feeRate, types.InputVsize(scriptType))
		values = append(values, btcutil.Amount(in.TxOut.Value)-fee)
	}
	return values
}

func scriptString(pkScript []byte) string {
	script, err := txscript.DisasmString(pkScript)
	if err != nil {
		return fmt.Sprintf("%x", pkScript)
	}
	return script
}
