package coinjoin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ark-network/coinjoin/client"
	"github.com/ark-network/coinjoin/internal/utils"
	"github.com/ark-network/coinjoin/types"
)

const (
	// registrationSafetyBuffer shortens the input registration window so
	// that the last registrations don't arrive late.
	registrationSafetyBuffer = time.Minute
	// unregisterSafetyBuffer is how long before the end of input
	// registration unregistrations must be done.
	unregisterSafetyBuffer = 10 * time.Second

	defaultBanPeriod = 24 * time.Hour
)

// registeredInput is an alice together with the circuit it talks through for
// the whole round attempt.
type registeredInput struct {
	alice   *types.Alice
	circuit client.Circuit
}

func coinsOf(registered []*registeredInput) []*types.Coin {
	coins := make([]*types.Coin, 0, len(registered))
	for _, in := range registered {
		coins = append(coins, in.alice.Coin)
	}
	return coins
}

func alicesOf(registered []*registeredInput) []*types.Alice {
	alices := make([]*types.Alice, 0, len(registered))
	for _, in := range registered {
		alices = append(alices, in.alice)
	}
	return alices
}

// inputRegistration holds the cancellation scopes shared by the concurrent
// registrations of one round attempt.
type inputRegistration struct {
	client *Client
	round  types.RoundState
	log    *roundLogger

	ctx              context.Context
	registrationsCtx context.Context
	confirmationsCtx context.Context
	unregisterCtx    context.Context

	cancelRegistrations context.CancelFunc
	cancelConfirmations context.CancelFunc

	criticalPhaseOnce sync.Once
	lastPhaseErr      atomic.Pointer[client.UnexpectedRoundPhaseError]
}

// registerAndConfirmInputs registers every coin at a random time of the input
// registration window and confirms its connection. Coins rejected by the
// coordinator are left out of the result.
func (c *Client) registerAndConfirmInputs(
	ctx context.Context, round types.RoundState, coins []*types.Coin,
) ([]*registeredInput, error) {
	params := round.Parameters
	inputRegistrationEnd := round.InputRegistrationEnd()
	remaining := time.Until(inputRegistrationEnd)

	// Input registration and connection confirmation happen one after the
	// other, they share the timeout.
	phaseCtx, cancelPhase := context.WithTimeout(
		ctx, remaining+params.ConnectionConfirmationTimeout+extraPhaseTimeoutMargin,
	)
	defer cancelPhase()

	c.emit(types.EnteringInputRegistrationPhase{RoundState: round, Deadline: inputRegistrationEnd})

	registrationsCtx, cancelRegistrationsCtx := context.WithTimeout(
		phaseCtx, remaining+extraPhaseTimeoutMargin,
	)
	confirmationsCtx, cancelConfirmations := context.WithCancel(phaseCtx)
	defer cancelConfirmations()
	// Unregistering is bound to the strict end of input registration and to
	// the cancellation of the registrations, not to the caller.
	unregisterCtx, cancelUnregister := context.WithDeadline(
		context.WithoutCancel(ctx), inputRegistrationEnd,
	)
	cancelRegistrations := func() {
		cancelRegistrationsCtx()
		cancelUnregister()
	}
	defer cancelRegistrations()

	reg := &inputRegistration{
		client:              c,
		round:               round,
		log:                 c.roundLog(round),
		ctx:                 ctx,
		registrationsCtx:    registrationsCtx,
		confirmationsCtx:    confirmationsCtx,
		unregisterCtx:       unregisterCtx,
		cancelRegistrations: cancelRegistrations,
		cancelConfirmations: cancelConfirmations,
	}

	reg.log.Debugf("inputs(%d) registration started, it will end in %s", len(coins), remaining.Round(time.Second))

	now := time.Now()
	end := inputRegistrationEnd.Add(-registrationSafetyBuffer)
	dates := utils.ScheduledDates(c.random, len(coins), now, end, end.Sub(now))

	tasks := make([]utils.ScheduledTask[*registeredInput], 0, len(coins))
	for i, coin := range coins {
		tasks = append(tasks, utils.ScheduledTask[*registeredInput]{
			At: dates[i],
			Run: func(context.Context) (*registeredInput, error) {
				return reg.registerInput(coin), nil
			},
		})
	}

	results, err := utils.RunScheduled(phaseCtx, tasks)
	registered := make([]*registeredInput, 0, len(results))
	for _, in := range results {
		if in != nil {
			registered = append(registered, in)
		}
	}
	if err != nil {
		closeCircuits(registered)
		return nil, fmt.Errorf("failed to register inputs: %w", err)
	}

	if len(registered) <= 0 {
		if phaseErr := reg.lastPhaseErr.Load(); phaseErr != nil {
			// The coordinator aborted the round.
			return nil, phaseErr
		}
	}

	latest, ok := c.rounds.TryGetRoundState(round.ID)
	if !ok {
		closeCircuits(registered)
		return nil, fmt.Errorf("round %s is missing", round.ID)
	}
	if len(registered) > 0 {
		// Every input got its first confirmation already, so this is not
		// exactly the start of the phase.
		c.emit(types.EnteringConnectionConfirmationPhase{
			RoundState: latest,
			Deadline:   time.Now().Add(params.ConnectionConfirmationTimeout),
		})
	}
	return registered, nil
}

// registerInput returns nil if the coin could not be registered or confirmed.
func (r *inputRegistration) registerInput(coin *types.Coin) *registeredInput {
	if r.registrationsCtx.Err() != nil {
		r.log.Debugf("registration of %s was cancelled", coin.OutPoint)
		return nil
	}

	circuit, err := r.client.circuits.NewPersonCircuit(r.registrationsCtx)
	if err != nil {
		r.log.Warnf("failed to open circuit for %s: %s", coin.OutPoint, err)
		return nil
	}

	alice, err := circuit.RegisterInput(r.registrationsCtx, r.round, coin)
	if err == nil {
		err = r.confirmConnection(circuit, alice)
	}
	if err != nil {
		if closeErr := circuit.Close(); closeErr != nil {
			r.log.Debugf("failed to close circuit: %s", closeErr)
		}
		r.handleError(coin, err)
		return nil
	}

	// The first confirmed input moves the wallet into the critical phase.
	r.criticalPhaseOnce.Do(func() {
		r.client.emit(types.EnteringCriticalPhase{})
	})
	return &registeredInput{alice, circuit}
}

// confirmConnection unregisters the alice if the confirmation is interrupted
// while leaving the round is still free.
func (r *inputRegistration) confirmConnection(circuit client.Circuit, alice *types.Alice) error {
	err := circuit.ConfirmConnection(r.confirmationsCtx, r.round, alice)
	if err == nil {
		alice.ConfirmedConnection = true
		return nil
	}

	if isContextError(err) && r.unregisterCtx.Err() == nil {
		if unregErr := circuit.UnregisterInput(r.unregisterCtx, r.round.ID, alice); unregErr != nil {
			r.log.Debugf("failed to unregister %s: %s", alice.Coin.OutPoint, unregErr)
		}
	}
	return err
}

func (r *inputRegistration) handleError(coin *types.Coin, err error) {
	if protocolErr, ok := client.AsProtocolError(err); ok {
		r.handleProtocolError(coin, protocolErr)
		return
	}

	if phaseErr, ok := client.AsUnexpectedRoundPhaseError(err); ok {
		r.lastPhaseErr.Store(phaseErr)
		r.log.Debugf("%s", phaseErr)
		return
	}

	if isContextError(err) {
		switch {
		case r.ctx.Err() != nil:
			r.log.Debugf("user requested cancellation of registration and confirmation")
		case r.registrationsCtx.Err() != nil:
			r.log.Debugf("registration was cancelled")
		case r.confirmationsCtx.Err() != nil:
			r.log.Debugf("connection confirmation was cancelled")
		default:
			r.log.Debugf("%s", err)
		}
		return
	}

	r.log.Warnf("%s cannot be registered: %s", coin.OutPoint, err)
}

func (r *inputRegistration) handleProtocolError(coin *types.Coin, err *client.ProtocolError) {
	switch err.Code {
	case client.RoundNotFound:
		r.log.Infof(
			"%s arrived too late because the round doesn't exist anymore, aborting input registrations: %s",
			coin.OutPoint, err.Code,
		)
		r.cancelRegistrations()
		r.cancelConfirmations()
	case client.WrongPhase:
		r.log.Infof("%s arrived too late, aborting input registrations: %s", coin.OutPoint, err.Code)
		if err.CurrentPhase != types.InputRegistrationPhase {
			// The remaining registrations would arrive late too.
			r.cancelRegistrations()
			if err.CurrentPhase != types.ConnectionConfirmationPhase {
				r.cancelConfirmations()
			}
		}
	case client.AliceAlreadyRegistered:
		r.log.Infof("%s was already registered", coin.OutPoint)
	case client.AliceAlreadyConfirmedConnection:
		r.log.Infof("%s already confirmed connection", coin.OutPoint)
	case client.InputSpent:
		coin.SetSpentAccordingToBackend(true)
		r.log.Infof(
			"%s is spent according to the backend, the wallet is not fully synchronized or corrupted",
			coin.OutPoint,
		)
	case client.InputBanned, client.InputLongBanned:
		bannedUntil := err.BannedUntil
		if bannedUntil.IsZero() {
			r.log.Warnf("missing ban expiration for %s", coin.OutPoint)
			bannedUntil = time.Now().Add(defaultBanPeriod)
		}
		coin.SetBannedUntil(bannedUntil)
		r.client.emit(types.CoinBanned{Coin: coin, BannedUntil: bannedUntil})
		r.log.Infof("%s is banned until %s", coin.OutPoint, bannedUntil.Format(time.RFC3339))
	case client.InputNotWhitelisted:
		coin.SetSpentAccordingToBackend(false)
		r.log.Warnf("%s cannot be registered in the blame round", coin.OutPoint)
	default:
		r.log.Infof("%s cannot be registered: %s", coin.OutPoint, err.Code)
	}
}

// unregisterInputs gives the registered inputs back, spread until shortly
// before the end of input registration. Past that point they're all sent at
// once. Failures are only logged.
func (c *Client) unregisterInputs(
	ctx context.Context, round types.RoundState, registered []*registeredInput,
) {
	rlog := c.roundLog(round)
	end := round.InputRegistrationEnd().Add(-unregisterSafetyBuffer)

	now := time.Now()
	dates := utils.ScheduledDates(c.random, len(registered), now, end, end.Sub(now))
	tasks := make([]utils.ScheduledTask[struct{}], 0, len(registered))
	for i, in := range registered {
		tasks = append(tasks, utils.ScheduledTask[struct{}]{
			At: dates[i],
			Run: func(ctx context.Context) (struct{}, error) {
				if err := in.circuit.UnregisterInput(ctx, round.ID, in.alice); err != nil {
					rlog.Debugf("failed to unregister %s: %s", in.alice.Coin.OutPoint, err)
				}
				return struct{}{}, nil
			},
		})
	}
	if _, err := utils.RunScheduled(ctx, tasks); err != nil {
		rlog.Debugf("unregistration interrupted: %s", err)
	}
}

func closeCircuits(registered []*registeredInput) {
	for _, in := range registered {
		// nolint
		in.circuit.Close()
	}
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
