package coinjoin_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ark-network/coinjoin/client"
	"github.com/ark-network/coinjoin/roundstate"
	"github.com/ark-network/coinjoin/types"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
)

const (
	testPollPeriod        = 100 * time.Millisecond
	foreignInputAmount    = 5_000_000
	foreignParticipantFee = 2_000
)

var addressCounter atomic.Uint32

type coordinatorOpts struct {
	// foreign adds another participant to every round.
	foreign bool
	// tamperFirstRound drops one of the wallet outputs from the first
	// coinjoin.
	tamperFirstRound bool
	// onRegisterInput and onConfirmConnection run before the request is
	// handled. A non nil error is returned instead of handling it.
	onRegisterInput     func(ctx context.Context, coin *types.Coin) error
	onConfirmConnection func(ctx context.Context, alice *types.Alice) error
	// loseOutputResponse makes RegisterOutput fail after registering out.
	loseOutputResponse func(out *wire.TxOut) bool
}

type fakeRound struct {
	state        types.RoundState
	alices       map[string]*types.Alice
	confirmed    int
	ready        int
	signed       int
	outputs      []*wire.TxOut
	dropOutput   bool
	signingTimer *time.Timer
}

// fakeCoordinator is an in-memory coordinator pushing its rounds to the feed.
// Rounds advance as soon as the registered alices complete every step.
type fakeCoordinator struct {
	rounds *roundstate.Updater
	params types.RoundParameters
	opts   coordinatorOpts

	lock       sync.Mutex
	publishMtx sync.Mutex
	states     map[chainhash.Hash]*fakeRound
	roundCount int

	registrations   atomic.Int32
	unregistrations atomic.Int32
	signatures      atomic.Int32
}

func newFakeCoordinator(t *testing.T, params types.RoundParameters, opts coordinatorOpts) *fakeCoordinator {
	t.Helper()
	c := &fakeCoordinator{
		rounds: roundstate.NewUpdater(nil, testPollPeriod),
		params: params,
		opts:   opts,
		states: make(map[chainhash.Hash]*fakeRound),
	}
	t.Cleanup(c.rounds.Stop)
	return c
}

func (c *fakeCoordinator) NewPersonCircuit(context.Context) (client.Circuit, error) {
	return &fakeCircuit{fakeCoordinator: c}, nil
}

func (c *fakeCoordinator) NewRequestCircuit() client.ArenaClient {
	return c
}

// startRound opens a round in input registration and returns its id.
func (c *fakeCoordinator) startRound(blameOf chainhash.Hash) chainhash.Hash {
	c.lock.Lock()
	id := newRoundID()
	c.roundCount++
	c.states[id] = &fakeRound{
		state: types.RoundState{
			ID:                       id,
			BlameOf:                  blameOf,
			Phase:                    types.InputRegistrationPhase,
			InputRegistrationStart:   time.Now(),
			InputRegistrationTimeout: 5 * time.Second,
			Parameters:               c.params,
		},
		alices:     make(map[string]*types.Alice),
		dropOutput: c.opts.tamperFirstRound && c.roundCount == 1,
	}
	c.lock.Unlock()

	c.publish()
	return id
}

func (c *fakeCoordinator) round(id chainhash.Hash) (types.RoundState, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	r, ok := c.states[id]
	if !ok {
		return types.RoundState{}, false
	}
	return r.state, true
}

func (c *fakeCoordinator) publish() {
	c.publishMtx.Lock()
	defer c.publishMtx.Unlock()

	c.lock.Lock()
	status := &roundstate.Status{Rounds: make([]types.RoundState, 0, len(c.states))}
	for _, r := range c.states {
		status.Rounds = append(status.Rounds, r.state)
	}
	c.lock.Unlock()

	c.rounds.Update(status)
}

func (c *fakeCoordinator) RegisterInput(
	ctx context.Context, round types.RoundState, coin *types.Coin,
) (*types.Alice, error) {
	if hook := c.opts.onRegisterInput; hook != nil {
		if err := hook(ctx, coin); err != nil {
			return nil, err
		}
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	r, err := c.roundInPhase(round.ID, types.InputRegistrationPhase)
	if err != nil {
		return nil, err
	}
	for _, a := range r.alices {
		if a.Coin.OutPoint == coin.OutPoint {
			return nil, &client.ProtocolError{Code: client.AliceAlreadyRegistered}
		}
	}

	params := r.state.Parameters
	effectiveValue := coin.EffectiveValue(params.MiningFeeRate)
	alice := &types.Alice{
		ID:                      uuid.New().String(),
		RoundID:                 round.ID,
		Coin:                    coin,
		EffectiveValue:          effectiveValue,
		IssuedAmountCredentials: []btcutil.Amount{effectiveValue},
		IssuedVsizeCredentials: []int64{
			params.MaxVsizeAllocationPerAlice - int64(types.InputVsize(coin.ScriptType())),
		},
	}
	r.alices[alice.ID] = alice
	c.registrations.Add(1)
	return alice, nil
}

func (c *fakeCoordinator) ConfirmConnection(
	ctx context.Context, round types.RoundState, alice *types.Alice,
) error {
	if hook := c.opts.onConfirmConnection; hook != nil {
		if err := hook(ctx, alice); err != nil {
			return err
		}
	}

	c.lock.Lock()
	r, err := c.roundInPhase(round.ID, types.InputRegistrationPhase)
	if err != nil {
		c.lock.Unlock()
		return err
	}
	r.confirmed++
	// The wallet registers all the coins its selection gets.
	advance := r.confirmed == c.expectedInputs(r)
	if advance {
		r.state.Phase = types.OutputRegistrationPhase
		inputs := make([]types.RoundInput, 0, len(r.alices)+1)
		for _, a := range r.alices {
			inputs = append(inputs, types.RoundInput{OutPoint: a.Coin.OutPoint, TxOut: a.Coin.TxOut})
		}
		if c.opts.foreign {
			inputs = append(inputs, types.RoundInput{
				OutPoint: wire.OutPoint{Hash: chainhash.Hash{0xf0}, Index: uint32(c.roundCount)},
				TxOut:    wire.NewTxOut(foreignInputAmount, newPkScript()),
			})
		}
		r.state.CoinjoinState.Inputs = inputs
	}
	c.lock.Unlock()

	if advance {
		c.publish()
	}
	return nil
}

func (c *fakeCoordinator) UnregisterInput(
	_ context.Context, roundID chainhash.Hash, alice *types.Alice,
) error {
	c.unregistrations.Add(1)

	c.lock.Lock()
	defer c.lock.Unlock()

	r, err := c.roundInPhase(roundID, types.InputRegistrationPhase)
	if err != nil {
		return err
	}
	delete(r.alices, alice.ID)
	return nil
}

func (c *fakeCoordinator) ReissueCredentials(
	context.Context, types.RoundState, []*types.Alice, []*wire.TxOut,
) error {
	return nil
}

func (c *fakeCoordinator) RegisterOutput(
	_ context.Context, round types.RoundState, output *wire.TxOut,
) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	r, err := c.roundInPhase(round.ID, types.OutputRegistrationPhase)
	if err != nil {
		return err
	}
	for _, out := range r.outputs {
		if string(out.PkScript) == string(output.PkScript) {
			return &client.ProtocolError{Code: client.AlreadyRegisteredScript}
		}
	}
	r.outputs = append(r.outputs, output)
	if lose := c.opts.loseOutputResponse; lose != nil && lose(output) {
		return fmt.Errorf("connection reset")
	}
	return nil
}

func (c *fakeCoordinator) ReadyToSign(
	_ context.Context, roundID chainhash.Hash, _ *types.Alice,
) error {
	c.lock.Lock()
	r, err := c.roundInPhase(roundID, types.OutputRegistrationPhase)
	if err != nil {
		c.lock.Unlock()
		return err
	}
	r.ready++
	advance := r.ready == len(r.alices)
	if advance {
		outputs := append([]*wire.TxOut{}, r.outputs...)
		if r.dropOutput && len(outputs) > 0 {
			outputs = outputs[1:]
		}
		if c.opts.foreign {
			outputs = append(outputs, wire.NewTxOut(foreignInputAmount-foreignParticipantFee, newPkScript()))
		}
		r.state.CoinjoinState.Outputs = outputs
		r.state.Phase = types.TransactionSigningPhase
		// The alices that didn't sign in time get blamed.
		r.signingTimer = time.AfterFunc(
			r.state.Parameters.TransactionSigningTimeout+300*time.Millisecond,
			func() { c.endSigning(roundID) },
		)
	}
	c.lock.Unlock()

	if advance {
		c.publish()
	}
	return nil
}

func (c *fakeCoordinator) SignTransaction(
	_ context.Context, roundID chainhash.Hash, _ *types.Alice, _ *wire.MsgTx,
) error {
	c.lock.Lock()
	r, err := c.roundInPhase(roundID, types.TransactionSigningPhase)
	if err != nil {
		c.lock.Unlock()
		return err
	}
	r.signed++
	c.signatures.Add(1)
	done := r.signed == len(r.alices)
	if done {
		r.signingTimer.Stop()
		r.state.Phase = types.EndedPhase
		r.state.EndRoundState = types.TransactionBroadcasted
	}
	c.lock.Unlock()

	if done {
		c.publish()
	}
	return nil
}

func (c *fakeCoordinator) endSigning(roundID chainhash.Hash) {
	c.lock.Lock()
	r := c.states[roundID]
	if r.state.Phase != types.TransactionSigningPhase {
		c.lock.Unlock()
		return
	}
	r.state.Phase = types.EndedPhase
	r.state.EndRoundState = types.NotAllAlicesSign
	signed := r.signed
	c.lock.Unlock()

	c.publish()
	if signed > 0 {
		c.startRound(roundID)
	}
}

// expectedInputs is the number of wallet inputs the round waits for: the
// round's min input count, or the signers of the blamed round.
func (c *fakeCoordinator) expectedInputs(r *fakeRound) int {
	if !r.state.IsBlame() {
		return r.state.Parameters.MinInputCountByRound
	}
	return c.states[r.state.BlameOf].signed
}

// roundInPhase must be called with the lock held.
func (c *fakeCoordinator) roundInPhase(id chainhash.Hash, phase types.Phase) (*fakeRound, error) {
	r, ok := c.states[id]
	if !ok {
		return nil, &client.ProtocolError{Code: client.RoundNotFound}
	}
	if r.state.Phase != phase {
		return nil, &client.ProtocolError{Code: client.WrongPhase, CurrentPhase: r.state.Phase}
	}
	return r, nil
}

type fakeCircuit struct {
	*fakeCoordinator
	closed atomic.Bool
}

func (c *fakeCircuit) Close() error {
	c.closed.Store(true)
	return nil
}

type completion struct {
	result types.CoinJoinResult
	err    error
}

type fakeWallet struct {
	name         string
	policy       client.MixingPolicy
	destinations *fakeDestinations
	selector     client.RoundCoinSelector
	completed    chan completion
}

func newFakeWallet(policy client.MixingPolicy, payments ...*types.PendingPayment) *fakeWallet {
	return &fakeWallet{
		name:         "wallet",
		policy:       policy,
		destinations: &fakeDestinations{payments: payments},
		completed:    make(chan completion, 10),
	}
}

func (w *fakeWallet) Name() string                                    { return w.name }
func (w *fakeWallet) MixingPolicy() client.MixingPolicy               { return w.policy }
func (w *fakeWallet) DestinationProvider() client.DestinationProvider { return w.destinations }
func (w *fakeWallet) IsRoundOk(types.RoundParameters) bool            { return true }
func (w *fakeWallet) CoinSelector() client.RoundCoinSelector          { return w.selector }

func (w *fakeWallet) CompletedCoinJoin(result types.CoinJoinResult, err error) {
	w.completed <- completion{result, err}
}

type fakeDestinations struct {
	payments []*types.PendingPayment
}

func (d *fakeDestinations) GetNextDestinations(
	_ context.Context, count int, _, _ bool,
) ([]btcutil.Address, error) {
	return newAddresses(count), nil
}

func (d *fakeDestinations) GetPendingPayments(
	context.Context, types.RoundParameters,
) ([]*types.PendingPayment, error) {
	return d.payments, nil
}

func (d *fakeDestinations) SupportedScriptTypes() []txscript.ScriptClass {
	return []txscript.ScriptClass{txscript.WitnessV0PubKeyHashTy}
}

func testRoundParameters() types.RoundParameters {
	segwit := []txscript.ScriptClass{txscript.WitnessV0PubKeyHashTy}
	return types.RoundParameters{
		MiningFeeRate:                 2_000,
		MaxSuggestedAmount:            btcutil.Amount(btcutil.SatoshiPerBitcoin),
		MinInputCountByRound:          2,
		MaxInputCountByRound:          2,
		AllowedInputAmounts:           types.AmountRange{Min: 5_000, Max: 100 * btcutil.SatoshiPerBitcoin},
		AllowedOutputAmounts:          types.AmountRange{Min: 5_000, Max: 100 * btcutil.SatoshiPerBitcoin},
		AllowedInputTypes:             segwit,
		AllowedOutputTypes:            segwit,
		ConnectionConfirmationTimeout: time.Second,
		OutputRegistrationTimeout:     time.Second,
		TransactionSigningTimeout:     time.Second,
		MaxVsizeAllocationPerAlice:    255,
	}
}

func newCoins(amounts ...int64) []*types.Coin {
	coins := make([]*types.Coin, 0, len(amounts))
	for i, amount := range amounts {
		coins = append(coins, types.NewCoin(
			wire.OutPoint{Hash: chainhash.Hash{byte(i + 1)}, Index: uint32(i)},
			wire.NewTxOut(amount, newPkScript()),
			1,
		))
	}
	return coins
}

func newAddresses(count int) []btcutil.Address {
	addresses := make([]btcutil.Address, 0, count)
	for i := 0; i < count; i++ {
		n := addressCounter.Add(1)
		hash := make([]byte, 20)
		hash[0], hash[1], hash[2] = byte(n), byte(n>>8), byte(n>>16)
		addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, &chaincfg.RegressionNetParams)
		if err != nil {
			panic(err)
		}
		addresses = append(addresses, addr)
	}
	return addresses
}

func newPkScript() []byte {
	script, err := txscript.PayToAddrScript(newAddresses(1)[0])
	if err != nil {
		panic(err)
	}
	return script
}

func newRoundID() chainhash.Hash {
	var id chainhash.Hash
	u := uuid.New()
	copy(id[:], u[:])
	copy(id[16:], u[:])
	return id
}

// fakeSelector selects every candidate and lets accept veto the registered
// inputs.
type fakeSelector struct {
	accept func(registered []*types.Coin) bool
}

func (s *fakeSelector) SelectCoins(
	_ context.Context, _ types.RoundParameters,
	candidates, _ []*types.Coin, _ btcutil.Amount,
) (client.CoinSelection, error) {
	return client.CoinSelection{Coins: candidates, AcceptRegistered: s.accept}, nil
}
