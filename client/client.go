package client

import (
	"context"
	"time"

	"github.com/ark-network/coinjoin/types"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// RoundStateProvider is the round status feed.
type RoundStateProvider interface {
	TryGetRoundState(roundID chainhash.Hash) (types.RoundState, bool)
	// WaitForRound resolves with the first round state matching predicate.
	WaitForRound(
		ctx context.Context, predicate func(types.RoundState) bool,
	) (types.RoundState, error)
	// WaitForRoundPhase resolves once the round reaches phase. It fails with
	// an UnexpectedRoundPhaseError if the round moves past it.
	WaitForRoundPhase(
		ctx context.Context, roundID chainhash.Hash, phase types.Phase,
	) (types.RoundState, error)
	// FeeRateMedians maps time frames to the median fee rate over that frame.
	FeeRateMedians() map[time.Duration]chainfee.SatPerKVByte
	// Period is the refresh interval of the feed.
	Period() time.Duration
}

// ArenaClient is the credential capability speaking to the coordinator on
// behalf of a single identity. Its cryptography is opaque to the client.
type ArenaClient interface {
	RegisterInput(
		ctx context.Context, round types.RoundState, coin *types.Coin,
	) (*types.Alice, error)
	// ConfirmConnection returns once the coordinator confirmed the alice.
	ConfirmConnection(
		ctx context.Context, round types.RoundState, alice *types.Alice,
	) error
	UnregisterInput(ctx context.Context, roundID chainhash.Hash, alice *types.Alice) error
	// ReissueCredentials splits the alices' credentials so that every output
	// can be paid for by one request.
	ReissueCredentials(
		ctx context.Context, round types.RoundState, alices []*types.Alice,
		outputs []*wire.TxOut,
	) error
	RegisterOutput(ctx context.Context, round types.RoundState, output *wire.TxOut) error
	ReadyToSign(ctx context.Context, roundID chainhash.Hash, alice *types.Alice) error
	SignTransaction(
		ctx context.Context, roundID chainhash.Hash, alice *types.Alice, tx *wire.MsgTx,
	) error
}

// Circuit is an ArenaClient bound to its own anonymization circuit.
type Circuit interface {
	ArenaClient
	Close() error
}

type CircuitFactory interface {
	// NewPersonCircuit opens a circuit dedicated to one input for the whole
	// round attempt.
	NewPersonCircuit(ctx context.Context) (Circuit, error)
	// NewRequestCircuit returns a client whose requests each travel over a
	// fresh circuit.
	NewRequestCircuit() ArenaClient
}

type DestinationProvider interface {
	GetNextDestinations(
		ctx context.Context, count int, mixedOutputs, privateEnough bool,
	) ([]btcutil.Address, error)
	GetPendingPayments(
		ctx context.Context, params types.RoundParameters,
	) ([]*types.PendingPayment, error)
	SupportedScriptTypes() []txscript.ScriptClass
}

type MixingPolicy struct {
	AnonScoreTarget int
	// ExplicitHighestFeeTarget is the highest fee rate, in sat/vB, the wallet
	// accepts to mix at.
	ExplicitHighestFeeTarget float64
	// FeeRateMedianTimeFrame selects the historical median the round fee rate
	// is compared to. Zero disables the comparison.
	FeeRateMedianTimeFrame time.Duration
	BatchPayments          bool
	MinimumDenomination    btcutil.Amount
	AllowedDenominations   []btcutil.Amount
	// PlebStopThreshold stops mixing while the non private balance is below
	// it. Zero disables the check.
	PlebStopThreshold btcutil.Amount
}

// CoinSelection is what a wallet specific selector returns. The optional
// acceptors veto the registered inputs and the final outputs.
type CoinSelection struct {
	Coins            []*types.Coin
	AcceptRegistered func(registered []*types.Coin) bool
	AcceptOutputs    func(outputs []*wire.TxOut) bool
}

type RoundCoinSelector interface {
	SelectCoins(
		ctx context.Context, params types.RoundParameters,
		candidates, ineligible []*types.Coin, liquidityClue btcutil.Amount,
	) (CoinSelection, error)
}

type Wallet interface {
	Name() string
	MixingPolicy() MixingPolicy
	DestinationProvider() DestinationProvider
	IsRoundOk(params types.RoundParameters) bool
	// CoinSelector returns nil if the default selection applies.
	CoinSelector() RoundCoinSelector
	// CompletedCoinJoin is invoked exactly once when a run terminates.
	CompletedCoinJoin(result types.CoinJoinResult, err error)
}

// LiquidityClueStore persists the liquidity clue of every wallet.
type LiquidityClueStore interface {
	GetLiquidityClue(ctx context.Context, wallet string) (btcutil.Amount, bool, error)
	SetLiquidityClue(ctx context.Context, wallet string, clue btcutil.Amount) error
	Close()
}
