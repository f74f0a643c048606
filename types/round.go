package types

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	UndefinedPhase Phase = iota
	InputRegistrationPhase
	ConnectionConfirmationPhase
	OutputRegistrationPhase
	TransactionSigningPhase
	EndedPhase
)

// Phase is the coordinator-driven state of a round. Phases are ordered and
// only ever move forward.
type Phase int

func (p Phase) String() string {
	switch p {
	case InputRegistrationPhase:
		return "INPUT_REGISTRATION"
	case ConnectionConfirmationPhase:
		return "CONNECTION_CONFIRMATION"
	case OutputRegistrationPhase:
		return "OUTPUT_REGISTRATION"
	case TransactionSigningPhase:
		return "TRANSACTION_SIGNING"
	case EndedPhase:
		return "ENDED"
	default:
		return "UNDEFINED"
	}
}

const (
	EndRoundNone EndRoundState = iota
	AbortedWithError
	AbortedNotEnoughAlices
	TransactionBroadcastFailed
	TransactionBroadcasted
	NotAllAlicesSign
	AbortedNotEnoughAlicesSigned
	AbortedNotAllAlicesConfirmed
	AbortedLoadBalancing
)

// EndRoundState is the outcome code reported by the coordinator once a round
// reaches EndedPhase.
type EndRoundState int

func (s EndRoundState) String() string {
	switch s {
	case AbortedWithError:
		return "ABORTED_WITH_ERROR"
	case AbortedNotEnoughAlices:
		return "ABORTED_NOT_ENOUGH_ALICES"
	case TransactionBroadcastFailed:
		return "TRANSACTION_BROADCAST_FAILED"
	case TransactionBroadcasted:
		return "TRANSACTION_BROADCASTED"
	case NotAllAlicesSign:
		return "NOT_ALL_ALICES_SIGN"
	case AbortedNotEnoughAlicesSigned:
		return "ABORTED_NOT_ENOUGH_ALICES_SIGNED"
	case AbortedNotAllAlicesConfirmed:
		return "ABORTED_NOT_ALL_ALICES_CONFIRMED"
	case AbortedLoadBalancing:
		return "ABORTED_LOAD_BALANCING"
	default:
		return "NONE"
	}
}

type AmountRange struct {
	Min btcutil.Amount
	Max btcutil.Amount
}

func (r AmountRange) Contains(amount btcutil.Amount) bool {
	return amount >= r.Min && amount <= r.Max
}

type RoundParameters struct {
	MiningFeeRate                    chainfee.SatPerKVByte
	MaxSuggestedAmount               btcutil.Amount
	MinInputCountByRound             int
	MaxInputCountByRound             int
	AllowedInputAmounts              AmountRange
	AllowedOutputAmounts             AmountRange
	AllowedInputTypes                []txscript.ScriptClass
	AllowedOutputTypes               []txscript.ScriptClass
	StandardInputRegistrationTimeout time.Duration
	BlameInputRegistrationTimeout    time.Duration
	ConnectionConfirmationTimeout    time.Duration
	OutputRegistrationTimeout        time.Duration
	TransactionSigningTimeout        time.Duration
	MaxVsizeAllocationPerAlice       int64
	DelayTransactionSigning          bool
}

func (p RoundParameters) IsInputTypeAllowed(scriptType txscript.ScriptClass) bool {
	return containsScriptType(p.AllowedInputTypes, scriptType)
}

func (p RoundParameters) IsOutputTypeAllowed(scriptType txscript.ScriptClass) bool {
	return containsScriptType(p.AllowedOutputTypes, scriptType)
}

// MinReasonableOutputAmount is the smallest output that is worth creating for
// any of the given script types: it must be allowed by the round and must cost
// less than the value it will have once spent again.
func (p RoundParameters) MinReasonableOutputAmount(
	scriptTypes []txscript.ScriptClass,
) btcutil.Amount {
	minimum := p.AllowedOutputAmounts.Min
	for _, scriptType := range scriptTypes {
		vsize := InputVsize(scriptType) + OutputVsize(scriptType)
		if fee := Fee(p.MiningFeeRate, vsize); fee > minimum {
			minimum = fee
		}
	}
	return minimum
}

type RoundInput struct {
	OutPoint wire.OutPoint
	TxOut    *wire.TxOut
}

// CoinjoinState is the shared transaction under construction as published by
// the coordinator.
type CoinjoinState struct {
	Inputs  []RoundInput
	Outputs []*wire.TxOut
}

func (s CoinjoinState) UnsignedTransaction() *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	for _, in := range s.Inputs {
		tx.AddTxIn(wire.NewTxIn(&in.OutPoint, nil, nil))
	}
	for _, out := range s.Outputs {
		tx.AddTxOut(wire.NewTxOut(out.Value, out.PkScript))
	}
	return tx
}

func (s CoinjoinState) Balance() btcutil.Amount {
	var balance int64
	for _, in := range s.Inputs {
		balance += in.TxOut.Value
	}
	for _, out := range s.Outputs {
		balance -= out.Value
	}
	return btcutil.Amount(balance)
}

// EstimatedVsize is the virtual size of the transaction once every input is
// signed.
func (s CoinjoinState) EstimatedVsize() int {
	estimator := &input.TxWeightEstimator{}
	for _, in := range s.Inputs {
		switch txscript.GetScriptClass(in.TxOut.PkScript) {
		case txscript.WitnessV1TaprootTy:
			estimator.AddTaprootKeySpendInput(txscript.SigHashDefault)
		case txscript.PubKeyHashTy:
			estimator.AddP2PKHInput()
		case txscript.ScriptHashTy:
			estimator.AddNestedP2WKHInput()
		default:
			estimator.AddP2WKHInput()
		}
	}
	for _, out := range s.Outputs {
		estimator.AddOutput(out.PkScript)
	}
	return estimator.VSize()
}

// EffectiveFeeRate is the fee rate the transaction actually pays.
func (s CoinjoinState) EffectiveFeeRate() chainfee.SatPerKVByte {
	vsize := s.EstimatedVsize()
	if vsize <= 0 {
		return 0
	}
	return chainfee.SatPerKVByte(int64(s.Balance()) * 1000 / int64(vsize))
}

type RoundState struct {
	ID                       chainhash.Hash
	BlameOf                  chainhash.Hash
	Phase                    Phase
	EndRoundState            EndRoundState
	InputRegistrationStart   time.Time
	InputRegistrationTimeout time.Duration
	Parameters               RoundParameters
	CoinjoinState            CoinjoinState
}

func (r RoundState) IsBlame() bool {
	return r.BlameOf != chainhash.Hash{}
}

func (r RoundState) InputRegistrationEnd() time.Time {
	return r.InputRegistrationStart.Add(r.InputRegistrationTimeout)
}

// RoundTimeout is the sum of every protocol phase deadline of the round.
func (r RoundState) RoundTimeout() time.Duration {
	return r.InputRegistrationTimeout +
		r.Parameters.ConnectionConfirmationTimeout +
		r.Parameters.OutputRegistrationTimeout +
		r.Parameters.TransactionSigningTimeout
}

func containsScriptType(list []txscript.ScriptClass, scriptType txscript.ScriptClass) bool {
	for _, t := range list {
		if t == scriptType {
			return true
		}
	}
	return false
}
