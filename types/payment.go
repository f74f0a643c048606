package types

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

const (
	PaymentSucceeded PaymentStatus = iota + 1
	PaymentFailed
)

type PaymentStatus int

func (s PaymentStatus) String() string {
	switch s {
	case PaymentSucceeded:
		return "SUCCEEDED"
	case PaymentFailed:
		return "FAILED"
	default:
		return "PENDING"
	}
}

type PaymentResult struct {
	Status      PaymentStatus
	RoundID     chainhash.Hash
	TxID        chainhash.Hash
	OutputIndex uint32
}

// PendingPayment is a payment queued by the wallet owner that a round may
// batch into the coinjoin. Its outcome is delivered exactly once on Result().
type PendingPayment struct {
	ID          string
	Destination btcutil.Address
	Amount      btcutil.Amount

	pkScript []byte
	start    func(context.Context) bool
	result   chan PaymentResult
	resolved atomic.Bool
}

// NewPendingPayment creates a payment. The optional start callback is asked
// right before the payment is batched and must return false if the payment
// was claimed elsewhere.
func NewPendingPayment(
	destination btcutil.Address, amount btcutil.Amount,
	start func(context.Context) bool,
) (*PendingPayment, error) {
	pkScript, err := txscript.PayToAddrScript(destination)
	if err != nil {
		return nil, fmt.Errorf("invalid payment destination: %s", err)
	}
	return &PendingPayment{
		ID:          uuid.New().String(),
		Destination: destination,
		Amount:      amount,
		pkScript:    pkScript,
		start:       start,
		result:      make(chan PaymentResult, 1),
	}, nil
}

func (p *PendingPayment) PkScript() []byte {
	return p.pkScript
}

func (p *PendingPayment) ScriptType() txscript.ScriptClass {
	return txscript.GetScriptClass(p.pkScript)
}

func (p *PendingPayment) TxOut() *wire.TxOut {
	return wire.NewTxOut(int64(p.Amount), p.pkScript)
}

// EffectiveCost is the value plus the fee of the output paying it.
func (p *PendingPayment) EffectiveCost(feeRate chainfee.SatPerKVByte) btcutil.Amount {
	return p.Amount + Fee(feeRate, OutputVsize(p.ScriptType()))
}

func (p *PendingPayment) Start(ctx context.Context) bool {
	if p.Resolved() {
		return false
	}
	if p.start == nil {
		return true
	}
	return p.start(ctx)
}

// Succeeded resolves the payment as included in the broadcast transaction.
// It returns false if the payment was already resolved.
func (p *PendingPayment) Succeeded(roundID, txid chainhash.Hash, outputIndex uint32) bool {
	return p.resolve(PaymentResult{
		Status:      PaymentSucceeded,
		RoundID:     roundID,
		TxID:        txid,
		OutputIndex: outputIndex,
	})
}

// Failed resolves the payment as not made. It returns false if the payment
// was already resolved.
func (p *PendingPayment) Failed() bool {
	return p.resolve(PaymentResult{Status: PaymentFailed})
}

func (p *PendingPayment) Resolved() bool {
	return p.resolved.Load()
}

func (p *PendingPayment) Result() <-chan PaymentResult {
	return p.result
}

func (p *PendingPayment) resolve(result PaymentResult) bool {
	if !p.resolved.CompareAndSwap(false, true) {
		return false
	}
	p.result <- result
	close(p.result)
	return true
}

// BatchedPayment pairs a payment with the output registered for it.
type BatchedPayment struct {
	TxOut   *wire.TxOut
	Payment *PendingPayment
}
