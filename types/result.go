package types

import (
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// CoinJoinResult is the terminal outcome of one orchestration pass. It is one
// of SuccessfulCoinJoinResult, FailedCoinJoinResult or DisruptedCoinJoinResult.
type CoinJoinResult interface {
	isCoinJoinResult()
}

type SuccessfulCoinJoinResult struct {
	RoundID          chainhash.Hash
	Coins            []*Coin
	Outputs          []*wire.TxOut
	HandledPayments  []BatchedPayment
	UnsignedCoinJoin *wire.MsgTx
}

type FailedCoinJoinResult struct{}

// DisruptedCoinJoinResult is returned when the round ended because not every
// input signed. SignedCoins are the coins that may follow the blame round.
type DisruptedCoinJoinResult struct {
	SignedCoins []*Coin
	Abandon     bool
}

func (SuccessfulCoinJoinResult) isCoinJoinResult() {}
func (FailedCoinJoinResult) isCoinJoinResult()     {}
func (DisruptedCoinJoinResult) isCoinJoinResult()  {}
