package types

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// Coin is an owned, confirmed and unspent output that may be offered to a
// round. The bookkeeping flags are updated concurrently by round attempts.
type Coin struct {
	OutPoint     wire.OutPoint
	TxOut        *wire.TxOut
	AnonymitySet float64
	Confirmed    bool

	coinJoinInProgress atomic.Bool

	lock                    sync.RWMutex
	spentAccordingToBackend bool
	bannedUntil             time.Time
}

func NewCoin(outpoint wire.OutPoint, txOut *wire.TxOut, anonymitySet float64) *Coin {
	return &Coin{
		OutPoint:     outpoint,
		TxOut:        txOut,
		AnonymitySet: anonymitySet,
		Confirmed:    true,
	}
}

func (c *Coin) Amount() btcutil.Amount {
	return btcutil.Amount(c.TxOut.Value)
}

func (c *Coin) ScriptType() txscript.ScriptClass {
	return txscript.GetScriptClass(c.TxOut.PkScript)
}

// EffectiveValue is the coin amount net of the fee paid to spend it.
func (c *Coin) EffectiveValue(feeRate chainfee.SatPerKVByte) btcutil.Amount {
	return c.Amount() - Fee(feeRate, InputVsize(c.ScriptType()))
}

func (c *Coin) IsPrivate(anonScoreTarget int) bool {
	return c.AnonymitySet >= float64(anonScoreTarget)
}

// TryLockForCoinJoin marks the coin as in-flight. It returns false if the coin
// is already part of another round attempt.
func (c *Coin) TryLockForCoinJoin() bool {
	return c.coinJoinInProgress.CompareAndSwap(false, true)
}

func (c *Coin) UnlockFromCoinJoin() {
	c.coinJoinInProgress.Store(false)
}

func (c *Coin) CoinJoinInProgress() bool {
	return c.coinJoinInProgress.Load()
}

func (c *Coin) SetSpentAccordingToBackend(spent bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.spentAccordingToBackend = spent
}

func (c *Coin) SpentAccordingToBackend() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.spentAccordingToBackend
}

func (c *Coin) SetBannedUntil(until time.Time) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.bannedUntil = until
}

func (c *Coin) BannedUntil() time.Time {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.bannedUntil
}

func (c *Coin) IsBanned(now time.Time) bool {
	return now.Before(c.BannedUntil())
}

// Alice is a coin registered into a round together with the credentials the
// coordinator issued for it. It only lives as long as the round attempt.
type Alice struct {
	ID                      string
	RoundID                 chainhash.Hash
	Coin                    *Coin
	EffectiveValue          btcutil.Amount
	IssuedAmountCredentials []btcutil.Amount
	IssuedVsizeCredentials  []int64
	ConfirmedConnection     bool
}

func (a *Alice) AvailableVsize() int64 {
	var total int64
	for _, v := range a.IssuedVsizeCredentials {
		total += v
	}
	return total
}
