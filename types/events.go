package types

import (
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Event reports the progress of a coinjoin to the hosting wallet.
type Event interface {
	isCoinJoinEvent()
}

type WaitingForRound struct{}

type WaitingForBlameRound struct {
	BlameOf  chainhash.Hash
	Deadline time.Time
}

type EnteringInputRegistrationPhase struct {
	RoundState RoundState
	Deadline   time.Time
}

type EnteringConnectionConfirmationPhase struct {
	RoundState RoundState
	Deadline   time.Time
}

type EnteringOutputRegistrationPhase struct {
	RoundState RoundState
	Deadline   time.Time
}

type EnteringSigningPhase struct {
	RoundState RoundState
	Deadline   time.Time
}

// EnteringCriticalPhase is emitted once the wallet's inputs were confirmed:
// leaving the round from here on gets the inputs banned.
type EnteringCriticalPhase struct{}

type LeavingCriticalPhase struct{}

type RoundEnded struct {
	LastRoundState RoundState
}

type CoinBanned struct {
	Coin        *Coin
	BannedUntil time.Time
}

func (WaitingForRound) isCoinJoinEvent()                     {}
func (WaitingForBlameRound) isCoinJoinEvent()                {}
func (EnteringInputRegistrationPhase) isCoinJoinEvent()      {}
func (EnteringConnectionConfirmationPhase) isCoinJoinEvent() {}
func (EnteringOutputRegistrationPhase) isCoinJoinEvent()     {}
func (EnteringSigningPhase) isCoinJoinEvent()                {}
func (EnteringCriticalPhase) isCoinJoinEvent()               {}
func (LeavingCriticalPhase) isCoinJoinEvent()                {}
func (RoundEnded) isCoinJoinEvent()                          {}
func (CoinBanned) isCoinJoinEvent()                          {}
