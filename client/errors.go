package client

import (
	"errors"
	"fmt"
	"time"

	"github.com/ark-network/coinjoin/types"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const (
	UnknownProtocolError ProtocolErrorCode = iota
	RoundNotFound
	WrongPhase
	AliceAlreadyRegistered
	AliceAlreadyConfirmedConnection
	InputSpent
	InputBanned
	InputLongBanned
	InputNotWhitelisted
	AlreadyRegisteredScript
	WitnessAlreadyProvided
)

// ProtocolErrorCode classifies a coordinator rejection.
type ProtocolErrorCode int

func (c ProtocolErrorCode) String() string {
	switch c {
	case RoundNotFound:
		return "ROUND_NOT_FOUND"
	case WrongPhase:
		return "WRONG_PHASE"
	case AliceAlreadyRegistered:
		return "ALICE_ALREADY_REGISTERED"
	case AliceAlreadyConfirmedConnection:
		return "ALICE_ALREADY_CONFIRMED_CONNECTION"
	case InputSpent:
		return "INPUT_SPENT"
	case InputBanned:
		return "INPUT_BANNED"
	case InputLongBanned:
		return "INPUT_LONG_BANNED"
	case InputNotWhitelisted:
		return "INPUT_NOT_WHITELISTED"
	case AlreadyRegisteredScript:
		return "ALREADY_REGISTERED_SCRIPT"
	case WitnessAlreadyProvided:
		return "WITNESS_ALREADY_PROVIDED"
	default:
		return "UNKNOWN"
	}
}

type ProtocolError struct {
	Code ProtocolErrorCode
	// CurrentPhase is set for WrongPhase.
	CurrentPhase types.Phase
	// BannedUntil is set for InputBanned and InputLongBanned when known.
	BannedUntil time.Time
	Message     string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("protocol error %s", e.Code)
	}
	return fmt.Sprintf("protocol error %s: %s", e.Code, e.Message)
}

// AsProtocolError extracts the protocol error wrapped in err, if any.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var protocolErr *ProtocolError
	if errors.As(err, &protocolErr) {
		return protocolErr, true
	}
	return nil, false
}

func IsProtocolError(err error, code ProtocolErrorCode) bool {
	protocolErr, ok := AsProtocolError(err)
	return ok && protocolErr.Code == code
}

// UnexpectedRoundPhaseError is returned while waiting for a phase the round
// will never reach.
type UnexpectedRoundPhaseError struct {
	RoundID    chainhash.Hash
	Expected   types.Phase
	RoundState types.RoundState
}

func (e *UnexpectedRoundPhaseError) Error() string {
	return fmt.Sprintf(
		"round %s unexpected phase: expected %s, got %s",
		e.RoundID, e.Expected, e.RoundState.Phase,
	)
}

func AsUnexpectedRoundPhaseError(err error) (*UnexpectedRoundPhaseError, bool) {
	var phaseErr *UnexpectedRoundPhaseError
	if errors.As(err, &phaseErr) {
		return phaseErr, true
	}
	return nil, false
}
