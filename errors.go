package coinjoin

import (
	"errors"
	"fmt"

	"github.com/ark-network/coinjoin/types"
)

const (
	UnknownClientError ErrorCode = iota
	NoCoinsEligibleToMix
	UneconomicalRound
	MiningFeeRateTooHigh
	MinInputCountTooLow
	CoinsRejected
	UserWasntInRound
	AllCoinsPrivate
	NotEnoughUnprivateBalance
)

var (
	ErrNoCoinsEligibleToMix      = &ClientError{Code: NoCoinsEligibleToMix}
	ErrUneconomicalRound         = &ClientError{Code: UneconomicalRound}
	ErrMiningFeeRateTooHigh      = &ClientError{Code: MiningFeeRateTooHigh}
	ErrMinInputCountTooLow       = &ClientError{Code: MinInputCountTooLow}
	ErrCoinsRejected             = &ClientError{Code: CoinsRejected}
	ErrUserWasntInRound          = &ClientError{Code: UserWasntInRound}
	ErrAllCoinsPrivate           = &ClientError{Code: AllCoinsPrivate}
	ErrNotEnoughUnprivateBalance = &ClientError{Code: NotEnoughUnprivateBalance}
)

// ErrorCode classifies the errors that abort a round attempt because of the
// wallet's policy.
type ErrorCode int

func (c ErrorCode) String() string {
	switch c {
	case NoCoinsEligibleToMix:
		return "NO_COINS_ELIGIBLE_TO_MIX"
	case UneconomicalRound:
		return "UNECONOMICAL_ROUND"
	case MiningFeeRateTooHigh:
		return "MINING_FEE_RATE_TOO_HIGH"
	case MinInputCountTooLow:
		return "MIN_INPUT_COUNT_TOO_LOW"
	case CoinsRejected:
		return "COINS_REJECTED"
	case UserWasntInRound:
		return "USER_WASNT_IN_ROUND"
	case AllCoinsPrivate:
		return "ALL_COINS_PRIVATE"
	case NotEnoughUnprivateBalance:
		return "NOT_ENOUGH_UNPRIVATE_BALANCE"
	default:
		return "UNKNOWN"
	}
}

type ClientError struct {
	Code    ErrorCode
	Message string
}

func newClientError(code ErrorCode, format string, args ...interface{}) error {
	return &ClientError{code, fmt.Sprintf(format, args...)}
}

func (e *ClientError) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is makes errors.Is match any client error with the same code.
func (e *ClientError) Is(target error) bool {
	t, ok := target.(*ClientError)
	return ok && t.Code == e.Code
}

// StopsMixing reports whether err means the wallet has nothing left to mix,
// so searching another round is pointless.
func StopsMixing(err error) bool {
	clientErr, ok := asClientError(err)
	if !ok {
		return false
	}
	switch clientErr.Code {
	case NoCoinsEligibleToMix, AllCoinsPrivate, NotEnoughUnprivateBalance:
		return true
	default:
		return false
	}
}

func asClientError(err error) (*ClientError, bool) {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr, true
	}
	return nil, false
}

// UnknownRoundEndingError is returned when the end of a round could not be
// observed. The outcome of the signed coins is unknown until the wallet sees
// the coinjoin, or not, on chain.
type UnknownRoundEndingError struct {
	SignedCoins   []*types.Coin
	OutputScripts [][]byte
	Err           error
}

func (e *UnknownRoundEndingError) Error() string {
	return fmt.Sprintf("failed to observe round ending: %s", e.Err)
}

func (e *UnknownRoundEndingError) Unwrap() error {
	return e.Err
}
