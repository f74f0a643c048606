package coinjoin

import (
	"time"

	"github.com/ark-network/coinjoin/types"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// feeRateTolerance absorbs rounding errors, in sat/vB.
const feeRateTolerance = 0.5

// IsRoundEconomic reports whether the round fee rate is acceptable: not above
// the wallet's explicit ceiling, if any, and if a time frame is set, not above the
// median fee rate of that time frame. Medians of missing time frames are
// interpolated from the nearest known ones. There's nothing to compare to if
// no median is known, and the round is not economic.
func IsRoundEconomic(
	roundFeeRate chainfee.SatPerKVByte, explicitHighestFeeTarget float64,
	timeFrame time.Duration, medians map[time.Duration]chainfee.SatPerKVByte,
) bool {
	feeRate := types.SatPerVByte(roundFeeRate)
	if explicitHighestFeeTarget > 0 && explicitHighestFeeTarget < feeRate {
		return false
	}
	if timeFrame == 0 {
		return true
	}

	if median, ok := medians[timeFrame]; ok {
		return feeRate <= types.SatPerVByte(median)+feeRateTolerance
	}

	var before, after time.Duration
	for frame := range medians {
		if frame <= timeFrame && frame > before {
			before = frame
		}
		if frame > timeFrame && (after == 0 || frame < after) {
			after = frame
		}
	}

	var median float64
	switch {
	case before > 0 && after > 0:
		fraction := float64(timeFrame-before) / float64(after-before)
		lower := types.SatPerVByte(medians[before])
		upper := types.SatPerVByte(medians[after])
		median = lower + fraction*(upper-lower)
	case before > 0:
		median = types.SatPerVByte(medians[before])
	case after > 0:
		median = types.SatPerVByte(medians[after])
	default:
		return false
	}
	return feeRate <= median+feeRateTolerance
}
