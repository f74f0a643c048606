package types

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// InputVsize returns the virtual size of a signed input spending the given
// script type. Unknown types are sized as P2WPKH.
func InputVsize(scriptType txscript.ScriptClass) int {
	var witnessSize int
	switch scriptType {
	case txscript.WitnessV1TaprootTy:
		witnessSize = input.TaprootKeyPathWitnessSize
	default:
		witnessSize = input.P2WKHWitnessSize
	}
	weight := input.InputSize*4 + witnessSize
	return (weight + 3) / 4
}

// OutputVsize returns the size of an output paying to the given script type.
func OutputVsize(scriptType txscript.ScriptClass) int {
	switch scriptType {
	case txscript.WitnessV1TaprootTy:
		return input.P2TROutputSize
	case txscript.WitnessV0ScriptHashTy:
		return input.P2WSHOutputSize
	case txscript.PubKeyHashTy:
		return input.P2PKHOutputSize
	case txscript.ScriptHashTy:
		return input.P2SHOutputSize
	default:
		return input.P2WKHOutputSize
	}
}

func Fee(feeRate chainfee.SatPerKVByte, vsize int) btcutil.Amount {
	return feeRate.FeeForVSize(lntypes.VByte(vsize))
}

// SatPerVByte converts a fee rate to sat/vB.
func SatPerVByte(feeRate chainfee.SatPerKVByte) float64 {
	return float64(feeRate) / 1000
}

func SumAmounts(amounts []btcutil.Amount) btcutil.Amount {
	var sum btcutil.Amount
	for _, a := range amounts {
		sum += a
	}
	return sum
}
