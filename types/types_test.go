package types_test

import (
	"context"
	"sync"
	"testing"

	"github.com/ark-network/coinjoin/types"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/require"
)

func TestPhase(t *testing.T) {
	fixtures := []struct {
		phase    types.Phase
		expected string
	}{
		{types.InputRegistrationPhase, "INPUT_REGISTRATION"},
		{types.ConnectionConfirmationPhase, "CONNECTION_CONFIRMATION"},
		{types.OutputRegistrationPhase, "OUTPUT_REGISTRATION"},
		{types.TransactionSigningPhase, "TRANSACTION_SIGNING"},
		{types.EndedPhase, "ENDED"},
		{types.Phase(42), "UNDEFINED"},
	}
	for _, f := range fixtures {
		require.Equal(t, f.expected, f.phase.String())
	}
	require.Less(t, types.InputRegistrationPhase, types.ConnectionConfirmationPhase)
	require.Less(t, types.TransactionSigningPhase, types.EndedPhase)
}

func TestCoin(t *testing.T) {
	t.Run("lock for coinjoin", func(t *testing.T) {
		coin := newCoin(t, 1_000_000, txscript.WitnessV0PubKeyHashTy)

		require.True(t, coin.TryLockForCoinJoin())
		require.False(t, coin.TryLockForCoinJoin())
		require.True(t, coin.CoinJoinInProgress())

		coin.UnlockFromCoinJoin()
		coin.UnlockFromCoinJoin()
		require.False(t, coin.CoinJoinInProgress())
	})

	t.Run("effective value", func(t *testing.T) {
		feeRate := chainfee.SatPerKVByte(10_000)
		segwit := newCoin(t, 1_000_000, txscript.WitnessV0PubKeyHashTy)
		taproot := newCoin(t, 1_000_000, txscript.WitnessV1TaprootTy)

		require.Equal(t, txscript.WitnessV0PubKeyHashTy, segwit.ScriptType())
		require.Equal(t, txscript.WitnessV1TaprootTy, taproot.ScriptType())
		require.Less(t, segwit.EffectiveValue(feeRate), segwit.Amount())
		require.Greater(t, taproot.EffectiveValue(feeRate), segwit.EffectiveValue(feeRate))
		require.Equal(t, segwit.Amount(), segwit.EffectiveValue(0))
	})
}

func TestPendingPayment(t *testing.T) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		make([]byte, 20), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)

	t.Run("resolved once", func(t *testing.T) {
		payment, err := types.NewPendingPayment(addr, 50_000, nil)
		require.NoError(t, err)
		require.True(t, payment.Start(context.Background()))

		roundID := chainhash.Hash{1}
		txid := chainhash.Hash{2}

		var wg sync.WaitGroup
		resolved := make(chan bool, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					resolved <- payment.Succeeded(roundID, txid, 3)
					return
				}
				resolved <- payment.Failed()
			}(i)
		}
		wg.Wait()
		close(resolved)

		count := 0
		for ok := range resolved {
			if ok {
				count++
			}
		}
		require.Equal(t, 1, count)
		require.True(t, payment.Resolved())
		require.False(t, payment.Start(context.Background()))

		result, ok := <-payment.Result()
		require.True(t, ok)
		require.NotEqual(t, types.PaymentStatus(0), result.Status)
		_, ok = <-payment.Result()
		require.False(t, ok)
	})

	t.Run("start callback", func(t *testing.T) {
		payment, err := types.NewPendingPayment(
			addr, 50_000, func(context.Context) bool { return false },
		)
		require.NoError(t, err)
		require.False(t, payment.Start(context.Background()))
		require.Equal(t, txscript.WitnessV0PubKeyHashTy, payment.ScriptType())
		require.Equal(t, int64(50_000), payment.TxOut().Value)
		require.Greater(t, payment.EffectiveCost(1000), payment.Amount)
	})
}

func TestCoinjoinState(t *testing.T) {
	in := newCoin(t, 1_000_000, txscript.WitnessV0PubKeyHashTy)
	state := types.CoinjoinState{
		Inputs: []types.RoundInput{{OutPoint: in.OutPoint, TxOut: in.TxOut}},
		Outputs: []*wire.TxOut{
			wire.NewTxOut(998_000, in.TxOut.PkScript),
		},
	}

	require.Equal(t, btcutil.Amount(2_000), state.Balance())
	vsize := state.EstimatedVsize()
	require.Greater(t, vsize, 100)
	require.Equal(t, chainfee.SatPerKVByte(2_000*1000/int64(vsize)), state.EffectiveFeeRate())

	tx := state.UnsignedTransaction()
	require.Len(t, tx.TxIn, 1)
	require.Len(t, tx.TxOut, 1)
	require.Equal(t, in.OutPoint, tx.TxIn[0].PreviousOutPoint)
}

func TestRoundParameters(t *testing.T) {
	params := types.RoundParameters{
		MiningFeeRate:        chainfee.SatPerKVByte(100_000),
		AllowedOutputAmounts: types.AmountRange{Min: 5_000, Max: 100_000_000},
		AllowedInputTypes:    []txscript.ScriptClass{txscript.WitnessV0PubKeyHashTy},
	}

	require.True(t, params.IsInputTypeAllowed(txscript.WitnessV0PubKeyHashTy))
	require.False(t, params.IsInputTypeAllowed(txscript.WitnessV1TaprootTy))
	require.False(t, params.IsOutputTypeAllowed(txscript.WitnessV0PubKeyHashTy))

	minimum := params.MinReasonableOutputAmount(
		[]txscript.ScriptClass{txscript.WitnessV0PubKeyHashTy},
	)
	// 100 sat/vB makes spending the output more expensive than the round minimum.
	require.Greater(t, minimum, params.AllowedOutputAmounts.Min)

	params.MiningFeeRate = 1000
	minimum = params.MinReasonableOutputAmount(
		[]txscript.ScriptClass{txscript.WitnessV0PubKeyHashTy},
	)
	require.Equal(t, params.AllowedOutputAmounts.Min, minimum)
}

func newCoin(t *testing.T, amount int64, scriptType txscript.ScriptClass) *types.Coin {
	t.Helper()

	var pkScript []byte
	switch scriptType {
	case txscript.WitnessV1TaprootTy:
		pkScript = append([]byte{txscript.OP_1, txscript.OP_DATA_32}, make([]byte, 32)...)
	default:
		pkScript = append([]byte{txscript.OP_0, txscript.OP_DATA_20}, make([]byte, 20)...)
	}
	return types.NewCoin(
		wire.OutPoint{Hash: chainhash.Hash{byte(amount)}, Index: 0},
		wire.NewTxOut(amount, pkScript), 1,
	)
}
