package coinjoin_test

import (
	"testing"

	"github.com/ark-network/coinjoin"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

func TestSanityCheck(t *testing.T) {
	mine := []*wire.TxOut{
		wire.NewTxOut(100_000, []byte{0x00, 0x14, 0x01}),
		wire.NewTxOut(200_000, []byte{0x00, 0x14, 0x02}),
	}
	foreign := wire.NewTxOut(300_000, []byte{0x00, 0x14, 0x03})

	t.Run("valid", func(t *testing.T) {
		require.True(t, coinjoin.SanityCheck(mine, []*wire.TxOut{foreign, mine[1], mine[0]}))
		require.True(t, coinjoin.SanityCheck(nil, []*wire.TxOut{foreign}))

		more := wire.NewTxOut(mine[0].Value+1, mine[0].PkScript)
		require.True(t, coinjoin.SanityCheck(mine, []*wire.TxOut{more, mine[1]}))
	})

	t.Run("invalid", func(t *testing.T) {
		fixtures := []struct {
			name    string
			outputs []*wire.TxOut
		}{
			{"missing output", []*wire.TxOut{foreign, mine[0]}},
			{"lower value", []*wire.TxOut{wire.NewTxOut(mine[0].Value-1, mine[0].PkScript), mine[1]}},
			{"no outputs", nil},
		}
		for _, f := range fixtures {
			t.Run(f.name, func(t *testing.T) {
				require.False(t, coinjoin.SanityCheck(mine, f.outputs))
			})
		}
	})
}

func TestIsFeeSkimmed(t *testing.T) {
	require.False(t, coinjoin.IsFeeSkimmed(10_000, 10_000))
	require.False(t, coinjoin.IsFeeSkimmed(9_001, 10_000))
	require.True(t, coinjoin.IsFeeSkimmed(9_000, 10_000))
	require.True(t, coinjoin.IsFeeSkimmed(0, 10_000))
}
