package liquidity_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/ark-network/coinjoin/liquidity"
	inmemorystore "github.com/ark-network/coinjoin/store/inmemory"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockedStore struct {
	mock.Mock
}

func (m *mockedStore) GetLiquidityClue(
	_ context.Context, wallet string,
) (btcutil.Amount, bool, error) {
	args := m.Called(wallet)
	return args.Get(0).(btcutil.Amount), args.Bool(1), args.Error(2)
}

func (m *mockedStore) SetLiquidityClue(
	_ context.Context, wallet string, clue btcutil.Amount,
) error {
	return m.Called(wallet, clue).Error(0)
}

func (m *mockedStore) Close() {}

func TestLiquidityClue(t *testing.T) {
	ctx := context.Background()
	maxSuggested := btcutil.Amount(10_000_000)

	t.Run("no clue", func(t *testing.T) {
		provider := liquidity.NewProvider(inmemorystore.NewLiquidityClueStore())
		require.NoError(t, provider.InitLiquidityClue(ctx, "wallet"))
		require.Equal(t, maxSuggested, provider.GetLiquidityClue("wallet", maxSuggested))
	})

	t.Run("persisted clue", func(t *testing.T) {
		store := inmemorystore.NewLiquidityClueStore()
		require.NoError(t, store.SetLiquidityClue(ctx, "wallet", 20_000_000))

		provider := liquidity.NewProvider(store)
		require.NoError(t, provider.InitLiquidityClue(ctx, "wallet"))
		require.Equal(t, maxSuggested, provider.GetLiquidityClue("wallet", maxSuggested))
		require.Equal(t, btcutil.Amount(20_000_000), provider.GetLiquidityClue("wallet", 0))
	})

	t.Run("update from coinjoin", func(t *testing.T) {
		store := inmemorystore.NewLiquidityClueStore()
		provider := liquidity.NewProvider(store)

		own := []*wire.TxOut{newTxOut(1_000_000, 1), newTxOut(500_000, 2)}
		tx := wire.NewMsgTx(2)
		tx.AddTxOut(own[0])
		tx.AddTxOut(newTxOut(1_000_000, 3))
		tx.AddTxOut(newTxOut(2_000_000, 4))
		tx.AddTxOut(own[1])
		tx.AddTxOut(newTxOut(4_000_000, 5))

		err := provider.UpdateLiquidityClue(ctx, "wallet", maxSuggested, tx, own)
		require.NoError(t, err)
		require.Equal(t, btcutil.Amount(2_000_000), provider.GetLiquidityClue("wallet", maxSuggested))

		clue, ok, err := store.GetLiquidityClue(ctx, "wallet")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, btcutil.Amount(2_000_000), clue)
	})

	t.Run("only own outputs", func(t *testing.T) {
		store := &mockedStore{}
		provider := liquidity.NewProvider(store)

		own := []*wire.TxOut{newTxOut(1_000_000, 1)}
		tx := wire.NewMsgTx(2)
		tx.AddTxOut(own[0])

		err := provider.UpdateLiquidityClue(ctx, "wallet", maxSuggested, tx, own)
		require.NoError(t, err)
		store.AssertNotCalled(t, "SetLiquidityClue", mock.Anything, mock.Anything)
	})

	t.Run("store failure", func(t *testing.T) {
		store := &mockedStore{}
		store.On("GetLiquidityClue", "wallet").
			Return(btcutil.Amount(0), false, fmt.Errorf("db closed"))
		store.On("SetLiquidityClue", "wallet", btcutil.Amount(3_000_000)).
			Return(fmt.Errorf("db closed"))

		provider := liquidity.NewProvider(store)
		require.ErrorContains(t, provider.InitLiquidityClue(ctx, "wallet"), "db closed")

		tx := wire.NewMsgTx(2)
		tx.AddTxOut(newTxOut(3_000_000, 1))
		err := provider.UpdateLiquidityClue(ctx, "wallet", maxSuggested, tx, nil)
		require.ErrorContains(t, err, "db closed")
		// The in-memory clue is kept even if persisting fails.
		require.Equal(t, btcutil.Amount(3_000_000), provider.GetLiquidityClue("wallet", maxSuggested))
	})
}

func newTxOut(value int64, id byte) *wire.TxOut {
	pkScript := make([]byte, 22)
	pkScript[1], pkScript[2] = 0x14, id
	return wire.NewTxOut(value, pkScript)
}
