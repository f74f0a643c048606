package liquidity

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ark-network/coinjoin/client"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	log "github.com/sirupsen/logrus"
)

// Provider keeps the liquidity clue of every wallet: the median value of the
// outputs other participants registered in the last coinjoin the wallet took
// part in.
type Provider struct {
	store client.LiquidityClueStore

	lock  *sync.RWMutex
	clues map[string]btcutil.Amount
}

func NewProvider(store client.LiquidityClueStore) *Provider {
	return &Provider{
		store: store,
		lock:  &sync.RWMutex{},
		clues: make(map[string]btcutil.Amount),
	}
}

// InitLiquidityClue loads the persisted clue of the wallet, if any.
func (p *Provider) InitLiquidityClue(ctx context.Context, wallet string) error {
	clue, ok, err := p.store.GetLiquidityClue(ctx, wallet)
	if err != nil {
		return fmt.Errorf("failed to load liquidity clue: %s", err)
	}
	if !ok {
		return nil
	}

	p.lock.Lock()
	defer p.lock.Unlock()
	p.clues[wallet] = clue
	return nil
}

// GetLiquidityClue returns the clue capped at maxSuggestedAmount, or
// maxSuggestedAmount itself if the wallet has no clue yet.
func (p *Provider) GetLiquidityClue(wallet string, maxSuggestedAmount btcutil.Amount) btcutil.Amount {
	p.lock.RLock()
	defer p.lock.RUnlock()

	clue, ok := p.clues[wallet]
	if !ok {
		return maxSuggestedAmount
	}
	return capAmount(clue, maxSuggestedAmount)
}

// UpdateLiquidityClue recomputes the clue from the foreign outputs of the
// coinjoin and persists it. Nothing changes if every output is the wallet's.
func (p *Provider) UpdateLiquidityClue(
	ctx context.Context, wallet string, maxSuggestedAmount btcutil.Amount,
	tx *wire.MsgTx, ownOutputs []*wire.TxOut,
) error {
	foreign := foreignOutputValues(tx, ownOutputs)
	if len(foreign) <= 0 {
		return nil
	}
	sort.Slice(foreign, func(i, j int) bool { return foreign[i] < foreign[j] })
	clue := capAmount(foreign[len(foreign)/2], maxSuggestedAmount)

	p.lock.Lock()
	p.clues[wallet] = clue
	p.lock.Unlock()

	if err := p.store.SetLiquidityClue(ctx, wallet, clue); err != nil {
		return fmt.Errorf("failed to persist liquidity clue: %s", err)
	}
	log.WithField("wallet", wallet).Debugf("liquidity clue updated to %s", clue)
	return nil
}

func foreignOutputValues(tx *wire.MsgTx, ownOutputs []*wire.TxOut) []btcutil.Amount {
	own := append([]*wire.TxOut{}, ownOutputs...)
	values := make([]btcutil.Amount, 0, len(tx.TxOut))
	for _, out := range tx.TxOut {
		mine := false
		for i, o := range own {
			if o.Value == out.Value && bytes.Equal(o.PkScript, out.PkScript) {
				own = append(own[:i], own[i+1:]...)
				mine = true
				break
			}
		}
		if !mine {
			values = append(values, btcutil.Amount(out.Value))
		}
	}
	return values
}

func capAmount(amount, max btcutil.Amount) btcutil.Amount {
	if max > 0 && amount > max {
		return max
	}
	return amount
}
