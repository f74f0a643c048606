package inmemorystore

import (
	"context"
	"sync"

	"github.com/ark-network/coinjoin/client"
	"github.com/btcsuite/btcd/btcutil"
)

type store struct {
	clues map[string]btcutil.Amount
	lock  *sync.RWMutex
}

func NewLiquidityClueStore() client.LiquidityClueStore {
	return &store{
		clues: make(map[string]btcutil.Amount),
		lock:  &sync.RWMutex{},
	}
}

func (s *store) Close() {}

func (s *store) GetLiquidityClue(
	_ context.Context, wallet string,
) (btcutil.Amount, bool, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	clue, ok := s.clues[wallet]
	return clue, ok, nil
}

func (s *store) SetLiquidityClue(
	_ context.Context, wallet string, clue btcutil.Amount,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.clues[wallet] = clue
	return nil
}
