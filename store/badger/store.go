package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ark-network/coinjoin/client"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold/v4"
)

const liquidityStoreDir = "liquidity"

type liquidityClue struct {
	Wallet    string
	Clue      int64
	UpdatedAt int64
}

type store struct {
	db     *badgerhold.Store
	stopGC func()
}

// NewLiquidityClueStore opens the store under dir, or in memory if dir is
// empty.
func NewLiquidityClueStore(dir string, logger badger.Logger) (client.LiquidityClueStore, error) {
	dbDir := ""
	if len(dir) > 0 {
		dbDir = filepath.Join(dir, liquidityStoreDir)
	}
	db, stopGC, err := createDB(dbDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open liquidity store: %s", err)
	}
	return &store{db, stopGC}, nil
}

func (s *store) GetLiquidityClue(
	_ context.Context, wallet string,
) (btcutil.Amount, bool, error) {
	var entry liquidityClue
	if err := s.db.Get(wallet, &entry); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return btcutil.Amount(entry.Clue), true, nil
}

func (s *store) SetLiquidityClue(
	_ context.Context, wallet string, clue btcutil.Amount,
) error {
	entry := liquidityClue{
		Wallet:    wallet,
		Clue:      int64(clue),
		UpdatedAt: time.Now().Unix(),
	}
	return s.db.Upsert(wallet, &entry)
}

func (s *store) Close() {
	s.stopGC()
	if err := s.db.Close(); err != nil {
		log.Debugf("error on closing liquidity store: %s", err)
	}
}

func createDB(dbDir string, logger badger.Logger) (*badgerhold.Store, func(), error) {
	isInMemory := len(dbDir) <= 0

	opts := badger.DefaultOptions(dbDir)
	opts.Logger = logger

	if isInMemory {
		opts.InMemory = true
	} else {
		opts.Compression = options.ZSTD
	}

	db, err := badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
	if err != nil {
		return nil, nil, err
	}

	if isInMemory {
		return db, func() {}, nil
	}

	ticker := time.NewTicker(30 * time.Minute)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := db.Badger().RunValueLogGC(0.5); err != nil && err != badger.ErrNoRewrite {
					log.WithError(err).Warn("liquidity store value log gc failed")
				}
			}
		}
	}()

	return db, func() {
		ticker.Stop()
		close(done)
	}, nil
}
