package store

import (
	"fmt"

	"github.com/ark-network/coinjoin/client"
	badgerstore "github.com/ark-network/coinjoin/store/badger"
	filestore "github.com/ark-network/coinjoin/store/file"
	inmemorystore "github.com/ark-network/coinjoin/store/inmemory"
	sqlitestore "github.com/ark-network/coinjoin/store/sqlite"
	"github.com/dgraph-io/badger/v4"
)

const (
	InMemoryStore = "inmemory"
	FileStore     = "file"
	BadgerStore   = "badger"
	SqliteStore   = "sqlite"
)

var supportedTypes = supportedType{
	InMemoryStore: {},
	FileStore:     {},
	BadgerStore:   {},
	SqliteStore:   {},
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return fmt.Sprintf("%v", types)
}

func IsSupportedType(storeType string) bool {
	_, ok := supportedTypes[storeType]
	return ok
}

type Config struct {
	Type string

	BaseDir      string
	BadgerLogger badger.Logger
}

// NewLiquidityClueStore returns the liquidity clue store of the given type.
// Only the in-memory store ignores BaseDir; the badger one runs in memory if
// BaseDir is empty.
func NewLiquidityClueStore(config Config) (client.LiquidityClueStore, error) {
	switch config.Type {
	case InMemoryStore:
		return inmemorystore.NewLiquidityClueStore(), nil
	case FileStore:
		return filestore.NewLiquidityClueStore(config.BaseDir)
	case BadgerStore:
		return badgerstore.NewLiquidityClueStore(config.BaseDir, config.BadgerLogger)
	case SqliteStore:
		return sqlitestore.NewLiquidityClueStore(config.BaseDir)
	default:
		return nil, fmt.Errorf(
			"unsupported liquidity store type %s, must be one of %s",
			config.Type, supportedTypes,
		)
	}
}
