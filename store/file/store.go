package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ark-network/coinjoin/client"
	"github.com/btcsuite/btcd/btcutil"
)

const liquidityStoreFilename = "liquidity.json"

type store struct {
	filePath string
	lock     *sync.Mutex
}

func NewLiquidityClueStore(baseDir string) (client.LiquidityClueStore, error) {
	if len(baseDir) <= 0 {
		return nil, fmt.Errorf("missing base directory")
	}

	datadir := expandPath(baseDir)
	if err := os.MkdirAll(datadir, os.ModeDir|0755); err != nil {
		return nil, fmt.Errorf("failed to initialize datadir: %s", err)
	}

	s := &store{
		filePath: filepath.Join(datadir, liquidityStoreFilename),
		lock:     &sync.Mutex{},
	}
	if _, err := s.open(); err != nil {
		return nil, fmt.Errorf("failed to open store: %s", err)
	}
	return s, nil
}

func (s *store) Close() {}

func (s *store) GetLiquidityClue(
	_ context.Context, wallet string,
) (btcutil.Amount, bool, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	data, err := s.open()
	if err != nil {
		return 0, false, err
	}
	value, ok := data[wallet]
	if !ok {
		return 0, false, nil
	}
	clue, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("invalid liquidity clue for wallet %s: %s", wallet, err)
	}
	return btcutil.Amount(clue), true, nil
}

func (s *store) SetLiquidityClue(
	_ context.Context, wallet string, clue btcutil.Amount,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	data, err := s.open()
	if err != nil {
		return err
	}
	data[wallet] = strconv.FormatInt(int64(clue), 10)

	if err := s.write(data); err != nil {
		return fmt.Errorf("failed to write to store: %s", err)
	}
	return nil
}

func (s *store) open() (map[string]string, error) {
	file, err := os.ReadFile(s.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to open store: %s", err)
		}
		data := map[string]string{}
		if err := s.write(data); err != nil {
			return nil, fmt.Errorf("failed to initialize store: %s", err)
		}
		return data, nil
	}

	data := map[string]string{}
	if len(file) <= 0 {
		return data, nil
	}
	if err := json.Unmarshal(file, &data); err != nil {
		return nil, fmt.Errorf("failed to read file store: %s", err)
	}
	return data, nil
}

func (s *store) write(data map[string]string) error {
	jsonString, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return os.WriteFile(s.filePath, jsonString, 0644)
}

// expandPath replaces a leading ~ with the home dir and expands env vars.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			path = home + strings.TrimPrefix(path, "~")
		}
	}
	return filepath.Clean(os.ExpandEnv(path))
}
