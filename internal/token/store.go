package token

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Info is one entry of a persisted per-chain token list.
type Info struct {
	Address   string  `json:"address"`
	Symbol    string  `json:"symbol"`
	Name      string  `json:"name"`
	Decimals  int     `json:"decimals"`
	LogoURI   string  `json:"logoURI,omitempty"`
	MarketCap float64 `json:"marketCap,omitempty"`
}

// Store holds the token lists for all configured chains. Lists are read from
// disk on startup and grown (never shrunk) when metadata lookups discover
// addresses not seen before.
type Store struct {
	log *zap.Logger

	mu    sync.RWMutex
	paths map[int64]string
	lists map[int64]map[string]Info // chain id -> checksum address -> info
}

func NewStore(log *zap.Logger) *Store {
	return &Store{
		log:   log,
		paths: make(map[int64]string),
		lists: make(map[int64]map[string]Info),
	}
}

// LoadChain reads the token-list file for one chain. A missing file is not an
// error: the list starts empty and is created on first append.
func (s *Store) LoadChain(chainID int64, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paths[chainID] = path
	s.lists[chainID] = make(map[string]Info)

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read token list %s: %w", path, err)
	}

	var infos []Info
	if err := json.Unmarshal(b, &infos); err != nil {
		return fmt.Errorf("parse token list %s: %w", path, err)
	}
	for _, ti := range infos {
		addr, err := ChecksumAddress(ti.Address)
		if err != nil {
			s.log.Warn("token list entry skipped", zap.String("address", ti.Address), zap.Error(err))
			continue
		}
		ti.Address = addr
		s.lists[chainID][addr] = ti
	}
	s.log.Info("token list loaded",
		zap.Int64("chain", chainID),
		zap.String("path", path),
		zap.Int("tokens", len(s.lists[chainID])),
	)
	return nil
}

func (s *Store) Lookup(k Key) (Info, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list, ok := s.lists[k.ChainID]
	if !ok {
		return Info{}, false
	}
	ti, ok := list[k.Address]
	return ti, ok
}

func (s *Store) All(chainID int64) []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Info, 0, len(s.lists[chainID]))
	for _, ti := range s.lists[chainID] {
		out = append(out, ti)
	}
	return out
}

// Append adds a newly discovered token to the in-memory list and persists the
// grown list. Existing entries are never replaced.
func (s *Store) Append(chainID int64, ti Info) error {
	addr, err := ChecksumAddress(ti.Address)
	if err != nil {
		return err
	}
	ti.Address = addr

	s.mu.Lock()
	defer s.mu.Unlock()

	list, ok := s.lists[chainID]
	if !ok {
		list = make(map[string]Info)
		s.lists[chainID] = list
	}
	if _, exists := list[addr]; exists {
		return nil
	}
	list[addr] = ti

	path, ok := s.paths[chainID]
	if !ok {
		return nil // chain has no backing file configured
	}
	infos := make([]Info, 0, len(list))
	for _, v := range list {
		infos = append(infos, v)
	}
	b, err := json.MarshalIndent(infos, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("persist token list %s: %w", path, err)
	}
	s.log.Info("token appended to list",
		zap.Int64("chain", chainID),
		zap.String("address", addr),
		zap.String("symbol", ti.Symbol),
	)
	return nil
}
