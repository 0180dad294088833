package registry

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	jsoniter "github.com/json-iterator/go"
)

const (
	recordVersion = 1
	botPrefix     = "bot|"

	defaultCacheSizeBytes  = int64(8 << 20)
	defaultBloomFilterBits = 10
)

var (
	json           = jsoniter.ConfigCompatibleWithStandardLibrary
	errStoreClosed = errors.New("registry: store is closed")
)

type record struct {
	Version   int       `json:"version"`
	Identity  Identity  `json:"identity"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store keeps identities in a Pebble database, one JSON record per key
// "bot|<name>".
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache
	now   func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Open opens or creates the store at path (a directory).
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("registry: database path is empty")
	}
	if info, err := os.Stat(path); err == nil {
		if !info.IsDir() {
			return nil, fmt.Errorf("registry: %s exists and is not a directory", path)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("registry: stat path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("registry: ensure directory: %w", err)
	}

	cache := pebble.NewCache(defaultCacheSizeBytes)
	opts := &pebble.Options{Cache: cache}
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(defaultBloomFilterBits),
		FilterType:   pebble.TableFilter,
	}
	opts.Levels = make([]pebble.LevelOptions, 7)
	for i := range opts.Levels {
		opts.Levels[i] = level
	}

	db, err := pebble.Open(path, opts)
	if err != nil {
		cache.Unref()
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	return &Store{db: db, cache: cache, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

func botKey(name string) []byte {
	return []byte(botPrefix + name)
}

// Get returns the identity stored under name.
func (s *Store) Get(name string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Identity{}, errStoreClosed
	}
	value, closer, err := s.db.Get(botKey(name))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Identity{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Identity{}, fmt.Errorf("registry: get %s: %w", name, err)
	}
	defer closer.Close()
	return decodeRecord(name, value)
}

// Exists reports whether name is stored.
func (s *Store) Exists(name string) (bool, error) {
	_, err := s.Get(name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if errors.Is(err, ErrInvalidIdentity) {
		return true, nil
	}
	return err == nil, err
}

// Put validates and stores id, replacing any record with the same name.
func (s *Store) Put(id Identity) error {
	if err := id.Validate(); err != nil {
		return err
	}
	value, err := json.Marshal(record{Version: recordVersion, Identity: id, UpdatedAt: s.now()})
	if err != nil {
		return fmt.Errorf("registry: encode %s: %w", id.Name, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	if err := s.db.Set(botKey(id.Name), value, pebble.Sync); err != nil {
		return fmt.Errorf("registry: put %s: %w", id.Name, err)
	}
	return nil
}

// Delete removes name. Deleting a missing name returns ErrNotFound.
func (s *Store) Delete(name string) error {
	ok, err := s.Exists(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	if err := s.db.Delete(botKey(name), pebble.Sync); err != nil {
		return fmt.Errorf("registry: delete %s: %w", name, err)
	}
	return nil
}

// Purpose: Return every stored identity from one consistent view.
// Key aspects: Reads through a Pebble snapshot so concurrent Put/Delete calls
// never produce a torn listing. Malformed records are skipped and reported in
// the joined error alongside the valid identities.
// Upstream: run command startup, bot list.
// Downstream: Pebble snapshot iterator.
func (s *Store) List() ([]Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}
	snap := s.db.NewSnapshot()
	defer snap.Close()

	iter, err := snap.NewIter(&pebble.IterOptions{
		LowerBound: []byte(botPrefix),
		UpperBound: []byte("bot}"), // '|'+1
	})
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer iter.Close()

	var (
		ids  []Identity
		errs []error
	)
	for iter.First(); iter.Valid(); iter.Next() {
		name := strings.TrimPrefix(string(iter.Key()), botPrefix)
		id, err := decodeRecord(name, iter.Value())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	return ids, errors.Join(errs...)
}

func decodeRecord(name string, value []byte) (Identity, error) {
	var rec record
	if err := json.Unmarshal(value, &rec); err != nil {
		return Identity{}, fmt.Errorf("%w: %s: decode: %v", ErrInvalidIdentity, name, err)
	}
	if rec.Version != recordVersion {
		return Identity{}, fmt.Errorf("%w: %s: unsupported record version %d", ErrInvalidIdentity, name, rec.Version)
	}
	if rec.Identity.Name != name {
		return Identity{}, fmt.Errorf("%w: %s: record names %q", ErrInvalidIdentity, name, rec.Identity.Name)
	}
	if err := rec.Identity.Validate(); err != nil {
		return Identity{}, err
	}
	return rec.Identity, nil
}

