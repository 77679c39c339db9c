// Package state persists the base snapshot: the last payload of every
// entity as it was when local and remote last agreed.
package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/schaermu/wsync/internal/entity"
	"github.com/schaermu/wsync/internal/treediff"
)

// DefaultPath is where the snapshot lives relative to the workspace root
const DefaultPath = ".wsync/state.json"

const snapshotVersion = 1

// Snapshot is the on-disk format of the base state
type Snapshot struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Entities  map[string]Entry `json:"entities"`
}

// Entry is the base payload of one entity
type Entry struct {
	Kind    entity.Kind `json:"kind"`
	Path    string      `json:"path"`
	Hash    string      `json:"hash"` // SHA256 of the canonical payload
	Payload any         `json:"payload"`
}

// Store is a mutex guarded base snapshot. Reads and writes happen in
// memory; Save persists the whole snapshot atomically.
type Store struct {
	fs   billy.Filesystem
	path string

	mu    sync.Mutex
	snap  Snapshot
	dirty bool
}

// Open loads the snapshot at p, starting empty when it does not exist
func Open(fs billy.Filesystem, p string) (*Store, error) {
	s := &Store{
		fs:   fs,
		path: p,
		snap: Snapshot{Version: snapshotVersion, Entities: make(map[string]Entry)},
	}

	data, err := util.ReadFile(fs, p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&s.snap); err != nil {
		return nil, fmt.Errorf("failed to parse state file %s: %w", p, err)
	}
	if s.snap.Version > snapshotVersion {
		return nil, fmt.Errorf("state file %s has unsupported version %d", p, s.snap.Version)
	}
	if s.snap.Entities == nil {
		s.snap.Entities = make(map[string]Entry)
	}
	return s, nil
}

// Get returns a copy of the base payload of ref
func (s *Store) Get(ref entity.Ref) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.snap.Entities[ref.Key()]
	if !ok {
		return nil, false
	}
	return treediff.Clone(e.Payload), true
}

// Put records payload as the base of ref
func (s *Store) Put(ref entity.Ref, payload any) error {
	canonical, err := entity.Canonical(payload)
	if err != nil {
		return err
	}
	hash, err := payloadHash(canonical)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Entities[ref.Key()] = Entry{Kind: ref.Kind, Path: ref.Path, Hash: hash, Payload: canonical}
	s.dirty = true
	return nil
}

// Delete forgets the base of ref
func (s *Store) Delete(ref entity.Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snap.Entities[ref.Key()]; ok {
		delete(s.snap.Entities, ref.Key())
		s.dirty = true
	}
}

// Refs lists every entity with a base, sorted by key
func (s *Store) Refs() []entity.Ref {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.snap.Entities))
	for k := range s.snap.Entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	refs := make([]entity.Ref, 0, len(keys))
	for _, k := range keys {
		e := s.snap.Entities[k]
		refs = append(refs, entity.Ref{Kind: e.Kind, Path: e.Path})
	}
	return refs
}

// Len returns the number of entities with a base
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snap.Entities)
}

// Save persists the snapshot if it changed, replacing the previous file
// atomically
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	s.snap.Version = snapshotVersion
	s.snap.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(s.snap, "", "  ")
	if err != nil {
		return err
	}

	if err := s.writeAtomic(data); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	s.dirty = false
	return nil
}

// writeAtomic writes data to a temp file next to the state file and
// renames it into place
func (s *Store) writeAtomic(data []byte) error {
	dir := path.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := util.TempFile(s.fs, dir, ".wsync-tmp-")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = s.fs.Remove(tmpPath)
	}() // cleanup on error

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return s.fs.Rename(tmpPath, s.path)
}

// payloadHash computes the SHA256 hash of a canonical payload
func payloadHash(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
