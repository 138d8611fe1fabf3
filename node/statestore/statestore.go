// Package statestore provides a small JSON-file-backed implementation of
// the two optional persistence contracts the coordinator will load on
// start and write on update (spec §6 "Local node state"): the peer
// registry's advisory address book (registry.PeerRepository) and the HLC
// clock / local incarnation pair (hlc.LocalNodeState). Grounded on the
// teacher's node/peers/peers.go persistPeers/loadPeers address-book
// functions: a single JSON document, rewritten atomically via a temp file
// plus rename, guarded by a mutex against concurrent writers in-process.
package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	corehlc "github.com/neutrinographics/meshsync/core/hlc"
	"github.com/neutrinographics/meshsync/core/ids"
)

// document is the on-disk shape of the whole local-node state file.
type document struct {
	Peers       []string `json:"peers"`
	ClockMs     uint64   `json:"clockPhysicalMs"`
	ClockLog    uint16   `json:"clockLogical"`
	HaveClock   bool     `json:"haveClock"`
	Incarnation uint64   `json:"incarnation"`
	HaveIncarn  bool     `json:"haveIncarnation"`
	// Session is an opaque token stamped the first time this address-book
	// file is written, so a host can tell two state files apart (e.g. in
	// log correlation) even if they happen to share a path across distinct
	// on-disk locations or backups.
	Session string `json:"session,omitempty"`
}

// Store is a single JSON file backing both registry.PeerRepository and
// hlc.LocalNodeState. The zero value is not usable; construct with Open.
type Store struct {
	mu   sync.Mutex
	path string
}

// Open returns a Store backed by path. The file need not exist yet; it is
// created on first write.
func Open(path string) *Store {
	return &Store{path: path}
}

func (s *Store) readLocked() (document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return document{}, nil
	}
	if err != nil {
		return document{}, fmt.Errorf("statestore: read %s: %w", s.path, err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("statestore: decode %s: %w", s.path, err)
	}
	return doc, nil
}

// writeLocked rewrites the file atomically: encode to a sibling temp file,
// then rename over the original, so a crash mid-write never truncates the
// document another process might read.
func (s *Store) writeLocked(doc document) error {
	if doc.Session == "" {
		doc.Session = uuid.NewString()
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("statestore: mkdir %s: %w", dir, err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".statestore-*.tmp")
	if err != nil {
		return fmt.Errorf("statestore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("statestore: rename into place: %w", err)
	}
	return nil
}

// SessionToken returns this state file's opaque session token, minting and
// persisting one on first use.
func (s *Store) SessionToken() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return "", err
	}
	if doc.Session != "" {
		return doc.Session, nil
	}
	doc.Session = uuid.NewString()
	if err := s.writeLocked(doc); err != nil {
		return "", err
	}
	return doc.Session, nil
}

// SavePeers implements registry.PeerRepository.
func (s *Store) SavePeers(peers []ids.NodeId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	doc.Peers = make([]string, len(peers))
	for i, p := range peers {
		doc.Peers[i] = p.String()
	}
	return s.writeLocked(doc)
}

// LoadPeers implements registry.PeerRepository.
func (s *Store) LoadPeers() ([]ids.NodeId, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	out := make([]ids.NodeId, 0, len(doc.Peers))
	for _, p := range doc.Peers {
		if p == "" {
			continue
		}
		out = append(out, ids.NewNodeId(p))
	}
	return out, nil
}

// SaveClockState implements hlc.LocalNodeState.
func (s *Store) SaveClockState(_ context.Context, h corehlc.Hlc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	doc.ClockMs = h.PhysicalMs
	doc.ClockLog = h.Logical
	doc.HaveClock = true
	return s.writeLocked(doc)
}

// LoadClockState implements hlc.LocalNodeState.
func (s *Store) LoadClockState(_ context.Context) (corehlc.Hlc, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return corehlc.Hlc{}, false, err
	}
	if !doc.HaveClock {
		return corehlc.Hlc{}, false, nil
	}
	return corehlc.Hlc{PhysicalMs: doc.ClockMs, Logical: doc.ClockLog}, true, nil
}

// SaveIncarnation implements hlc.LocalNodeState.
func (s *Store) SaveIncarnation(_ context.Context, incarnation uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	doc.Incarnation = incarnation
	doc.HaveIncarn = true
	return s.writeLocked(doc)
}

// LoadIncarnation implements hlc.LocalNodeState.
func (s *Store) LoadIncarnation(_ context.Context) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readLocked()
	if err != nil {
		return 0, false, err
	}
	if !doc.HaveIncarn {
		return 0, false, nil
	}
	return doc.Incarnation, true, nil
}
