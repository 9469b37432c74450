package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/rvelazquez/sectorwars-go/internal/domain/garrison"
	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

const garrisonFileVersion = 1

// garrisonFile is the on-disk snapshot shape.
type garrisonFile struct {
	Meta    garrisonFileMeta     `json:"meta"`
	Sectors []garrisonFileSector `json:"sectors"`
}

type garrisonFileMeta struct {
	Version int `json:"version"`
}

type garrisonFileSector struct {
	Sector    int               `json:"sector"`
	Garrisons []*garrison.State `json:"garrisons"`
}

// FileGarrisonStore is the persistent sector -> garrisons mapping. Every
// mutation rewrites the backing file atomically (serialize to a temporary
// sibling, then rename over the target), so the file always parses to either
// the previous or the new snapshot. All reads return defensive copies.
type FileGarrisonStore struct {
	mu      sync.Mutex
	path    string
	sectors map[int]map[string]*garrison.State
	clock   shared.Clock
}

// NewFileGarrisonStore loads the store from path, creating an empty snapshot
// file when none exists. If clock is nil, uses RealClock.
func NewFileGarrisonStore(path string, clock shared.Clock) (*FileGarrisonStore, error) {
	if clock == nil {
		clock = shared.NewRealClock()
	}
	store := &FileGarrisonStore{
		path:    path,
		sectors: make(map[int]map[string]*garrison.State),
		clock:   clock,
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

// ListSector returns copies of every garrison stationed in the sector,
// sorted by owner id.
func (s *FileGarrisonStore) ListSector(sector int) []*garrison.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listSectorLocked(sector)
}

// Find returns a copy of one owner's garrison in the sector, or nil.
func (s *FileGarrisonStore) Find(sector int, ownerID string) *garrison.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.sectors[sector][ownerID]; ok {
		return state.Clone()
	}
	return nil
}

// Deploy upserts one owner's garrison in a sector: redeploying merges the
// fighters into the existing record and adopts the new mode and toll.
func (s *FileGarrisonStore) Deploy(sector int, ownerID string, fighters int, mode garrison.Mode, tollAmount int) (*garrison.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.sectors[sector][ownerID]
	total := fighters
	if existing != nil {
		total += existing.Fighters
	}
	state, err := garrison.NewState(ownerID, total, mode, tollAmount, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if existing != nil {
		state.DeployedAt = existing.DeployedAt
	}

	if s.sectors[sector] == nil {
		s.sectors[sector] = make(map[string]*garrison.State)
	}
	s.sectors[sector][ownerID] = state
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return state.Clone(), nil
}

// AdjustFighters applies a delta to a garrison's fighter count, removing the
// record when it reaches zero. Returns the updated copy, or nil when the
// garrison was removed or never existed.
func (s *FileGarrisonStore) AdjustFighters(sector int, ownerID string, delta int) (*garrison.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sectors[sector][ownerID]
	if !ok {
		return nil, nil
	}
	state.Fighters += delta
	if state.Fighters <= 0 {
		s.removeLocked(sector, ownerID)
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return state.Clone(), nil
}

// SetMode changes an existing garrison's mode and toll amount. Returns nil
// without creating anything when no garrison exists.
func (s *FileGarrisonStore) SetMode(sector int, ownerID string, mode garrison.Mode, tollAmount int) (*garrison.State, error) {
	if !garrison.ValidMode(mode) {
		return nil, shared.NewValidationError("mode", fmt.Sprintf("unknown garrison mode %q", mode))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.sectors[sector][ownerID]
	if !ok {
		return nil, nil
	}
	state.Mode = mode
	if tollAmount >= 0 {
		state.TollAmount = tollAmount
	}
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return state.Clone(), nil
}

// Remove deletes one owner's garrison from a sector.
func (s *FileGarrisonStore) Remove(sector int, ownerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sectors[sector][ownerID]; !ok {
		return false, nil
	}
	s.removeLocked(sector, ownerID)
	if err := s.saveLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Pop reads and removes one owner's garrison, returning the removed record
// or nil.
func (s *FileGarrisonStore) Pop(sector int, ownerID string) (*garrison.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.sectors[sector][ownerID]
	if !ok {
		return nil, nil
	}
	removed := state.Clone()
	s.removeLocked(sector, ownerID)
	if err := s.saveLocked(); err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *FileGarrisonStore) listSectorLocked(sector int) []*garrison.State {
	bucket := s.sectors[sector]
	out := make([]*garrison.State, 0, len(bucket))
	for _, state := range bucket {
		out = append(out, state.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OwnerID < out[j].OwnerID })
	return out
}

// removeLocked drops the record and the sector entry when it empties.
func (s *FileGarrisonStore) removeLocked(sector int, ownerID string) {
	bucket := s.sectors[sector]
	delete(bucket, ownerID)
	if len(bucket) == 0 {
		delete(s.sectors, sector)
	}
}

func (s *FileGarrisonStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		// Bootstrap an empty snapshot so later writes are plain rewrites.
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.saveLocked()
	}
	if err != nil {
		return fmt.Errorf("failed to read garrison file: %w", err)
	}

	var file garrisonFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse garrison file: %w", err)
	}
	for _, entry := range file.Sectors {
		bucket := make(map[string]*garrison.State, len(entry.Garrisons))
		for _, state := range entry.Garrisons {
			bucket[state.OwnerID] = state
		}
		if len(bucket) > 0 {
			s.sectors[entry.Sector] = bucket
		}
	}
	return nil
}

// saveLocked serializes the snapshot, sectors ascending, and atomically
// renames it over the target path. Caller holds the lock.
func (s *FileGarrisonStore) saveLocked() error {
	file := garrisonFile{
		Meta:    garrisonFileMeta{Version: garrisonFileVersion},
		Sectors: make([]garrisonFileSector, 0, len(s.sectors)),
	}
	sectorIDs := make([]int, 0, len(s.sectors))
	for sector := range s.sectors {
		sectorIDs = append(sectorIDs, sector)
	}
	sort.Ints(sectorIDs)
	for _, sector := range sectorIDs {
		file.Sectors = append(file.Sectors, garrisonFileSector{
			Sector:    sector,
			Garrisons: s.listSectorLocked(sector),
		})
	}

	data, err := json.MarshalIndent(&file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize garrison snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create garrison directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp garrison file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write garrison snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp garrison file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace garrison file: %w", err)
	}
	return nil
}
