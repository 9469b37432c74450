package salvage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rvelazquez/sectorwars-go/internal/domain/salvage"
	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

// DefaultTTL is how long a container lingers before it evaporates, unless
// the caller specifies otherwise.
const DefaultTTL = 900 * time.Second

// MetricsRecorder receives container lifecycle telemetry. Nil disables it.
type MetricsRecorder interface {
	SalvageCreated()
	SalvageClaimed()
}

// ManagerConfig tunes the salvage store.
type ManagerConfig struct {
	DefaultTTL time.Duration
	Metrics    MetricsRecorder
}

// Manager is the in-process, sector-indexed container store. Nothing is
// persisted; expired entries are pruned on any access.
type Manager struct {
	mu      sync.Mutex
	sectors map[int]map[string]*salvage.Container

	defaultTTL time.Duration
	metrics    MetricsRecorder
	clock      shared.Clock
}

// NewManager creates a salvage manager. If clock is nil, uses RealClock.
func NewManager(cfg ManagerConfig, clock shared.Clock) *Manager {
	if clock == nil {
		clock = shared.NewRealClock()
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		sectors:    make(map[int]map[string]*salvage.Container),
		defaultTTL: ttl,
		metrics:    cfg.Metrics,
		clock:      clock,
	}
}

// Create drops a new container into a sector. A non-positive ttl uses the
// manager default. Returns a snapshot of the stored container.
func (m *Manager) Create(sector int, victorID string, cargo shared.Cargo, scrap, credits int, ttl time.Duration) (*salvage.Container, error) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	id := "salvage-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	container, err := salvage.NewContainer(id, sector, victorID, cargo, scrap, credits, m.clock.Now(), ttl)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneSectorLocked(sector)
	bucket, ok := m.sectors[sector]
	if !ok {
		bucket = make(map[string]*salvage.Container)
		m.sectors[sector] = bucket
	}
	bucket[container.SalvageID] = container
	if m.metrics != nil {
		m.metrics.SalvageCreated()
	}
	return container.Clone(), nil
}

// Claim atomically flips a container to claimed. Returns nil when the
// container is unknown, expired or already claimed.
func (m *Manager) Claim(salvageID, claimedBy string) *salvage.Container {
	m.mu.Lock()
	defer m.mu.Unlock()

	container, sector := m.findLocked(salvageID)
	if container == nil {
		return nil
	}
	if container.Expired(m.clock.Now()) {
		m.removeLocked(sector, salvageID)
		return nil
	}
	if container.Claimed {
		return nil
	}
	container.Claimed = true
	container.ClaimedBy = claimedBy
	if m.metrics != nil {
		m.metrics.SalvageClaimed()
	}
	return container.Clone()
}

// ListSector prunes expired containers then returns snapshots of the rest,
// oldest first.
func (m *Manager) ListSector(sector int) []*salvage.Container {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneSectorLocked(sector)

	bucket := m.sectors[sector]
	out := make([]*salvage.Container, 0, len(bucket))
	for _, container := range bucket {
		out = append(out, container.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].SalvageID < out[j].SalvageID
	})
	return out
}

// Remove deletes a container by id from whichever sector holds it.
func (m *Manager) Remove(salvageID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	container, sector := m.findLocked(salvageID)
	if container == nil {
		return false
	}
	m.removeLocked(sector, salvageID)
	return true
}

// PruneExpired sweeps every sector and reports how many containers were
// dropped.
func (m *Manager) PruneExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for sector := range m.sectors {
		pruned += m.pruneSectorLocked(sector)
	}
	return pruned
}

func (m *Manager) findLocked(salvageID string) (*salvage.Container, int) {
	for sector, bucket := range m.sectors {
		if container, ok := bucket[salvageID]; ok {
			return container, sector
		}
	}
	return nil, 0
}

func (m *Manager) removeLocked(sector int, salvageID string) {
	bucket, ok := m.sectors[sector]
	if !ok {
		return
	}
	delete(bucket, salvageID)
	if len(bucket) == 0 {
		delete(m.sectors, sector)
	}
}

func (m *Manager) pruneSectorLocked(sector int) int {
	bucket, ok := m.sectors[sector]
	if !ok {
		return 0
	}
	now := m.clock.Now()
	pruned := 0
	for id, container := range bucket {
		if container.Expired(now) {
			delete(bucket, id)
			pruned++
		}
	}
	if len(bucket) == 0 {
		delete(m.sectors, sector)
	}
	return pruned
}
