package persistence_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvelazquez/sectorwars-go/internal/adapters/persistence"
	"github.com/rvelazquez/sectorwars-go/internal/domain/garrison"
	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

func newStore(t *testing.T) (*persistence.FileGarrisonStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "garrisons.json")
	clock := shared.NewMockClock(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	store, err := persistence.NewFileGarrisonStore(path, clock)
	require.NoError(t, err)
	return store, path
}

func TestFileGarrisonStore_DeployAndFind(t *testing.T) {
	store, _ := newStore(t)

	state, err := store.Deploy(3, "alice", 200, garrison.ModeOffensive, 0)
	require.NoError(t, err)
	assert.Equal(t, 200, state.Fighters)
	assert.Equal(t, garrison.ModeOffensive, state.Mode)

	found := store.Find(3, "alice")
	require.NotNil(t, found)
	assert.Equal(t, 200, found.Fighters)
	assert.Nil(t, store.Find(3, "bob"))
	assert.Nil(t, store.Find(4, "alice"))
}

func TestFileGarrisonStore_RedeployMergesFighters(t *testing.T) {
	store, _ := newStore(t)

	_, err := store.Deploy(3, "alice", 100, garrison.ModeOffensive, 0)
	require.NoError(t, err)
	state, err := store.Deploy(3, "alice", 50, garrison.ModeToll, 750)
	require.NoError(t, err)

	assert.Equal(t, 150, state.Fighters)
	assert.Equal(t, garrison.ModeToll, state.Mode)
	assert.Equal(t, 750, state.TollAmount)
}

func TestFileGarrisonStore_SurvivesReload(t *testing.T) {
	store, path := newStore(t)
	_, err := store.Deploy(3, "alice", 100, garrison.ModeDefensive, 0)
	require.NoError(t, err)
	_, err = store.Deploy(9, "bob", 40, garrison.ModeToll, 300)
	require.NoError(t, err)

	reloaded, err := persistence.NewFileGarrisonStore(path, nil)
	require.NoError(t, err)

	alice := reloaded.Find(3, "alice")
	require.NotNil(t, alice)
	assert.Equal(t, 100, alice.Fighters)
	bob := reloaded.Find(9, "bob")
	require.NotNil(t, bob)
	assert.Equal(t, garrison.ModeToll, bob.Mode)
	assert.Equal(t, 300, bob.TollAmount)
}

func TestFileGarrisonStore_FileIsVersionedJSON(t *testing.T) {
	store, path := newStore(t)
	_, err := store.Deploy(3, "alice", 100, garrison.ModeDefensive, 0)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var file struct {
		Meta struct {
			Version int `json:"version"`
		} `json:"meta"`
		Sectors []struct {
			Sector    int               `json:"sector"`
			Garrisons []json.RawMessage `json:"garrisons"`
		} `json:"sectors"`
	}
	require.NoError(t, json.Unmarshal(data, &file))
	assert.Equal(t, 1, file.Meta.Version)
	require.Len(t, file.Sectors, 1)
	assert.Equal(t, 3, file.Sectors[0].Sector)
	assert.Len(t, file.Sectors[0].Garrisons, 1)
}

func TestFileGarrisonStore_AdjustFighters(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Deploy(3, "alice", 100, garrison.ModeDefensive, 0)
	require.NoError(t, err)

	state, err := store.AdjustFighters(3, "alice", -40)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 60, state.Fighters)

	// Dropping to zero removes the record entirely
	state, err = store.AdjustFighters(3, "alice", -60)
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Nil(t, store.Find(3, "alice"))
	assert.Empty(t, store.ListSector(3))

	// Adjusting a missing garrison is a no-op
	state, err = store.AdjustFighters(3, "alice", 10)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestFileGarrisonStore_SetMode(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Deploy(3, "alice", 100, garrison.ModeDefensive, 0)
	require.NoError(t, err)

	state, err := store.SetMode(3, "alice", garrison.ModeToll, 900)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, garrison.ModeToll, state.Mode)
	assert.Equal(t, 900, state.TollAmount)

	// Missing garrisons are never created by SetMode
	state, err = store.SetMode(3, "bob", garrison.ModeOffensive, 0)
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.Nil(t, store.Find(3, "bob"))

	// Unknown modes are rejected
	_, err = store.SetMode(3, "alice", garrison.Mode("berserk"), 0)
	var validation *shared.ValidationError
	require.ErrorAs(t, err, &validation)
}

func TestFileGarrisonStore_Pop(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Deploy(3, "alice", 75, garrison.ModeOffensive, 0)
	require.NoError(t, err)

	popped, err := store.Pop(3, "alice")
	require.NoError(t, err)
	require.NotNil(t, popped)
	assert.Equal(t, 75, popped.Fighters)
	assert.Nil(t, store.Find(3, "alice"))

	popped, err = store.Pop(3, "alice")
	require.NoError(t, err)
	assert.Nil(t, popped)
}

func TestFileGarrisonStore_ListSectorSortedByOwner(t *testing.T) {
	store, _ := newStore(t)
	_, err := store.Deploy(3, "zoe", 10, garrison.ModeDefensive, 0)
	require.NoError(t, err)
	_, err = store.Deploy(3, "alice", 20, garrison.ModeDefensive, 0)
	require.NoError(t, err)

	listed := store.ListSector(3)
	require.Len(t, listed, 2)
	assert.Equal(t, "alice", listed[0].OwnerID)
	assert.Equal(t, "zoe", listed[1].OwnerID)
}

func TestFileGarrisonStore_RemoveRewritesFile(t *testing.T) {
	store, path := newStore(t)
	_, err := store.Deploy(3, "alice", 10, garrison.ModeDefensive, 0)
	require.NoError(t, err)

	removed, err := store.Remove(3, "alice")
	require.NoError(t, err)
	assert.True(t, removed)

	reloaded, err := persistence.NewFileGarrisonStore(path, nil)
	require.NoError(t, err)
	assert.Nil(t, reloaded.Find(3, "alice"))

	removed, err = store.Remove(3, "alice")
	require.NoError(t, err)
	assert.False(t, removed)
}
