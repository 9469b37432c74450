package steps

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/cucumber/godog"

	"github.com/rvelazquez/sectorwars-go/internal/adapters/persistence"
	"github.com/rvelazquez/sectorwars-go/internal/domain/garrison"
)

// garrisonContext exercises the file-backed garrison store against a
// throwaway snapshot file.
type garrisonContext struct {
	dir      string
	path     string
	store    *persistence.FileGarrisonStore
	sectors  map[int]bool
	modeMiss bool
	err      error
}

func (gc *garrisonContext) reset() error {
	if gc.dir != "" {
		_ = os.RemoveAll(gc.dir)
	}
	dir, err := os.MkdirTemp("", "garrison-bdd-*")
	if err != nil {
		return err
	}
	gc.dir = dir
	gc.path = filepath.Join(dir, "garrisons.json")
	gc.store, err = persistence.NewFileGarrisonStore(gc.path, nil)
	gc.sectors = make(map[int]bool)
	gc.modeMiss = false
	gc.err = nil
	return err
}

func (gc *garrisonContext) anEmptyGarrisonStore() error {
	if gc.store == nil {
		return errors.New("garrison store was not created")
	}
	return nil
}

func (gc *garrisonContext) deploysFighters(owner string, fighters, sector int, mode string, toll int) error {
	gc.sectors[sector] = true
	_, gc.err = gc.store.Deploy(sector, owner, fighters, garrison.Mode(mode), toll)
	return gc.err
}

func (gc *garrisonContext) collectsFighters(owner string, fighters, sector int) error {
	_, gc.err = gc.store.AdjustFighters(sector, owner, -fighters)
	return gc.err
}

func (gc *garrisonContext) sectorHoldsGarrisonWithFighters(sector int, owner string, fighters int) error {
	state := gc.store.Find(sector, owner)
	if state == nil {
		return fmt.Errorf("no garrison for %s in sector %d", owner, sector)
	}
	if state.Fighters != fighters {
		return fmt.Errorf("garrison holds %d fighters, expected %d", state.Fighters, fighters)
	}
	return nil
}

func (gc *garrisonContext) sectorHoldsNoGarrisons(sector int) error {
	if got := gc.store.ListSector(sector); len(got) != 0 {
		return fmt.Errorf("sector %d still holds %d garrisons", sector, len(got))
	}
	return nil
}

// theSnapshotOnDiskMatches reopens the file as a second store and compares
// every sector touched by the scenario.
func (gc *garrisonContext) theSnapshotOnDiskMatches() error {
	reloaded, err := persistence.NewFileGarrisonStore(gc.path, nil)
	if err != nil {
		return fmt.Errorf("snapshot does not reload: %w", err)
	}
	for sector := range gc.sectors {
		want := gc.store.ListSector(sector)
		got := reloaded.ListSector(sector)
		if !reflect.DeepEqual(want, got) {
			return fmt.Errorf("sector %d differs on disk: %v vs %v", sector, got, want)
		}
	}
	return nil
}

func (gc *garrisonContext) switchingModeReportsMissing(owner string, sector int, mode string) error {
	state, err := gc.store.SetMode(sector, owner, garrison.Mode(mode), 0)
	if err != nil {
		return err
	}
	if state != nil {
		return fmt.Errorf("set_mode created a garrison: %v", state)
	}
	return nil
}

func InitializeGarrisonScenario(sc *godog.ScenarioContext) {
	gc := &garrisonContext{}

	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		return ctx, gc.reset()
	})
	sc.After(func(ctx context.Context, _ *godog.Scenario, _ error) (context.Context, error) {
		if gc.dir != "" {
			_ = os.RemoveAll(gc.dir)
			gc.dir = ""
		}
		return ctx, nil
	})

	sc.Step(`^an empty garrison store$`, gc.anEmptyGarrisonStore)
	sc.Step(`^"([^"]*)" deploys (\d+) fighters in sector (\d+) in "([^"]*)" mode with a toll of (\d+)$`, gc.deploysFighters)
	sc.Step(`^"([^"]*)" collects (\d+) fighters from sector (\d+)$`, gc.collectsFighters)
	sc.Step(`^sector (\d+) holds a garrison for "([^"]*)" with (\d+) fighters$`, gc.sectorHoldsGarrisonWithFighters)
	sc.Step(`^sector (\d+) holds no garrisons$`, gc.sectorHoldsNoGarrisons)
	sc.Step(`^the snapshot on disk matches the in-memory store$`, gc.theSnapshotOnDiskMatches)
	sc.Step(`^switching "([^"]*)" in sector (\d+) to "([^"]*)" mode reports a missing garrison$`, gc.switchingModeReportsMissing)
}
