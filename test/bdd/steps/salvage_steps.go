package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cucumber/godog"

	appsalvage "github.com/rvelazquez/sectorwars-go/internal/application/salvage"
	"github.com/rvelazquez/sectorwars-go/internal/domain/salvage"
	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

// salvageContext drives the TTL container store on a mock clock.
type salvageContext struct {
	clock     *shared.MockClock
	manager   *appsalvage.Manager
	salvageID string
	claimed   *salvage.Container
}

func (sc *salvageContext) reset() {
	sc.clock = shared.NewMockClock(time.Time{})
	sc.manager = nil
	sc.salvageID = ""
	sc.claimed = nil
}

func (sc *salvageContext) aSalvageStoreWithTTL(seconds int) error {
	sc.manager = appsalvage.NewManager(
		appsalvage.ManagerConfig{DefaultTTL: time.Duration(seconds) * time.Second}, sc.clock)
	return nil
}

func (sc *salvageContext) aContainerIsDropped(units int, commodity string, sector int) error {
	cargo, err := shared.NewCargo(map[string]int{commodity: units})
	if err != nil {
		return err
	}
	container, err := sc.manager.Create(sector, "", cargo, 0, 0, 0)
	if err != nil {
		return err
	}
	sc.salvageID = container.SalvageID
	return nil
}

func (sc *salvageContext) claimsTheContainer(claimant string) error {
	sc.claimed = sc.manager.Claim(sc.salvageID, claimant)
	return nil
}

func (sc *salvageContext) theClaimSucceeds() error {
	if sc.claimed == nil {
		return errors.New("claim returned nothing")
	}
	if !sc.claimed.Claimed {
		return errors.New("claimed container is not marked claimed")
	}
	return nil
}

func (sc *salvageContext) theClaimReturnsNothing() error {
	if sc.claimed != nil {
		return fmt.Errorf("claim unexpectedly returned %s", sc.claimed.SalvageID)
	}
	return nil
}

func (sc *salvageContext) secondsPass(seconds int) error {
	sc.clock.Advance(time.Duration(seconds) * time.Second)
	return nil
}

func (sc *salvageContext) sectorListsContainers(sector, count int) error {
	if got := len(sc.manager.ListSector(sector)); got != count {
		return fmt.Errorf("sector %d lists %d containers, expected %d", sector, got, count)
	}
	return nil
}

func InitializeSalvageScenario(gsc *godog.ScenarioContext) {
	sc := &salvageContext{}

	gsc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		sc.reset()
		return ctx, nil
	})

	gsc.Step(`^a salvage store with a (\d+) second time to live$`, sc.aSalvageStoreWithTTL)
	gsc.Step(`^a container with (\d+) units of "([^"]*)" is dropped in sector (\d+)$`, sc.aContainerIsDropped)
	gsc.Step(`^"([^"]*)" claims the container$`, sc.claimsTheContainer)
	gsc.Step(`^the claim succeeds$`, sc.theClaimSucceeds)
	gsc.Step(`^the claim returns nothing$`, sc.theClaimReturnsNothing)
	gsc.Step(`^(\d+) seconds pass$`, sc.secondsPass)
	gsc.Step(`^sector (\d+) lists (\d+) containers?$`, sc.sectorListsContainers)
}
