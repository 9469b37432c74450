package steps

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cucumber/godog"

	appcombat "github.com/rvelazquez/sectorwars-go/internal/application/combat"
	"github.com/rvelazquez/sectorwars-go/internal/domain/combat"
	"github.com/rvelazquez/sectorwars-go/internal/domain/shared"
)

// combatRoundContext holds state for encounter lifecycle tests. The manager
// runs with an hour-long round timeout so deadlines never interfere.
type combatRoundContext struct {
	manager     *appcombat.Manager
	combatID    string
	lastOutcome *combat.RoundOutcome
	err         error
}

func (crc *combatRoundContext) reset() {
	crc.manager = appcombat.NewManager(
		appcombat.ManagerConfig{RoundTimeout: time.Hour}, appcombat.Callbacks{}, nil, nil)
	crc.combatID = ""
	crc.lastOutcome = nil
	crc.err = nil
}

func (crc *combatRoundContext) anEncounterInSectorBetween(sectorID int, nameA string, fightersA int, nameB string, fightersB int) error {
	a, err := combat.NewCombatant(nameA, combat.KindCharacter, nameA, fightersA, 50, fightersA, 50, 3)
	if err != nil {
		return err
	}
	b, err := combat.NewCombatant(nameB, combat.KindCharacter, nameB, fightersB, 50, fightersB, 50, 3)
	if err != nil {
		return err
	}
	crc.combatID = fmt.Sprintf("combat-%s-%s", nameA, nameB)
	encounter, err := combat.NewEncounter(crc.combatID, sectorID, a, b)
	if err != nil {
		return err
	}
	return crc.manager.StartEncounter(encounter, false)
}

func (crc *combatRoundContext) aSecondEncounterStartsWithTheSameID() error {
	a, err := combat.NewCombatant("x", combat.KindCharacter, "x", 10, 0, 10, 0, 3)
	if err != nil {
		return err
	}
	b, err := combat.NewCombatant("y", combat.KindCharacter, "y", 10, 0, 10, 0, 3)
	if err != nil {
		return err
	}
	encounter, err := combat.NewEncounter(crc.combatID, 1, a, b)
	if err != nil {
		return err
	}
	crc.err = crc.manager.StartEncounter(encounter, false)
	return nil
}

func (crc *combatRoundContext) submitsAnAttackAgainst(actor string, commit int, target string) error {
	crc.lastOutcome, crc.err = crc.manager.SubmitAction(
		crc.combatID, actor, combat.ActionAttack, commit, target, 0)
	return nil
}

func (crc *combatRoundContext) submitsABrace(actor string) error {
	crc.lastOutcome, crc.err = crc.manager.SubmitAction(
		crc.combatID, actor, combat.ActionBrace, 0, "", 0)
	return nil
}

func (crc *combatRoundContext) theRoundIsStillWaiting() error {
	if crc.err != nil {
		return fmt.Errorf("unexpected submission error: %w", crc.err)
	}
	if crc.lastOutcome != nil {
		return fmt.Errorf("round resolved early with end state %q", crc.lastOutcome.EndState)
	}
	return nil
}

func (crc *combatRoundContext) roundIsResolved(round int) error {
	if crc.err != nil {
		return fmt.Errorf("unexpected submission error: %w", crc.err)
	}
	if crc.lastOutcome == nil {
		return errors.New("no round outcome was produced")
	}
	if crc.lastOutcome.RoundNumber != round {
		return fmt.Errorf("resolved round %d, expected %d", crc.lastOutcome.RoundNumber, round)
	}
	return nil
}

func (crc *combatRoundContext) theEncounterAdvancesToRound(round int) error {
	encounter := crc.manager.FindEncounterFor(crc.anyParticipant())
	if encounter == nil {
		return errors.New("encounter is no longer active")
	}
	if encounter.RoundNumber != round {
		return fmt.Errorf("encounter is in round %d, expected %d", encounter.RoundNumber, round)
	}
	return nil
}

func (crc *combatRoundContext) theEncounterEndsWithDefeated(loser string) error {
	if crc.lastOutcome == nil {
		return errors.New("no round outcome was produced")
	}
	want := combat.DefeatedEndState(loser)
	if crc.lastOutcome.EndState != want {
		return fmt.Errorf("end state is %q, expected %q", crc.lastOutcome.EndState, want)
	}
	if crc.manager.CompletedEncounter(crc.combatID) == nil {
		return errors.New("ended encounter was not moved to the completed table")
	}
	return nil
}

func (crc *combatRoundContext) theRoundEndsInAStalemate() error {
	if crc.lastOutcome == nil {
		return errors.New("no round outcome was produced")
	}
	if crc.lastOutcome.EndState != combat.EndStateStalemate {
		return fmt.Errorf("end state is %q, expected stalemate", crc.lastOutcome.EndState)
	}
	return nil
}

func (crc *combatRoundContext) theSubmissionFailsBecauseTheCombatHasEnded() error {
	var ended *shared.EncounterEndedError
	if !errors.As(crc.err, &ended) {
		return fmt.Errorf("expected an encounter-ended error, got %v", crc.err)
	}
	return nil
}

func (crc *combatRoundContext) theSubmissionIsRejectedAsAnInvalidTarget() error {
	var invalid *shared.InvalidTargetError
	if !errors.As(crc.err, &invalid) {
		return fmt.Errorf("expected an invalid-target error, got %v", crc.err)
	}
	return nil
}

func (crc *combatRoundContext) theStartIsRejectedAsADuplicate() error {
	var duplicate *shared.DuplicateEncounterError
	if !errors.As(crc.err, &duplicate) {
		return fmt.Errorf("expected a duplicate-encounter error, got %v", crc.err)
	}
	return nil
}

func (crc *combatRoundContext) aTollDemandOfCreditsFromGarrison(amount int, garrisonID string) error {
	state, err := combat.NewCombatant(garrisonID, combat.KindGarrison, garrisonID, 300, 0, 300, 0, 0)
	if err != nil {
		return err
	}
	if err := crc.manager.AddParticipant(crc.combatID, state); err != nil {
		return err
	}
	return crc.manager.RecordTollDemand(crc.combatID, garrisonID, amount, 0)
}

func (crc *combatRoundContext) paysTheTollTo(payer, garrisonID string) error {
	crc.err = crc.manager.MarkTollPaid(crc.combatID, garrisonID, payer)
	return nil
}

func (crc *combatRoundContext) theTollFromIsMarkedPaidBy(garrisonID, payer string) error {
	encounter := crc.manager.FindEncounterFor(payer)
	if encounter == nil {
		return errors.New("encounter is no longer active")
	}
	demand := encounter.TollRegistry()[garrisonID]
	if demand == nil {
		return fmt.Errorf("no toll demand recorded for %s", garrisonID)
	}
	if !demand.Paid || demand.PaidBy != payer {
		return fmt.Errorf("toll not paid by %s: %+v", payer, demand)
	}
	return nil
}

func (crc *combatRoundContext) anyParticipant() string {
	encounter := crc.manager.FindEncounterInSector(7)
	if encounter == nil {
		return ""
	}
	ids := encounter.ParticipantIDs()
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

func InitializeCombatRoundScenario(sc *godog.ScenarioContext) {
	crc := &combatRoundContext{}

	sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		crc.reset()
		return ctx, nil
	})

	sc.Step(`^an encounter in sector (\d+) between "([^"]*)" with (\d+) fighters and "([^"]*)" with (\d+) fighters$`, crc.anEncounterInSectorBetween)
	sc.Step(`^a second encounter starts with the same id$`, crc.aSecondEncounterStartsWithTheSameID)
	sc.Step(`^"([^"]*)" submits an attack of (\d+) fighters against "([^"]*)"$`, crc.submitsAnAttackAgainst)
	sc.Step(`^"([^"]*)" submits a brace$`, crc.submitsABrace)
	sc.Step(`^the round is still waiting$`, crc.theRoundIsStillWaiting)
	sc.Step(`^round (\d+) is resolved$`, crc.roundIsResolved)
	sc.Step(`^the encounter advances to round (\d+)$`, crc.theEncounterAdvancesToRound)
	sc.Step(`^the encounter ends with "([^"]*)" defeated$`, crc.theEncounterEndsWithDefeated)
	sc.Step(`^the round ends in a stalemate$`, crc.theRoundEndsInAStalemate)
	sc.Step(`^the submission fails because the combat has ended$`, crc.theSubmissionFailsBecauseTheCombatHasEnded)
	sc.Step(`^the submission is rejected as an invalid target$`, crc.theSubmissionIsRejectedAsAnInvalidTarget)
	sc.Step(`^the start is rejected as a duplicate$`, crc.theStartIsRejectedAsADuplicate)
	sc.Step(`^a toll demand of (\d+) credits from garrison "([^"]*)"$`, crc.aTollDemandOfCreditsFromGarrison)
	sc.Step(`^"([^"]*)" pays the toll to "([^"]*)"$`, crc.paysTheTollTo)
	sc.Step(`^the toll from "([^"]*)" is marked paid by "([^"]*)"$`, crc.theTollFromIsMarkedPaidBy)
}
