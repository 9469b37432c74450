package combat

// Terminal end states an encounter can reach. Per-participant terminals take
// the forms "<id>_defeated" and "<id>_fled".
const (
	EndStateStalemate    = "stalemate"
	EndStateMutualDefeat = "mutual_defeat"
	EndStateVictory      = "victory"

	endStateDefeatedSuffix = "_defeated"
	endStateFledSuffix     = "_fled"
)

// IsTerminalEndState reports whether an end state string ends the encounter.
func IsTerminalEndState(endState string) bool {
	if endState == "" {
		return false
	}
	switch endState {
	case EndStateStalemate, EndStateMutualDefeat, EndStateVictory:
		return true
	}
	return hasSuffix(endState, endStateDefeatedSuffix) || hasSuffix(endState, endStateFledSuffix)
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// DefeatedEndState names the terminal state for a single defeated loser.
func DefeatedEndState(loserID string) string {
	return loserID + endStateDefeatedSuffix
}

// FledEndState names the terminal state when a flee ends the encounter.
func FledEndState(fleerID string) string {
	return fleerID + endStateFledSuffix
}

// FleeResult records one participant's flee attempt for a round.
type FleeResult struct {
	Success           bool
	DestinationSector int
}

// RoundOutcome is the result of one engine invocation: per-participant hit
// and loss tallies plus the end-state classification. An empty EndState
// means the encounter continues.
type RoundOutcome struct {
	RoundNumber       int
	Hits              map[string]int
	OffensiveLosses   map[string]int
	DefensiveLosses   map[string]int
	ShieldLoss        map[string]int
	FightersRemaining map[string]int
	ShieldsRemaining  map[string]int
	FleeResults       map[string]*FleeResult
	EffectiveActions  map[string]*RoundAction
	EndState          string
}

func newRoundOutcome(roundNumber int) *RoundOutcome {
	return &RoundOutcome{
		RoundNumber:       roundNumber,
		Hits:              make(map[string]int),
		OffensiveLosses:   make(map[string]int),
		DefensiveLosses:   make(map[string]int),
		ShieldLoss:        make(map[string]int),
		FightersRemaining: make(map[string]int),
		ShieldsRemaining:  make(map[string]int),
		FleeResults:       make(map[string]*FleeResult),
		EffectiveActions:  make(map[string]*RoundAction),
	}
}
