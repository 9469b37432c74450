package combat

import "time"

// ActionType enumerates the per-round combat choices.
type ActionType string

const (
	ActionAttack ActionType = "attack"
	ActionBrace  ActionType = "brace"
	ActionFlee   ActionType = "flee"
)

// RoundAction is one submission per participant per round. Commit is only
// meaningful for attacks; DestinationSector only for flees.
type RoundAction struct {
	Action            ActionType
	Commit            int
	TargetID          string
	DestinationSector int
	SubmittedAt       time.Time
	TimedOut          bool
}

// NewBraceAction builds the defensive default used when a participant makes
// no submission before the deadline.
func NewBraceAction(timedOut bool, submittedAt time.Time) *RoundAction {
	return &RoundAction{
		Action:      ActionBrace,
		Commit:      0,
		SubmittedAt: submittedAt,
		TimedOut:    timedOut,
	}
}

// Clone returns an independent copy.
func (a *RoundAction) Clone() *RoundAction {
	clone := *a
	return &clone
}
