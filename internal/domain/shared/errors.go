package shared

import "fmt"

// DomainError is the base error type for all domain errors
type DomainError struct {
	Message string
}

func (e *DomainError) Error() string {
	return e.Message
}

func NewDomainError(message string) *DomainError {
	return &DomainError{Message: message}
}

// ValidationError indicates bad input from a caller. The operation performed
// no state mutation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// StateError indicates an operation that is not allowed in the current state
// (combat already ended, duplicate combat id, unknown encounter).
type StateError struct {
	*DomainError
}

func NewStateError(message string) *StateError {
	return &StateError{DomainError: &DomainError{Message: message}}
}

// NotFoundError indicates a missing character, ship, sector, encounter or
// salvage container.
type NotFoundError struct {
	*DomainError
	Kind string
	ID   string
}

func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{
		DomainError: &DomainError{Message: fmt.Sprintf("%s not found: %s", kind, id)},
		Kind:        kind,
		ID:          id,
	}
}

// TransientError indicates a recoverable transport failure (socket gone,
// timeout). Callers may retry at their discretion.
type TransientError struct {
	*DomainError
}

func NewTransientError(message string) *TransientError {
	return &TransientError{DomainError: &DomainError{Message: message}}
}

// Combat-related errors

type CombatError struct {
	*DomainError
	CombatID string
}

func NewCombatError(combatID, message string) *CombatError {
	return &CombatError{
		DomainError: &DomainError{Message: message},
		CombatID:    combatID,
	}
}

type EncounterEndedError struct {
	*CombatError
}

func NewEncounterEndedError(combatID string) *EncounterEndedError {
	return &EncounterEndedError{
		CombatError: NewCombatError(combatID, fmt.Sprintf("combat %s has already ended", combatID)),
	}
}

type DuplicateEncounterError struct {
	*CombatError
}

func NewDuplicateEncounterError(combatID string) *DuplicateEncounterError {
	return &DuplicateEncounterError{
		CombatError: NewCombatError(combatID, fmt.Sprintf("combat %s is already active", combatID)),
	}
}

type InvalidTargetError struct {
	*CombatError
	TargetID string
}

func NewInvalidTargetError(combatID, targetID string) *InvalidTargetError {
	return &InvalidTargetError{
		CombatError: NewCombatError(combatID, fmt.Sprintf("invalid target %s in combat %s", targetID, combatID)),
		TargetID:    targetID,
	}
}

// RPCError is the client-side surfacing of an ok=false response frame.
type RPCError struct {
	Status string
	Code   string
	Detail string
}

func (e *RPCError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("rpc error [%s/%s]: %s", e.Status, e.Code, e.Detail)
	}
	return fmt.Sprintf("rpc error [%s]: %s", e.Status, e.Detail)
}

func NewRPCError(status, code, detail string) *RPCError {
	return &RPCError{Status: status, Code: code, Detail: detail}
}
