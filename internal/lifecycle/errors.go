package lifecycle

import "fmt"

// InvalidTransitionError rejects a (from, to) pair absent from the rule
// table. Terminal statuses produce this for every outgoing attempt; no
// special terminal flag is consulted.
type InvalidTransitionError struct {
	Category string
	From     string
	To       string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s is not allowed for category %s", e.From, e.To, e.Category)
}

// EntityDeletedError rejects operations on a soft-deleted entity.
type EntityDeletedError struct {
	EntityID string
}

func (e *EntityDeletedError) Error() string {
	return fmt.Sprintf("entity %s is deleted", e.EntityID)
}

// NotInitialStatusError rejects entity creation at a status no from=null
// rule declares as an entry point.
type NotInitialStatusError struct {
	Category string
	Status   string
}

func (e *NotInitialStatusError) Error() string {
	return fmt.Sprintf("status %s is not an initial status for category %s", e.Status, e.Category)
}
