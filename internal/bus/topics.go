package bus

import "time"

// Lifecycle event topics.
const (
	TopicEntityTransitioned = "entity.transitioned"
	TopicEntityDeleted      = "entity.deleted"
	TopicLockAcquired       = "lock.acquired"
	TopicLockReleased       = "lock.released"
	TopicLockReclaimed      = "lock.reclaimed"
	TopicCooldownEntered    = "cooldown.entered"
	TopicCooldownRejected   = "cooldown.rejected"
	TopicCostRecorded       = "cost.recorded"
)

// EntityTransitionedEvent is published for every accepted non-no-op
// transition, after the entity update and history append have committed.
type EntityTransitionedEvent struct {
	EntityID   string
	Category   string
	FromStatus string
	ToStatus   string
	Actor      string
	ChangedAt  time.Time
}

// EntityDeletedEvent is published when an entity is soft-deleted.
type EntityDeletedEvent struct {
	EntityID string
	Actor    string
}

// LockEvent is published on lock acquire, release and stale reclaim.
type LockEvent struct {
	EntityID string
	Actor    string
	// PreviousOwner is set on reclaim: the actor whose stale lock was taken.
	PreviousOwner string
}

// CooldownEvent is published when an entity enters cooldown or a
// re-activation attempt is rejected by one.
type CooldownEvent struct {
	EntityID string
	Until    time.Time
	Attempts int
}

// CostRecordedEvent is published after a cost entry is accepted.
type CostRecordedEvent struct {
	RunID        string
	ProviderID   string
	ModelID      string
	InputTokens  int64
	OutputTokens int64
	CostUSD      string // decimal string, exact
}
