package replication

import (
	"fmt"
)

// Decision is the outcome of conflict resolution for one update on one
// target node.
type Decision uint8

const (
	// Keep leaves the target's record untouched, the incoming update
	// is dropped for that node.
	Keep Decision = iota
	// Apply overwrites the target's record with the incoming update.
	Apply
	// Defer applies nothing and surfaces the conflict through the
	// coordinator's Conflicts listing.
	Defer
)

func (d Decision) String() string {
	switch d {
	case Keep:
		return "keep"
	case Apply:
		return "apply"
	case Defer:
		return "defer"
	default:
		return fmt.Sprintf("decision(%d)", uint8(d))
	}
}

// Policy arbitrates between a target node's current record and an
// incoming update for the same key. Resolve runs only for contested
// keys, updates for keys the target has never seen apply directly.
type Policy interface {
	Resolve(existing Record, incoming Update) (Decision, error)
}

// LastWriteWins resolves by timestamp, the newer write survives. Ties
// fall to the higher source node id, keeping arbitration deterministic
// no matter which node's queue drains first.
type LastWriteWins struct{}

func (LastWriteWins) Resolve(existing Record, incoming Update) (Decision, error) {
	if incoming.Timestamp.After(existing.UpdatedAt) {
		return Apply, nil
	}
	if incoming.Timestamp.Equal(existing.UpdatedAt) && incoming.SourceNode > existing.Source {
		return Apply, nil
	}
	return Keep, nil
}

// HigherVersionWins resolves by entity version, the higher version
// survives. Deletions carry no version and fall back to last write
// wins. Upserts without a version are a caller bug, the entity must
// implement Versioned for this policy to arbitrate.
type HigherVersionWins struct{}

func (HigherVersionWins) Resolve(existing Record, incoming Update) (Decision, error) {
	if incoming.Type == Delete {
		return LastWriteWins{}.Resolve(existing, incoming)
	}
	if incoming.EntityVersion == 0 {
		return Keep, fmt.Errorf("%w: update %s carries no entity version", ErrUpdateFailed, incoming.ID)
	}
	if incoming.EntityVersion > existing.EntityVersion {
		return Apply, nil
	}
	return Keep, nil
}

// Manual delegates every contested key to the Decide callback. With no
// callback set every conflict is deferred to the coordinator's
// Conflicts listing for offline arbitration.
type Manual struct {
	Decide func(existing Record, incoming Update) Decision
}

func (m Manual) Resolve(existing Record, incoming Update) (Decision, error) {
	if m.Decide == nil {
		return Defer, nil
	}
	return m.Decide(existing, incoming), nil
}
