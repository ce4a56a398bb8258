package replication

import "errors"

var (
	// ErrNodeNotFound when an operation references an unregistered node
	// id. This is a configuration error, not a transient condition.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeExists when registering a node id twice.
	ErrNodeExists = errors.New("node already registered")

	// ErrUpdateFailed when an update cannot be applied or arbitrated,
	// for example an upsert without an entity version under the
	// HigherVersionWins policy.
	ErrUpdateFailed = errors.New("update failed")

	// ErrConflict is not returned by the built in policies. Custom
	// policies can return it from Resolve to abort the sync on a
	// contested key instead of deciding it.
	ErrConflict = errors.New("conflicting update")

	// ErrNetwork is not returned by the in-process queues. Queue
	// implementations backed by a transport can wrap their delivery
	// failures with it.
	ErrNetwork = errors.New("network error")
)
