package replication

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Conflict is a contested update the policy chose to defer. It carries
// everything an operator needs to arbitrate by hand.
type Conflict struct {
	// NodeID is the target node that held the existing record.
	NodeID string
	// Existing is the record the target held when the update arrived.
	Existing Record
	// Incoming is the update that was deferred.
	Incoming Update
}

// Coordinator moves updates between registered nodes, routing every
// contested key through the conflict policy.
type Coordinator struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	policy Policy

	conflictsMu sync.Mutex
	conflicts   []Conflict

	// Logger logs skipped updates and delivery failures. A nil Logger
	// discards everything.
	Logger *slog.Logger
}

// NewCoordinator returns a coordinator arbitrating with the given
// policy. A nil policy defaults to LastWriteWins.
func NewCoordinator(policy Policy) *Coordinator {
	if policy == nil {
		policy = LastWriteWins{}
	}
	return &Coordinator{
		nodes:  make(map[string]*Node),
		policy: policy,
	}
}

func (c *Coordinator) log() *slog.Logger {
	if c.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c.Logger
}

// AddNode creates a node with an in-memory queue and registers it.
func (c *Coordinator) AddNode(id string) (*Node, error) {
	return c.attach(NewNode(id))
}

// AttachNode registers an existing node, for nodes built with a
// durable queue.
func (c *Coordinator) AttachNode(node *Node) error {
	_, err := c.attach(node)
	return err
}

func (c *Coordinator) attach(node *Node) (*Node, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[node.ID()]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, node.ID())
	}
	c.nodes[node.ID()] = node
	return node, nil
}

// Node returns the registered node with the given id.
func (c *Coordinator) Node(id string) (*Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	node, ok := c.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return node, nil
}

// Nodes returns the registered node ids in stable order.
func (c *Coordinator) Nodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// applyThroughPolicy applies one update to one target. Keys the target
// has never seen, and redeliveries of the exact write it already
// holds, apply directly. Everything else goes through the policy.
func (c *Coordinator) applyThroughPolicy(target *Node, u Update) error {
	existing, ok := target.Get(u.Key)
	if !ok || (existing.Source == u.SourceNode && existing.UpdatedAt.Equal(u.Timestamp)) {
		return target.ApplyUpdate(u)
	}
	decision, err := c.policy.Resolve(existing, u)
	if err != nil {
		return err
	}
	switch decision {
	case Keep:
		target.skip()
		c.log().Debug("update skipped by policy",
			slog.String("node_id", target.ID()),
			slog.String("key", u.Key),
			slog.String("update_id", u.ID),
		)
		return nil
	case Apply:
		return target.ApplyUpdate(u)
	case Defer:
		target.deferUpdate()
		c.conflictsMu.Lock()
		c.conflicts = append(c.conflicts, Conflict{
			NodeID:   target.ID(),
			Existing: existing,
			Incoming: u,
		})
		c.conflictsMu.Unlock()
		return nil
	default:
		return fmt.Errorf("%w: unknown policy decision %d", ErrUpdateFailed, uint8(decision))
	}
}

// SyncNodes drains the source node's queue into the target node, in
// queue order, and returns the number of updates processed. On a
// failed update the update is nacked back onto the source queue and
// the count of updates processed before it is returned with the error.
func (c *Coordinator) SyncNodes(sourceID, targetID string) (int, error) {
	source, err := c.Node(sourceID)
	if err != nil {
		return 0, err
	}
	target, err := c.Node(targetID)
	if err != nil {
		return 0, err
	}

	count := 0
	for {
		u, ok, err := source.queue.Dequeue()
		if err != nil {
			return count, fmt.Errorf("dequeue from node %s: %w", sourceID, err)
		}
		if !ok {
			return count, nil
		}
		if err := c.applyThroughPolicy(target, u); err != nil {
			if nackErr := source.queue.Nack(u.ID); nackErr != nil {
				c.log().Warn("nack failed, update may be lost",
					slog.String("node_id", sourceID),
					slog.String("update_id", u.ID),
					slog.String("reason", nackErr.Error()),
				)
			}
			return count, fmt.Errorf("apply update %s to node %s: %w", u.ID, targetID, err)
		}
		if err := source.queue.Ack(u.ID); err != nil {
			return count, fmt.Errorf("ack update %s on node %s: %w", u.ID, sourceID, err)
		}
		count++
	}
}

// BroadcastUpdates drains the source node's queue and delivers every
// update to every other registered node. The returned count is updates
// times targets. If any target fails the whole batch is nacked back
// onto the source queue for redelivery, targets that already applied
// part of the batch converge on the retry.
func (c *Coordinator) BroadcastUpdates(sourceID string) (int, error) {
	source, err := c.Node(sourceID)
	if err != nil {
		return 0, err
	}

	c.mu.RLock()
	targets := make([]*Node, 0, len(c.nodes)-1)
	for id, node := range c.nodes {
		if id == sourceID {
			continue
		}
		targets = append(targets, node)
	}
	c.mu.RUnlock()

	return c.deliver(source, targets)
}

// SyncSubscribers drains the source node's queue and delivers every
// update to the source's subscribed nodes. Subscriber ids that are not
// registered with the coordinator are skipped.
func (c *Coordinator) SyncSubscribers(sourceID string) (int, error) {
	source, err := c.Node(sourceID)
	if err != nil {
		return 0, err
	}

	targets := make([]*Node, 0)
	for _, id := range source.Subscribers() {
		node, err := c.Node(id)
		if err != nil {
			c.log().Debug("skipping unregistered subscriber",
				slog.String("node_id", sourceID),
				slog.String("subscriber_id", id),
			)
			continue
		}
		targets = append(targets, node)
	}

	return c.deliver(source, targets)
}

// deliver drains the source queue and fans the batch out to the
// targets, each target applying the batch in queue order. The batch is
// acked only after every target succeeded, otherwise it is nacked
// whole for redelivery.
func (c *Coordinator) deliver(source *Node, targets []*Node) (int, error) {
	var batch []Update
	for {
		u, ok, err := source.queue.Dequeue()
		if err != nil {
			for _, queued := range batch {
				if nackErr := source.queue.Nack(queued.ID); nackErr != nil {
					c.log().Warn("nack failed, update may be lost",
						slog.String("node_id", source.ID()),
						slog.String("update_id", queued.ID),
						slog.String("reason", nackErr.Error()),
					)
				}
			}
			return 0, fmt.Errorf("dequeue from node %s: %w", source.ID(), err)
		}
		if !ok {
			break
		}
		batch = append(batch, u)
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if len(targets) == 0 {
		for _, u := range batch {
			if err := source.queue.Ack(u.ID); err != nil {
				return 0, fmt.Errorf("ack update %s on node %s: %w", u.ID, source.ID(), err)
			}
		}
		return 0, nil
	}

	var g errgroup.Group
	for _, target := range targets {
		target := target
		g.Go(func() error {
			for _, u := range batch {
				if err := c.applyThroughPolicy(target, u); err != nil {
					return fmt.Errorf("apply update %s to node %s: %w", u.ID, target.ID(), err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, u := range batch {
			if nackErr := source.queue.Nack(u.ID); nackErr != nil {
				c.log().Warn("nack failed, update may be lost",
					slog.String("node_id", source.ID()),
					slog.String("update_id", u.ID),
					slog.String("reason", nackErr.Error()),
				)
			}
		}
		return 0, err
	}

	for _, u := range batch {
		if err := source.queue.Ack(u.ID); err != nil {
			return 0, fmt.Errorf("ack update %s on node %s: %w", u.ID, source.ID(), err)
		}
	}
	return len(batch) * len(targets), nil
}

// Conflicts returns the deferred conflicts collected since the last
// call and clears the listing.
func (c *Coordinator) Conflicts() []Conflict {
	c.conflictsMu.Lock()
	defer c.conflictsMu.Unlock()
	conflicts := c.conflicts
	c.conflicts = nil
	return conflicts
}
