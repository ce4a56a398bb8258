package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kvisthall/eventsource"
	"github.com/kvisthall/eventsource/core"
	"github.com/kvisthall/eventsource/eventstore/memory"
	"github.com/kvisthall/eventsource/replication"
	"github.com/kvisthall/eventsource/replication/boltqueue"
)

func main() {
	ctx := context.Background()

	// event sourced side: store, stream and repository
	stream := eventsource.NewEventStream()
	sub := stream.SubscribeAll(func(e core.Event) {
		fmt.Printf("event %s on %s, version %d\n", e.EventType, e.AggregateID, e.Version)
	})
	defer sub.Close()

	repo := eventsource.NewRepository(memory.Create(), stream)
	repo.SnapshotEvery = 3

	item, err := RegisterItem("SKU-1001", "walnut desk")
	check(err)
	check(item.ChangePrice(24900))
	check(item.AdjustStock(12))
	check(repo.Save(ctx, item))

	// load a copy back from history
	twin := Item{}
	check(repo.Get(ctx, item.ID(), &twin))
	fmt.Printf("loaded %q at version %d with %d in stock\n", twin.Name, twin.Version(), twin.Stock)

	// replication side: three warehouse nodes behind a coordinator,
	// the central node carries a crash safe outbox
	dir, err := os.MkdirTemp("", "warehouse")
	check(err)
	defer os.RemoveAll(dir)

	queue, err := boltqueue.Open(filepath.Join(dir, "central.db"))
	check(err)
	defer queue.Close()

	coordinator := replication.NewCoordinator(replication.LastWriteWins{})
	central := replication.NewNodeWithQueue("central", queue)
	check(coordinator.AttachNode(central))
	_, err = coordinator.AddNode("north")
	check(err)
	_, err = coordinator.AddNode("south")
	check(err)

	// publish the item state, apply it locally and fan it out
	u, err := central.PublishUpdate(&twin)
	check(err)
	check(central.ApplyUpdate(u))

	delivered, err := coordinator.BroadcastUpdates("central")
	check(err)
	fmt.Printf("delivered %d updates\n", delivered)

	north, err := coordinator.Node("north")
	check(err)
	if record, ok := north.Get(twin.ID()); ok {
		fmt.Printf("north holds %s from %s\n", record.Payload, record.Source)
	}
}

func check(err error) {
	if err != nil {
		panic(err)
	}
}
