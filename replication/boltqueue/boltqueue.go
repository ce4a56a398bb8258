// Package boltqueue is a bbolt backed replication.Queue. Updates
// survive a restart, and updates that were dequeued but never acked
// are redelivered when the queue reopens.
package boltqueue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/kvisthall/eventsource/replication"
)

var (
	pendingBucketName = []byte("pending")
	sentBucketName    = []byte("sent")
	idsBucketName     = []byte("ids")
)

// itob returns an 8-byte big endian representation of v.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// Queue keeps its pending and sent updates in a bbolt file.
type Queue struct {
	db *bbolt.DB
}

// Open opens or creates the queue file. Updates that were sent but not
// acked before the last shutdown are moved back to pending for
// redelivery.
func Open(path string) (*Queue, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt queue %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{pendingBucketName, sentBucketName, idsBucketName} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return recoverSent(tx)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize bolt queue: %w", err)
	}
	return &Queue{db: db}, nil
}

// recoverSent moves sent updates back to pending. Their keys carry the
// enqueue sequence so redelivery keeps the original order.
func recoverSent(tx *bbolt.Tx) error {
	pending := tx.Bucket(pendingBucketName)
	sent := tx.Bucket(sentBucketName)

	type pair struct{ k, v []byte }
	var moved []pair
	err := sent.ForEach(func(k, v []byte) error {
		moved = append(moved, pair{k: append([]byte(nil), k...), v: append([]byte(nil), v...)})
		return nil
	})
	if err != nil {
		return err
	}
	for _, p := range moved {
		if err := pending.Put(p.k, p.v); err != nil {
			return err
		}
		if err := sent.Delete(p.k); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying bolt db.
func (q *Queue) Close() error {
	return q.db.Close()
}

// Enqueue appends the update to the pending queue.
func (q *Queue) Enqueue(u replication.Update) error {
	value, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("serialize update: %w", err)
	}
	return q.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket(pendingBucketName)
		seq, err := pending.NextSequence()
		if err != nil {
			return err
		}
		key := itob(seq)
		if err := pending.Put(key, value); err != nil {
			return err
		}
		return tx.Bucket(idsBucketName).Put([]byte(u.ID), key)
	})
}

// Dequeue moves the oldest pending update to the sent state.
func (q *Queue) Dequeue() (replication.Update, bool, error) {
	var (
		u     replication.Update
		found bool
	)
	err := q.db.Update(func(tx *bbolt.Tx) error {
		pending := tx.Bucket(pendingBucketName)
		k, v := pending.Cursor().First()
		if k == nil {
			return nil
		}
		if err := json.Unmarshal(v, &u); err != nil {
			return fmt.Errorf("deserialize update: %w", err)
		}
		if err := tx.Bucket(sentBucketName).Put(k, v); err != nil {
			return err
		}
		if err := pending.Delete(k); err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return replication.Update{}, false, err
	}
	return u, found, nil
}

// Ack discards a sent update. Unknown or already acked ids are a no-op.
func (q *Queue) Ack(id string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(idsBucketName)
		key := ids.Get([]byte(id))
		if key == nil {
			return nil
		}
		sent := tx.Bucket(sentBucketName)
		if sent.Get(key) == nil {
			// still pending or nacked back, acking now would lose it
			return nil
		}
		if err := sent.Delete(key); err != nil {
			return err
		}
		return ids.Delete([]byte(id))
	})
}

// Nack returns a sent update to the pending queue. The key carries the
// enqueue sequence so it slots back into its original position.
func (q *Queue) Nack(id string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		key := tx.Bucket(idsBucketName).Get([]byte(id))
		if key == nil {
			return nil
		}
		sent := tx.Bucket(sentBucketName)
		value := sent.Get(key)
		if value == nil {
			return nil
		}
		if err := tx.Bucket(pendingBucketName).Put(key, value); err != nil {
			return err
		}
		return sent.Delete(key)
	})
}

// Len returns the number of pending updates.
func (q *Queue) Len() (int, error) {
	var n int
	err := q.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(pendingBucketName).Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
