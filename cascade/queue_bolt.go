// queue_bolt.go - BoltDB backed stage delay queue.
// Copyright (C) 2026  mixcascade authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package cascade

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/aharonc358/mixcascade/cascade/envelope"
)

const (
	boltQueueFmt        = "stage%d_queue.db"
	boltEnvelopesBucket = "envelopes"

	// Keys are `dispatchAt || seq` so that iteration order is dispatch
	// order, with the sequence number disambiguating priority collisions.
	boltKeySize = 8 + 8
)

// The default cbor time encoding truncates to seconds, which would skew the
// transit diagnostics of every envelope that crosses the disk queue.
var cborEnc = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeUnixMicro}.EncMode()
	if err != nil {
		panic("BUG: cbor EncMode: " + err.Error())
	}
	return em
}()

// boltQueue spills a stage's delayed envelopes to disk so that resident
// memory stays bounded under sustained load.  The file is recreated at
// startup, scheduled envelopes deliberately do not survive a restart.
type boltQueue struct {
	log    *logging.Logger
	onDrop func(*envelope.Envelope)

	db *bolt.DB

	headEnv  *envelope.Envelope
	headPrio time.Time

	count uint64
	seq   uint64
}

func (q *boltQueue) Halt() {
	if q.db != nil {
		if q.count != 0 {
			q.log.Warningf("Closing delay queue with %d scheduled envelopes.", q.count)
		}
		if err := q.db.Close(); err != nil {
			q.log.Errorf("Failed to close delay queue database: %v", err)
		}
		q.db = nil
	}
}

func (q *boltQueue) Peek() (time.Time, *envelope.Envelope) {
	return q.headPrio, q.headEnv
}

func (q *boltQueue) Pop() {
	if q.headEnv == nil {
		panic("BUG: bolt queue: Pop() of empty queue")
	}
	q.headEnv, q.headPrio = nil, time.Time{}

	err := q.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(boltEnvelopesBucket))
		cur := bkt.Cursor()
		k, _ := cur.First()
		if k == nil {
			panic("BUG: bolt queue: database out of sync with count")
		}
		if err := bkt.Delete(k); err != nil {
			return err
		}
		k, v := cur.First()
		if k == nil {
			return nil
		}
		env := new(envelope.Envelope)
		if err := cbor.Unmarshal(v, env); err != nil {
			return err
		}
		q.headEnv = env
		q.headPrio = time.Unix(0, int64(binary.BigEndian.Uint64(k[0:8])))
		return nil
	})
	if err != nil {
		// The popped record is gone regardless, all that can be done is
		// scream about the head cache being stale.
		q.log.Errorf("Failed to advance delay queue head: %v", err)
	}
	q.count--
}

func (q *boltQueue) BulkEnqueue(batch []*envelope.Envelope) {
	now := time.Now()

	// The queue bookkeeping is only touched once the transaction commits,
	// a rolled back transaction must not leave the head cache or counters
	// pointing at records that were never written.
	var dropped []*envelope.Envelope
	stored, seq := uint64(0), q.seq
	headEnv, headPrio := q.headEnv, q.headPrio

	err := q.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(boltEnvelopesBucket))
		for _, env := range batch {
			prio := now.Add(env.Delay)
			blob, err := cborEnc.Marshal(env)
			if err != nil {
				q.log.Errorf("Failed to serialize envelope %v: %v", env.ID, err)
				dropped = append(dropped, env)
				continue
			}
			var key [boltKeySize]byte
			binary.BigEndian.PutUint64(key[0:], uint64(prio.UnixNano()))
			binary.BigEndian.PutUint64(key[8:], seq)
			seq++
			if err = bkt.Put(key[:], blob); err != nil {
				return err
			}
			stored++
			if headEnv == nil || prio.Before(headPrio) {
				headEnv, headPrio = env, prio
			}
		}
		return nil
	})
	if err != nil {
		q.log.Errorf("Failed to enqueue batch: %v", err)
		dropped = batch
	} else {
		q.seq = seq
		q.count += stored
		q.headEnv, q.headPrio = headEnv, headPrio
	}
	for _, env := range dropped {
		q.onDrop(env)
	}
}

func newBoltQueue(dataDir string, stage int, log *logging.Logger, onDrop func(*envelope.Envelope)) (queueImpl, error) {
	q := &boltQueue{
		log:    log,
		onDrop: onDrop,
	}

	dbPath := filepath.Join(dataDir, fmt.Sprintf(boltQueueFmt, stage))
	var err error
	q.db, err = bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		// Discard whatever a previous run left behind.
		if tx.Bucket([]byte(boltEnvelopesBucket)) != nil {
			if err := tx.DeleteBucket([]byte(boltEnvelopesBucket)); err != nil {
				return err
			}
		}
		_, err := tx.CreateBucket([]byte(boltEnvelopesBucket))
		return err
	})
	if err != nil {
		q.db.Close()
		return nil, err
	}
	return q, nil
}
