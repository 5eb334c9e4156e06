// node.go - Mix cascade stage.
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
	"math"
	mRand "math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/aharonc358/mixcascade/cascade/envelope"
	"github.com/aharonc358/mixcascade/config"
	"github.com/aharonc358/mixcascade/core/log"
	"github.com/aharonc358/mixcascade/core/worker"
	"github.com/aharonc358/mixcascade/internal/instrument"
)

// forwardFunc hands an envelope to the next hop.  The callee takes
// ownership on success.
type forwardFunc func(*envelope.Envelope) error

// queueImpl is the time-ordered queue holding a stage's delayed envelopes.
type queueImpl interface {
	Halt()
	Peek() (time.Time, *envelope.Envelope)
	Pop()
	BulkEnqueue([]*envelope.Envelope)
}

type node struct {
	worker.Worker

	cfg   *config.Stage
	log   *logging.Logger
	stage int
	label string

	// forward and drop are wired by the cascade before start().
	forward forwardFunc
	drop    func(*envelope.Envelope)

	mRand *mRand.Rand
	q     queueImpl

	lock       sync.Mutex
	pending    []*envelope.Envelope
	batchStart time.Time
	inFlight   int
	halted     bool

	inCh      *channels.InfiniteChannel
	armCh     chan interface{}
	flushCh   chan interface{}
	flushedCh chan interface{}

	batchesOut atomic.Uint64
	batchesIn  uint64

	dispatchSlack time.Duration
	haltOnce      sync.Once
}

// Enqueue accepts one envelope for this stage.  It never blocks beyond the
// stage's internal lock, and rejects the envelope with ErrQueueFull when the
// pending batch plus the in-flight delayed envelopes is at the configured
// depth cap, or with ErrShutdown once the stage has taken its final drain
// snapshot.
func (n *node) Enqueue(env *envelope.Envelope) error {
	n.lock.Lock()
	if n.halted {
		n.lock.Unlock()
		return ErrShutdown
	}
	if len(n.pending)+n.inFlight >= n.cfg.MaxQueueDepth {
		n.lock.Unlock()
		return ErrQueueFull
	}
	n.pending = append(n.pending, env)
	if len(n.pending) == 1 {
		n.batchStart = time.Now()
	}
	depth := len(n.pending) + n.inFlight
	armed := len(n.pending) == 1
	full := len(n.pending) >= n.cfg.BatchThreshold
	n.lock.Unlock()

	instrument.QueueDepth(n.label, depth)
	if armed {
		select {
		case n.armCh <- nil:
		default:
		}
	}
	if full {
		select {
		case n.flushCh <- nil:
		default:
		}
	}
	return nil
}

// batchWorker accumulates the pending batch and decides when to flush it,
// off whichever of the two triggers fires first: the batch reaching the
// threshold size, or the max wait timer started when the batch went
// non-empty.
func (n *node) batchWorker() {
	timer := time.NewTimer(math.MaxInt64)
	defer timer.Stop()
	for {
		var timerFired, threshold bool
		select {
		case <-n.HaltCh():
			n.doFlush(true)
			close(n.flushedCh)
			return
		case <-n.armCh:
			// The batch went from empty to non-empty, the max wait
			// deadline is re-derived below.
		case <-n.flushCh:
			threshold = true
		case <-timer.C:
			timerFired = true
		}
		if !timerFired && !timer.Stop() {
			<-timer.C
		}

		// A signal only justifies a flush if its trigger still holds: a
		// threshold token can outlive its batch when the timer wins the
		// race into the select, and flushing the successor batch off such
		// a stale token would forward an under-threshold batch.
		if timerFired || (threshold && n.batchReady()) {
			n.doFlush(false)
		}

		// Re-derive the max wait deadline from the batch actually pending
		// rather than from whichever signal woke the worker, so stale
		// tokens cannot skew the clock either.
		if deadline, armed := n.batchDeadline(); armed {
			timer.Reset(time.Until(deadline))
		} else {
			timer.Reset(math.MaxInt64)
		}
	}
}

func (n *node) batchReady() bool {
	n.lock.Lock()
	defer n.lock.Unlock()
	return len(n.pending) >= n.cfg.BatchThreshold
}

// batchDeadline returns the max wait expiry of the pending batch, if any.
func (n *node) batchDeadline() (time.Time, bool) {
	n.lock.Lock()
	defer n.lock.Unlock()
	if len(n.pending) == 0 {
		return time.Time{}, false
	}
	return n.batchStart.Add(n.cfg.MaxWaitDuration()), true
}

// doFlush snapshots the pending batch, shuffles it, draws the per-envelope
// forwarding delays and hands the batch to the dispatch worker.  New
// enqueues accumulate into a fresh batch the instant the lock is released.
func (n *node) doFlush(drain bool) {
	n.lock.Lock()
	if drain {
		// The final snapshot.  Whatever Enqueue accepted so far drains,
		// anything later is refused rather than stranded.
		n.halted = true
	}
	batch := n.pending
	n.pending = nil
	n.inFlight += len(batch)
	n.lock.Unlock()

	// A batch of size zero never flushes.
	if len(batch) == 0 {
		return
	}

	// The anonymity-critical step.  The permutation MUST be uniform and
	// independent of arrival order, and each delay MUST be drawn
	// independently, so an observer correlating this stage's inputs with
	// its outputs learns nothing beyond batch membership.
	n.mRand.Shuffle(len(batch), func(i, j int) {
		batch[i], batch[j] = batch[j], batch[i]
	})
	minDelay := n.cfg.MinDelayDuration()
	delayRange := int64(n.cfg.MaxDelayDuration() - minDelay)
	for _, env := range batch {
		if drain {
			env.Delay = 0
			continue
		}
		env.Delay = minDelay
		if delayRange > 0 {
			env.Delay += time.Duration(n.mRand.Int63n(delayRange + 1))
		}
	}

	n.log.Debugf("Flushing batch of %d envelopes.", len(batch))
	instrument.BatchSize(len(batch))
	n.batchesOut.Add(1)
	n.inCh.In() <- batch
}

// dispatchWorker owns the stage's delay queue, forwarding each envelope of
// a flushed batch when its individual delay elapses.  One envelope's delay
// never blocks another's, the queue is strictly time ordered and the worker
// sleeps only until the earliest deadline.
func (n *node) dispatchWorker() {
	timer := time.NewTimer(math.MaxInt64)
	defer timer.Stop()
	for {
		var timerFired bool
		select {
		case <-n.HaltCh():
			n.drainQueue()
			n.log.Debugf("Terminating gracefully.")
			return
		case iBatch := <-n.inCh.Out():
			n.batchesIn++
			n.q.BulkEnqueue(iBatch.([]*envelope.Envelope))
		case <-timer.C:
			timerFired = true
		}
		if !timerFired && !timer.Stop() {
			<-timer.C
		}

		for {
			dispatchAt, env := n.q.Peek()
			if env == nil {
				timer.Reset(math.MaxInt64)
				break
			}
			now := time.Now()
			if dispatchAt.After(now) {
				timer.Reset(dispatchAt.Sub(now))
				break
			}
			n.q.Pop()
			if over := now.Sub(dispatchAt); over > n.dispatchSlack {
				n.log.Warningf("Envelope %v dispatched %v past its deadline.", env.ID, over)
			}
			n.dispatch(env)
		}
	}
}

// drainQueue runs at shutdown, after the batch worker's final flush, and
// dispatches everything still queued without honoring the remaining delays.
// Accepted envelopes are forwarded rather than discarded.
func (n *node) drainQueue() {
	<-n.flushedCh
	for n.batchesIn < n.batchesOut.Load() {
		iBatch := <-n.inCh.Out()
		n.batchesIn++
		n.q.BulkEnqueue(iBatch.([]*envelope.Envelope))
	}
	for {
		_, env := n.q.Peek()
		if env == nil {
			break
		}
		n.q.Pop()
		n.dispatch(env)
	}
}

func (n *node) dispatch(env *envelope.Envelope) {
	n.lock.Lock()
	n.inFlight--
	n.lock.Unlock()

	if err := env.MarkProcessed(n.stage); err != nil {
		n.log.Errorf("Envelope %v: %v", env.ID, err)
		panic("BUG: cascade stage wiring is broken: " + err.Error())
	}
	if err := n.forward(env); err != nil {
		n.log.Warningf("Dropping envelope %v: %v", env.ID, err)
		instrument.EnvelopeDropped(n.label)
		n.drop(env)
	}
}

// onQueueDrop is invoked by a delay queue backend that had to discard an
// envelope it could not schedule.
func (n *node) onQueueDrop(env *envelope.Envelope) {
	n.lock.Lock()
	n.inFlight--
	n.lock.Unlock()

	n.log.Errorf("Dropping envelope %v: delay queue failure.", env.ID)
	instrument.EnvelopeDropped(n.label)
	n.drop(env)
}

// start launches the stage's workers.  The cascade wires forward/drop
// before calling this, a stage without a next hop is a contract violation.
func (n *node) start() {
	if n.forward == nil || n.drop == nil {
		panic("BUG: stage " + n.label + " started without forwarding hooks")
	}
	n.Go(n.batchWorker)
	n.Go(n.dispatchWorker)
}

// Halt terminates the stage after flushing its pending batch and
// dispatching every delayed envelope it still holds.  It is idempotent.
func (n *node) Halt() {
	n.haltOnce.Do(func() {
		n.Worker.Halt()
		n.inCh.Close()
		n.q.Halt()
	})
}

func newNode(stage int, sCfg *config.Stage, dCfg *config.Debug, logBackend *log.Backend, dataDir string) (*node, error) {
	n := &node{
		cfg:           sCfg,
		stage:         stage,
		label:         strconv.Itoa(stage),
		mRand:         rand.NewMath(),
		inCh:          channels.NewInfiniteChannel(),
		armCh:         make(chan interface{}, 1),
		flushCh:       make(chan interface{}, 1),
		flushedCh:     make(chan interface{}),
		dispatchSlack: dCfg.DispatchSlackDuration(),
	}
	n.log = logBackend.GetLogger("cascade/stage" + n.label)

	if dataDir != "" {
		var err error
		n.q, err = newBoltQueue(dataDir, stage, n.log, n.onQueueDrop)
		if err != nil {
			return nil, err
		}
	} else {
		n.q = newMemoryQueue(n.log)
	}
	return n, nil
}
