// queue_mem.go - Memory backed stage delay queue.
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
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/aharonc358/mixcascade/cascade/envelope"
	"github.com/aharonc358/mixcascade/core/queue"
)

type memoryQueue struct {
	log *logging.Logger
	q   *queue.PriorityQueue
}

func (q *memoryQueue) Halt() {
	// No cleanup to be done.
}

func (q *memoryQueue) Peek() (time.Time, *envelope.Envelope) {
	e := q.q.Peek()
	if e == nil {
		return time.Time{}, nil
	}
	return time.Unix(0, int64(e.Priority)), e.Value.(*envelope.Envelope)
}

func (q *memoryQueue) Pop() {
	q.q.DequeueNext()
}

func (q *memoryQueue) BulkEnqueue(batch []*envelope.Envelope) {
	now := time.Now()
	for _, env := range batch {
		q.q.Enqueue(uint64(now.Add(env.Delay).UnixNano()), env)
	}
}

func newMemoryQueue(log *logging.Logger) queueImpl {
	return &memoryQueue{
		log: log,
		q:   queue.New(),
	}
}
