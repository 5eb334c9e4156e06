// priority_queue.go - Min-heap based priority queue.
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

// Package queue implements a priority queue, used as the time-ordered
// dispatch queue of the mix stages.
package queue

import "container/heap"

// Entry is a PriorityQueue entry.
type Entry struct {
	Value    interface{}
	Priority uint64
}

// PriorityQueue is a priority queue instance.  It is not safe for concurrent
// use, callers are expected to serialize access.
type PriorityQueue struct {
	heap []*Entry
}

// Len implements sort.Interface.
func (q *PriorityQueue) Len() int {
	return len(q.heap)
}

// Less implements sort.Interface.
func (q *PriorityQueue) Less(i, j int) bool {
	return q.heap[i].Priority < q.heap[j].Priority
}

// Swap implements sort.Interface.
func (q *PriorityQueue) Swap(i, j int) {
	q.heap[i], q.heap[j] = q.heap[j], q.heap[i]
}

// Push implements heap.Interface.
func (q *PriorityQueue) Push(x interface{}) {
	q.heap = append(q.heap, x.(*Entry))
}

// Pop implements heap.Interface.
func (q *PriorityQueue) Pop() interface{} {
	if len(q.heap) == 0 {
		return nil
	}
	n := len(q.heap)
	e := q.heap[n-1]
	q.heap = q.heap[:n-1]
	return e
}

// Enqueue inserts the provided value into the queue with the specified
// priority.
func (q *PriorityQueue) Enqueue(priority uint64, value interface{}) {
	heap.Push(q, &Entry{
		Value:    value,
		Priority: priority,
	})
}

// Peek returns the entry with the lowest priority if any, leaving the
// queue unaltered.  Callers MUST NOT alter the Priority of the returned
// entry.
func (q *PriorityQueue) Peek() *Entry {
	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// DequeueNext removes and returns the entry with the lowest priority if any.
func (q *PriorityQueue) DequeueNext() *Entry {
	if len(q.heap) == 0 {
		return nil
	}
	return heap.Pop(q).(*Entry)
}

// New creates a new PriorityQueue.
func New() *PriorityQueue {
	return &PriorityQueue{
		heap: make([]*Entry, 0),
	}
}
