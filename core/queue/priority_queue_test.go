// priority_queue_test.go - Priority queue tests.
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

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriorityQueueOrdering(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	q := New()
	require.Equal(0, q.Len(), "Queue length (empty)")
	require.Nil(q.Peek(), "Peek() (empty)")
	require.Nil(q.DequeueNext(), "DequeueNext() (empty)")

	// Insert in an arbitrary order, expect ordered removal.
	prios := []uint64{42, 7, 100, 0, 23, 99, 7}
	for i, p := range prios {
		q.Enqueue(p, i)
	}
	require.Equal(len(prios), q.Len(), "Queue length (full)")

	var last uint64
	for q.Len() > 0 {
		e := q.Peek()
		require.NotNil(e)
		require.GreaterOrEqual(e.Priority, last, "Peek(): Priority ordering")
		popped := q.DequeueNext()
		require.Equal(e, popped, "DequeueNext() vs Peek()")
		last = popped.Priority
	}
}
