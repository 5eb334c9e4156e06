// envelope_test.go - Envelope invariant tests.
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

package envelope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkProcessedOrdering(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	env := New("m1", []byte("opaque"), "recipient")
	require.Empty(env.ProcessedBy)
	require.False(env.IsSealed())

	for stage := 1; stage <= NumStages; stage++ {
		require.NoError(env.MarkProcessed(stage))
		require.Len(env.ProcessedBy, stage)
	}
	require.True(env.IsSealed())
	require.Equal([]int{1, 2, 3}, env.ProcessedBy)

	// A sealed envelope accepts no further stages.
	err := env.MarkProcessed(NumStages + 1)
	require.Error(err)
}

func TestMarkProcessedOutOfOrder(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	env := New("m2", nil, "recipient")

	err := env.MarkProcessed(2)
	require.Error(err)
	var oooErr *OutOfOrderStageError
	require.True(errors.As(err, &oooErr))
	require.Equal(2, oooErr.Stage)
	require.Equal(1, oooErr.Want)
	require.Empty(env.ProcessedBy, "failed mark must not mutate the envelope")

	// A stage cannot record itself twice.
	require.NoError(env.MarkProcessed(1))
	err = env.MarkProcessed(1)
	require.Error(err)
	require.Equal([]int{1}, env.ProcessedBy)
}

func TestPayloadImmutability(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	payload := []byte("secret")
	env := New("m3", payload, "recipient")
	payload[0] = 'X'
	require.Equal([]byte("secret"), env.Payload)
}
