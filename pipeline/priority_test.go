package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quicr/packet"
	"quicr/shortname"
)

func TestPriorityStrictOrdering(t *testing.T) {
	sink := newRecordingStage()
	pr := NewPriority()
	New(sink, pr)

	low := packet.New(shortname.ShortName{ResourceID: 1}, nil)
	low.Priority = 9
	high := packet.New(shortname.ShortName{ResourceID: 2}, nil)
	high.Priority = 1

	require.NoError(t, pr.Send(low))
	require.NoError(t, pr.Send(high))
	assert.Equal(t, 2, pr.Pending())

	ok, err := pr.Drain()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, sink.sent, 1)
	assert.Same(t, high, sink.sent[0])

	ok, err = pr.Drain()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Same(t, low, sink.sent[1])

	ok, _ = pr.Drain()
	assert.False(t, ok)
}

func TestPriorityClampsOutOfRange(t *testing.T) {
	assert.Equal(t, 0, priorityIndex(0))
	assert.Equal(t, priorityLevels-1, priorityIndex(255))
	assert.Equal(t, 0, priorityIndex(1))
}
