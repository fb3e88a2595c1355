package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akaytatsu/cortex-sub000/internal/models"
)

func delta(text string, ts int64) models.TextDelta {
	return models.TextDelta{RangeStart: 0, RangeEnd: 0, Text: text, Timestamp: ts}
}

func TestApplyChangeAdvancesVersion(t *testing.T) {
	fs := NewFileSession("ws", "main.go")

	version, merged := fs.ApplyChange("conn-1", 0, []models.TextDelta{delta("a", 10)})
	assert.Equal(t, int64(1), version)
	assert.False(t, merged)

	version, merged = fs.ApplyChange("conn-1", 1, []models.TextDelta{delta("b", 20)})
	assert.Equal(t, int64(2), version)
	assert.False(t, merged)
}

func TestApplyChangeMergesConcurrentEditors(t *testing.T) {
	fs := NewFileSession("ws", "main.go")

	// Both editors start from version 0; the second submission is stale.
	v1, merged1 := fs.ApplyChange("conn-a", 0, []models.TextDelta{delta("a1", 30), delta("a2", 10)})
	v2, merged2 := fs.ApplyChange("conn-b", 0, []models.TextDelta{delta("b1", 20)})

	assert.False(t, merged1)
	assert.True(t, merged2)

	// The acknowledged version strictly increases for both senders.
	assert.Equal(t, int64(1), v1)
	assert.Equal(t, int64(2), v2)

	// Both senders' deltas are present, ordered by timestamp.
	pending := fs.PendingDeltas()
	require.Len(t, pending, 3)
	assert.Equal(t, "a2", pending[0].Text)
	assert.Equal(t, "b1", pending[1].Text)
	assert.Equal(t, "a1", pending[2].Text)
}

func TestApplyChangeTimestampTieBreak(t *testing.T) {
	fs := NewFileSession("ws", "main.go")

	fs.ApplyChange("conn-b", 0, []models.TextDelta{delta("from-b", 10)})
	fs.ApplyChange("conn-a", 0, []models.TextDelta{delta("from-a", 10)})

	// Equal timestamps order deterministically by sender id.
	pending := fs.PendingDeltas()
	require.Len(t, pending, 2)
	assert.Equal(t, "from-a", pending[0].Text)
	assert.Equal(t, "from-b", pending[1].Text)
}

func TestClearPending(t *testing.T) {
	fs := NewFileSession("ws", "main.go")
	fs.ApplyChange("conn-1", 0, []models.TextDelta{delta("a", 10)})
	require.Len(t, fs.PendingDeltas(), 1)

	fs.ClearPending()
	assert.Empty(t, fs.PendingDeltas())

	// The version counter is untouched by a flush.
	assert.Equal(t, int64(1), fs.Version())
}

func TestConnectionLifecycle(t *testing.T) {
	fs := NewFileSession("ws", "main.go")
	fs.AddConnection("c1")
	fs.AddConnection("c2")
	assert.Len(t, fs.Connections(), 2)

	assert.False(t, fs.RemoveConnection("c1"))
	assert.True(t, fs.RemoveConnection("c2"), "last connection leaving empties the session")
}
