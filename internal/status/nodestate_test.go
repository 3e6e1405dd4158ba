package status

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdleNodeUpdateIsKept(t *testing.T) {
	var n NodeUpdate
	require.NoError(t, json.Unmarshal([]byte(`{"nodeId":"n1","status":"idle","visual":{"borderColor":"#ccc","icon":"circle"},"timestamp":"2024-01-01T00:00:00Z"}`), &n))
	assert.Equal(t, NodeIdle, n.Status)

	s := newNodeState()
	require.True(t, s.merge(NodeUpdate{NodeID: "n1", Status: NodeRunning}))
	require.True(t, s.merge(n))

	got, ok := s.node("n1")
	require.True(t, ok)
	assert.Equal(t, NodeIdle, got.Status)
	assert.Len(t, s.copyNodes(), 1)
}
