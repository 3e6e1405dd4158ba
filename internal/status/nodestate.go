package status

import "sync"

// nodeState is the folded per-node view of one execution.
type nodeState struct {
	mu    sync.RWMutex
	nodes map[string]NodeUpdate
	exec  ExecutionSnapshot
	seen  bool
}

func newNodeState() *nodeState {
	return &nodeState{nodes: map[string]NodeUpdate{}}
}

// replace swaps in a full snapshot.
func (s *nodeState) replace(snap ExecutionSnapshot) {
	nodes := make(map[string]NodeUpdate, len(snap.Nodes))
	for _, n := range snap.Nodes {
		if n.NodeID == "" {
			continue
		}
		nodes[n.NodeID] = n
	}
	meta := snap
	meta.Nodes = nil

	s.mu.Lock()
	s.nodes = nodes
	s.exec = meta
	s.seen = true
	s.mu.Unlock()
}

// merge updates one node and leaves the rest alone.
func (s *nodeState) merge(n NodeUpdate) bool {
	if n.NodeID == "" {
		return false
	}
	s.mu.Lock()
	s.nodes[n.NodeID] = n
	s.mu.Unlock()
	return true
}

func (s *nodeState) reset() {
	s.mu.Lock()
	s.nodes = map[string]NodeUpdate{}
	s.exec = ExecutionSnapshot{}
	s.seen = false
	s.mu.Unlock()
}

func (s *nodeState) copyNodes() map[string]NodeUpdate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]NodeUpdate, len(s.nodes))
	for k, v := range s.nodes {
		out[k] = v
	}
	return out
}

func (s *nodeState) node(id string) (NodeUpdate, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[id]
	return n, ok
}

func (s *nodeState) execution() (ExecutionSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.exec, s.seen
}
