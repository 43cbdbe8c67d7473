package mapper

import "sync"

type NodeState int8

const (
	StateActiveOwner NodeState = iota
	StateActiveClone
	StateOffline
)

// PartitionMap records, for each partition in [0, P), its owning node and
// state. Only active_owner partitions are scanned.
type PartitionMap struct {
	mu           sync.RWMutex
	partitionMax int
	owners       []int64
	states       []NodeState
}

func NewPartitionMap(partitionMax int) *PartitionMap {
	m := &PartitionMap{
		partitionMax: partitionMax,
		owners:       make([]int64, partitionMax),
		states:       make([]NodeState, partitionMax),
	}
	for i := range m.owners {
		m.owners[i] = -1
		m.states[i] = StateOffline
	}
	return m
}

func (m *PartitionMap) PartitionMax() int {
	return m.partitionMax
}

func (m *PartitionMap) SetOwner(partition int, node int64, state NodeState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[partition] = node
	m.states[partition] = state
}

// Owner returns the active owner of a partition, or -1.
func (m *PartitionMap) Owner(partition int) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if partition < 0 || partition >= m.partitionMax {
		return -1
	}
	if m.states[partition] != StateActiveOwner {
		return -1
	}
	return m.owners[partition]
}

// PartitionsByNodeAndState lists the partitions a node holds in the given
// state, ascending.
func (m *PartitionMap) PartitionsByNodeAndState(node int64, state NodeState) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for p := 0; p < m.partitionMax; p++ {
		if m.owners[p] == node && m.states[p] == state {
			out = append(out, p)
		}
	}
	return out
}

// OwningNodes lists every node that owns at least one active partition.
func (m *PartitionMap) OwningNodes() []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[int64]bool{}
	var out []int64
	for p := 0; p < m.partitionMax; p++ {
		if m.states[p] != StateActiveOwner || m.owners[p] < 0 {
			continue
		}
		if !seen[m.owners[p]] {
			seen[m.owners[p]] = true
			out = append(out, m.owners[p])
		}
	}
	return out
}
