package replication

import "sort"

// AcknowledgementStrategy decides the highest position that counts as
// committed, given the position each node has acknowledged.
type AcknowledgementStrategy interface {
	FindAckedPosition(nodeToPosition map[int16]int64) int64
}

// EntireCluster commits a position only once every known node has
// acknowledged it.
type EntireCluster struct{}

// FindAckedPosition returns the minimum acknowledged position.
func (EntireCluster) FindAckedPosition(nodeToPosition map[int16]int64) int64 {
	acked := int64(0)
	first := true
	for _, position := range nodeToPosition {
		if first || position < acked {
			acked = position
			first = false
		}
	}
	return acked
}

// Quorum commits a position once a majority of nodes has acknowledged it.
type Quorum struct{}

// FindAckedPosition returns the highest position acknowledged by more than
// half of the nodes.
func (Quorum) FindAckedPosition(nodeToPosition map[int16]int64) int64 {
	if len(nodeToPosition) == 0 {
		return 0
	}
	positions := make([]int64, 0, len(nodeToPosition))
	for _, position := range nodeToPosition {
		positions = append(positions, position)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })
	return positions[(len(positions)-1)/2]
}
