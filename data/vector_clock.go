package data

import (
    "encoding/json"
)

// VectorClock tracks causality between updates originating at different
// nodes. Clocks are immutable: Increment and Merge return new instances so
// a clock already attached to an entry can never change underneath it.
type VectorClock struct {
    clocks map[string]uint64
}

func NewVectorClock() *VectorClock {
    return &VectorClock{
        clocks: make(map[string]uint64),
    }
}

func NewVectorClockFromMap(clocks map[string]uint64) *VectorClock {
    vectorClock := NewVectorClock()

    for nodeID, count := range clocks {
        vectorClock.clocks[nodeID] = count
    }

    return vectorClock
}

func (vectorClock *VectorClock) Counter(nodeID string) uint64 {
    return vectorClock.clocks[nodeID]
}

func (vectorClock *VectorClock) Increment(nodeID string) *VectorClock {
    newClock := NewVectorClockFromMap(vectorClock.clocks)
    newClock.clocks[nodeID] = newClock.clocks[nodeID] + 1

    return newClock
}

func (vectorClock *VectorClock) Merge(otherClock *VectorClock) *VectorClock {
    newClock := NewVectorClockFromMap(vectorClock.clocks)

    for nodeID, count := range otherClock.clocks {
        if count > newClock.clocks[nodeID] {
            newClock.clocks[nodeID] = count
        }
    }

    return newClock
}

// Compare returns -1 if this clock happened before the other, 1 if it
// happened after, and 0 when the clocks are equal or concurrent. Nodes
// absent from a clock count as zero.
func (vectorClock *VectorClock) Compare(otherClock *VectorClock) int {
    var anyLess bool
    var anyGreater bool

    for nodeID, count := range vectorClock.clocks {
        if count < otherClock.clocks[nodeID] {
            anyLess = true
        } else if count > otherClock.clocks[nodeID] {
            anyGreater = true
        }
    }

    for nodeID, count := range otherClock.clocks {
        if _, ok := vectorClock.clocks[nodeID]; ok {
            continue
        }

        if count > 0 {
            anyLess = true
        }
    }

    if anyLess && anyGreater {
        return 0
    }

    if anyLess {
        return -1
    }

    if anyGreater {
        return 1
    }

    return 0
}

func (vectorClock *VectorClock) IsConcurrentWith(otherClock *VectorClock) bool {
    var anyLess bool
    var anyGreater bool

    for nodeID, count := range vectorClock.clocks {
        if count < otherClock.clocks[nodeID] {
            anyLess = true
        } else if count > otherClock.clocks[nodeID] {
            anyGreater = true
        }
    }

    for nodeID, count := range otherClock.clocks {
        if _, ok := vectorClock.clocks[nodeID]; ok {
            continue
        }

        if count > 0 {
            anyLess = true
        }
    }

    return anyLess && anyGreater
}

func (vectorClock *VectorClock) Equals(otherClock *VectorClock) bool {
    for nodeID, count := range vectorClock.clocks {
        if count != otherClock.clocks[nodeID] {
            return false
        }
    }

    for nodeID, count := range otherClock.clocks {
        if _, ok := vectorClock.clocks[nodeID]; !ok && count != 0 {
            return false
        }
    }

    return true
}

// Map returns a copy of the underlying counters for serialization and
// inspection. Mutating the copy does not affect the clock.
func (vectorClock *VectorClock) Map() map[string]uint64 {
    clocks := make(map[string]uint64, len(vectorClock.clocks))

    for nodeID, count := range vectorClock.clocks {
        clocks[nodeID] = count
    }

    return clocks
}

func (vectorClock *VectorClock) MarshalJSON() ([]byte, error) {
    return json.Marshal(vectorClock.clocks)
}

func (vectorClock *VectorClock) UnmarshalJSON(data []byte) error {
    var clocks map[string]uint64

    if err := json.Unmarshal(data, &clocks); err != nil {
        return err
    }

    if clocks == nil {
        clocks = make(map[string]uint64)
    }

    vectorClock.clocks = clocks

    return nil
}
