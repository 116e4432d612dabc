package data

import (
    "encoding/binary"
    "encoding/json"
    . "github.com/PelionIoT/servicedir/error"
)

const (
    ACTIVE = iota
    UNREACHABLE = iota
    TOMBSTONE = iota
)

type Status int

func (status Status) Name() string {
    switch status {
    case ACTIVE:
        return "active"
    case UNREACHABLE:
        return "unreachable"
    case TOMBSTONE:
        return "tombstone"
    }

    return "invalid"
}

func (status Status) IsValid() bool {
    return status == ACTIVE || status == UNREACHABLE || status == TOMBSTONE
}

func (status Status) MarshalJSON() ([]byte, error) {
    if !status.IsValid() {
        return nil, EInvalidEntry
    }

    return json.Marshal(status.Name())
}

func (status *Status) UnmarshalJSON(data []byte) error {
    var name string

    if err := json.Unmarshal(data, &name); err != nil {
        return err
    }

    switch name {
    case "active":
        *status = ACTIVE
    case "unreachable":
        *status = UNREACHABLE
    case "tombstone":
        *status = TOMBSTONE
    default:
        return EInvalidEntry
    }

    return nil
}

// RegistryEntry is one replicated service registration. Every field
// travels on the wire so a receiving node reconstructs an equivalent
// replica for merge purposes.
type RegistryEntry struct {
    EntityID string `json:"entity_id"`
    EntityName string `json:"entity_name"`
    NodeID string `json:"node_id"`
    Endpoint string `json:"endpoint"`
    Capabilities []string `json:"capabilities"`
    Metadata map[string]string `json:"metadata"`
    Signature string `json:"signature"`
    Status Status `json:"status"`
    RegisteredAt uint64 `json:"registered_at"`
    LastHeartbeat uint64 `json:"last_heartbeat"`
    Version uint64 `json:"version"`
    Clock *VectorClock `json:"vector_clock"`
    Timestamp HLC `json:"hlc"`
}

// Merge decides which of two replicas of the same entity survives. Causal
// dominance wins outright; concurrent or tied clocks fall through to the
// HLC and finally to the lexicographically greater node id. The same rule
// resolves conflicts in both the gossip path and partition reconciliation,
// and it is commutative, associative and idempotent so replicas converge
// no matter the order or duplication of deliveries.
func (entry *RegistryEntry) Merge(otherEntry *RegistryEntry) *RegistryEntry {
    if otherEntry == nil {
        return entry
    }

    if entry == nil {
        return otherEntry
    }

    switch entry.Clock.Compare(otherEntry.Clock) {
    case 1:
        return entry
    case -1:
        return otherEntry
    }

    switch entry.Timestamp.Compare(otherEntry.Timestamp) {
    case 1:
        return entry
    case -1:
        return otherEntry
    }

    if entry.NodeID >= otherEntry.NodeID {
        return entry
    }

    return otherEntry
}

// IsExpired reports whether the liveness window has elapsed. Tombstones
// are never expired by age: the deletion marker has to survive until the
// retention pass removes it or it could be resurrected by a stale replica.
func (entry *RegistryEntry) IsExpired(nowMS uint64, timeoutMS uint64) bool {
    if entry.Status == TOMBSTONE {
        return false
    }

    if nowMS <= entry.LastHeartbeat {
        return false
    }

    return nowMS - entry.LastHeartbeat > timeoutMS
}

// LeafHash digests the fields that identify one replica's position in
// history. Two replicas hash equal exactly when entity, version, heartbeat
// and owner agree, which is the per-entry equality the merkle comparison
// needs.
func (entry *RegistryEntry) LeafHash() Hash {
    buffer := make([]byte, 0, len(entry.EntityID) + len(entry.NodeID) + 16)
    versionBytes := make([]byte, 8)
    heartbeatBytes := make([]byte, 8)

    binary.BigEndian.PutUint64(versionBytes, entry.Version)
    binary.BigEndian.PutUint64(heartbeatBytes, entry.LastHeartbeat)

    buffer = append(buffer, []byte(entry.EntityID)...)
    buffer = append(buffer, versionBytes...)
    buffer = append(buffer, heartbeatBytes...)
    buffer = append(buffer, []byte(entry.NodeID)...)

    return NewHash(buffer)
}

func (entry *RegistryEntry) Validate() error {
    if entry == nil {
        return EEmpty
    }

    if len(entry.EntityID) == 0 || len(entry.NodeID) == 0 {
        return EInvalidEntry
    }

    if entry.Clock == nil {
        return EInvalidEntry
    }

    if !entry.Status.IsValid() {
        return EInvalidEntry
    }

    if entry.Version == 0 {
        return EInvalidEntry
    }

    return nil
}

func (entry *RegistryEntry) Clone() *RegistryEntry {
    newEntry := *entry

    if entry.Capabilities != nil {
        newEntry.Capabilities = make([]string, len(entry.Capabilities))
        copy(newEntry.Capabilities, entry.Capabilities)
    }

    if entry.Metadata != nil {
        newEntry.Metadata = make(map[string]string, len(entry.Metadata))

        for key, value := range entry.Metadata {
            newEntry.Metadata[key] = value
        }
    }

    if entry.Clock != nil {
        newEntry.Clock = NewVectorClockFromMap(entry.Clock.Map())
    }

    return &newEntry
}

func (entry *RegistryEntry) HasCapability(capability string) bool {
    for _, entryCapability := range entry.Capabilities {
        if entryCapability == capability {
            return true
        }
    }

    return false
}
