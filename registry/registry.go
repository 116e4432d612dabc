package registry

import (
    "sort"
    "sync"
    "time"

    . "github.com/PelionIoT/servicedir/data"
    . "github.com/PelionIoT/servicedir/error"
)

func nowMilliseconds() uint64 {
    return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}

// Registration is the payload a local service hands over when it registers
// itself with the directory.
type Registration struct {
    EntityID string `json:"entity_id"`
    EntityName string `json:"entity_name"`
    Endpoint string `json:"endpoint"`
    Capabilities []string `json:"capabilities"`
    Metadata map[string]string `json:"metadata"`
    Signature string `json:"signature"`
}

type RegistryStats struct {
    Registered uint64 `json:"registered"`
    Heartbeats uint64 `json:"heartbeats"`
    TombstonesCreated uint64 `json:"tombstonesCreated"`
    Merged uint64 `json:"merged"`
    Expired uint64 `json:"expired"`
    TombstonesPurged uint64 `json:"tombstonesPurged"`
}

// NodeState is the portion of registry state that has to survive a restart
// alongside the entries: without the clock and counter a reborn node would
// reissue old versions and lose to replicas of its own past updates.
type NodeState struct {
    Clock map[string]uint64 `json:"clock"`
    Timestamp HLC `json:"hlc"`
    VersionCounter uint64 `json:"versionCounter"`
}

// DistributedRegistry is one node's copy of the service directory: the
// entry map, the clocks that order local mutations, and the node set
// gossip has revealed. All writes are serialized through the registry's
// lock so a version bump, clock increment and store are one atomic step.
// Readers get defensive copies and never block writers for long.
type DistributedRegistry struct {
    nodeID string
    maxEntities uint64
    peerTimeout time.Duration
    lock sync.RWMutex
    entries map[string]*RegistryEntry
    knownNodes map[string]bool
    clock *VectorClock
    hlc HLC
    versionCounter uint64
    stats RegistryStats
    updateHandler func(*RegistryEntry)
}

func NewDistributedRegistry(nodeID string, maxEntities uint64, peerTimeout time.Duration) *DistributedRegistry {
    return &DistributedRegistry{
        nodeID: nodeID,
        maxEntities: maxEntities,
        peerTimeout: peerTimeout,
        entries: make(map[string]*RegistryEntry),
        knownNodes: map[string]bool{ nodeID: true },
        clock: NewVectorClock(),
    }
}

func (registry *DistributedRegistry) NodeID() string {
    return registry.nodeID
}

// OnEntryUpdated installs the hook invoked after every local mutation and
// accepted merge. Install it before any loop starts: the handler is read
// without the registry lock.
func (registry *DistributedRegistry) OnEntryUpdated(updateHandler func(*RegistryEntry)) {
    registry.updateHandler = updateHandler
}

func (registry *DistributedRegistry) notifyEntryUpdated(entry *RegistryEntry) {
    if registry.updateHandler != nil {
        registry.updateHandler(entry)
    }
}

// RegisterLocal creates or takes over the entry for an entity this node
// hosts. Any existing replica is merged into the new entry's causal state
// first so the registration dominates remote copies instead of silently
// clobbering them.
func (registry *DistributedRegistry) RegisterLocal(registration Registration) (*RegistryEntry, error) {
    if len(registration.EntityID) == 0 {
        return nil, EEmpty
    }

    registry.lock.Lock()

    existing := registry.entries[registration.EntityID]

    if existing == nil && registry.maxEntities > 0 && uint64(len(registry.entries)) >= registry.maxEntities {
        registry.lock.Unlock()

        return nil, EEntryLimit
    }

    now := nowMilliseconds()
    registry.hlc = registry.hlc.Tick(now)

    clock := registry.clock

    if existing != nil {
        clock = clock.Merge(existing.Clock)
    }

    clock = clock.Increment(registry.nodeID)
    registry.clock = clock

    version := registry.versionCounter + 1

    if existing != nil && existing.Version >= version {
        version = existing.Version + 1
    }

    registry.versionCounter = version

    registeredAt := now

    if existing != nil && existing.Status != TOMBSTONE {
        registeredAt = existing.RegisteredAt
    }

    entry := &RegistryEntry{
        EntityID: registration.EntityID,
        EntityName: registration.EntityName,
        NodeID: registry.nodeID,
        Endpoint: registration.Endpoint,
        Capabilities: registration.Capabilities,
        Metadata: registration.Metadata,
        Signature: registration.Signature,
        Status: ACTIVE,
        RegisteredAt: registeredAt,
        LastHeartbeat: now,
        Version: version,
        Clock: clock,
        Timestamp: registry.hlc,
    }

    registry.entries[registration.EntityID] = entry
    registry.stats.Registered += 1

    entryCopy := entry.Clone()
    registry.lock.Unlock()

    registry.notifyEntryUpdated(entryCopy)

    return entryCopy, nil
}

// UpdateHeartbeat refreshes the liveness timestamp of an entry this node
// owns, reviving it if the sweep had already marked it unreachable.
func (registry *DistributedRegistry) UpdateHeartbeat(entityID string) (*RegistryEntry, error) {
    registry.lock.Lock()

    entry := registry.entries[entityID]

    if entry == nil || entry.Status == TOMBSTONE {
        registry.lock.Unlock()

        return nil, ENoSuchEntity
    }

    if entry.NodeID != registry.nodeID {
        registry.lock.Unlock()

        return nil, ENotOwner
    }

    now := nowMilliseconds()
    registry.hlc = registry.hlc.Tick(now)
    registry.clock = registry.clock.Increment(registry.nodeID)
    registry.versionCounter += 1

    entry.Status = ACTIVE
    entry.LastHeartbeat = now
    entry.Version = registry.versionCounter
    entry.Clock = registry.clock
    entry.Timestamp = registry.hlc

    registry.stats.Heartbeats += 1

    entryCopy := entry.Clone()
    registry.lock.Unlock()

    registry.notifyEntryUpdated(entryCopy)

    return entryCopy, nil
}

// DeregisterLocal tombstones an entry this node owns. The tombstone is a
// replicated update like any other so the deletion wins over stale copies
// still circulating in gossip.
func (registry *DistributedRegistry) DeregisterLocal(entityID string) (*RegistryEntry, error) {
    registry.lock.Lock()

    entry := registry.entries[entityID]

    if entry == nil {
        registry.lock.Unlock()

        return nil, ENoSuchEntity
    }

    if entry.NodeID != registry.nodeID {
        registry.lock.Unlock()

        return nil, ENotOwner
    }

    if entry.Status == TOMBSTONE {
        entryCopy := entry.Clone()
        registry.lock.Unlock()

        return entryCopy, nil
    }

    now := nowMilliseconds()
    registry.hlc = registry.hlc.Tick(now)
    registry.clock = registry.clock.Increment(registry.nodeID)
    registry.versionCounter += 1

    entry.Status = TOMBSTONE
    entry.LastHeartbeat = now
    entry.Version = registry.versionCounter
    entry.Clock = registry.clock
    entry.Timestamp = registry.hlc

    registry.stats.TombstonesCreated += 1

    entryCopy := entry.Clone()
    registry.lock.Unlock()

    registry.notifyEntryUpdated(entryCopy)

    return entryCopy, nil
}

// MergeEntry folds a replica received from another node into local state.
// It reports whether local state changed so callers can decide whether to
// propagate further. The node clock witnesses the remote clocks either way
// so subsequent local events order after everything this node has seen.
func (registry *DistributedRegistry) MergeEntry(remoteEntry *RegistryEntry) (bool, error) {
    if remoteEntry == nil {
        return false, EInvalidEntry
    }

    if err := remoteEntry.Validate(); err != nil {
        return false, err
    }

    registry.lock.Lock()

    now := nowMilliseconds()
    registry.clock = registry.clock.Merge(remoteEntry.Clock)
    registry.hlc = registry.hlc.Witness(remoteEntry.Timestamp, now)
    registry.knownNodes[remoteEntry.NodeID] = true

    var changed bool
    local := registry.entries[remoteEntry.EntityID]

    if local == nil {
        registry.entries[remoteEntry.EntityID] = remoteEntry.Clone()
        changed = true
    } else if local.Merge(remoteEntry) != local {
        registry.entries[remoteEntry.EntityID] = remoteEntry.Clone()
        changed = true
    }

    if changed {
        registry.stats.Merged += 1
    }

    registry.lock.Unlock()

    return changed, nil
}

// GetDigest summarizes the live entry set as entity id to version. Expired
// entries stay out: advertising them would make peers push back state the
// sweep is about to drop.
func (registry *DistributedRegistry) GetDigest() Digest {
    registry.lock.RLock()
    defer registry.lock.RUnlock()

    now := nowMilliseconds()
    digest := make(Digest, len(registry.entries))

    for entityID, entry := range registry.entries {
        if entry.IsExpired(now, uint64(registry.peerTimeout / time.Millisecond)) {
            continue
        }

        digest[entityID] = entry.Version
    }

    return digest
}

// GetEntriesSince returns the full entries a peer advertising the given
// digest is missing or holds outdated, sorted by entity id.
func (registry *DistributedRegistry) GetEntriesSince(peerDigest Digest) []*RegistryEntry {
    registry.lock.RLock()
    defer registry.lock.RUnlock()

    now := nowMilliseconds()
    entries := make([]*RegistryEntry, 0)

    for entityID, entry := range registry.entries {
        if entry.IsExpired(now, uint64(registry.peerTimeout / time.Millisecond)) {
            continue
        }

        if peerDigest.NeedsEntry(entityID, entry.Version) {
            entries = append(entries, entry.Clone())
        }
    }

    sort.Slice(entries, func(i, j int) bool {
        return entries[i].EntityID < entries[j].EntityID
    })

    return entries
}

// Get looks up one live entry. Tombstoned entities read as absent: the
// directory's consumers should never route to a deleted service.
func (registry *DistributedRegistry) Get(entityID string) (*RegistryEntry, error) {
    registry.lock.RLock()
    defer registry.lock.RUnlock()

    entry := registry.entries[entityID]

    if entry == nil || entry.Status == TOMBSTONE {
        return nil, ENoSuchEntity
    }

    return entry.Clone(), nil
}

// GetAll returns every non-tombstoned entry sorted by entity id.
func (registry *DistributedRegistry) GetAll() []*RegistryEntry {
    return registry.FindPeers("", "")
}

// FindPeers filters the live entry set by entity name and capability.
// Empty filters match everything.
func (registry *DistributedRegistry) FindPeers(entityName string, capability string) []*RegistryEntry {
    registry.lock.RLock()
    defer registry.lock.RUnlock()

    entries := make([]*RegistryEntry, 0)

    for _, entry := range registry.entries {
        if entry.Status == TOMBSTONE {
            continue
        }

        if len(entityName) != 0 && entry.EntityName != entityName {
            continue
        }

        if len(capability) != 0 && !entry.HasCapability(capability) {
            continue
        }

        entries = append(entries, entry.Clone())
    }

    sort.Slice(entries, func(i, j int) bool {
        return entries[i].EntityID < entries[j].EntityID
    })

    return entries
}

// AllEntries returns every entry including tombstones. The merkle build,
// the snapshot writer and partition reconciliation all need the complete
// replicated state, not the consumer view.
func (registry *DistributedRegistry) AllEntries() []*RegistryEntry {
    registry.lock.RLock()
    defer registry.lock.RUnlock()

    entries := make([]*RegistryEntry, 0, len(registry.entries))

    for _, entry := range registry.entries {
        entries = append(entries, entry.Clone())
    }

    sort.Slice(entries, func(i, j int) bool {
        return entries[i].EntityID < entries[j].EntityID
    })

    return entries
}

// SyncEntries returns the full replicas for the requested entity ids,
// skipping ids this node has never seen.
func (registry *DistributedRegistry) SyncEntries(entityIDs []string) []*RegistryEntry {
    registry.lock.RLock()
    defer registry.lock.RUnlock()

    entries := make([]*RegistryEntry, 0, len(entityIDs))

    for _, entityID := range entityIDs {
        if entry, ok := registry.entries[entityID]; ok {
            entries = append(entries, entry.Clone())
        }
    }

    return entries
}

// SweepExpired removes remote-owned entries whose heartbeat is past the
// peer timeout and marks the ones past the unreachable threshold. Entries
// owned by this node are left alone: their liveness is the local service's
// business, and tombstones only leave through PurgeTombstones.
func (registry *DistributedRegistry) SweepExpired(unreachableAfter time.Duration) []string {
    registry.lock.Lock()
    defer registry.lock.Unlock()

    now := nowMilliseconds()
    removed := make([]string, 0)

    for entityID, entry := range registry.entries {
        if entry.NodeID == registry.nodeID || entry.Status == TOMBSTONE {
            continue
        }

        if entry.IsExpired(now, uint64(registry.peerTimeout / time.Millisecond)) {
            delete(registry.entries, entityID)
            registry.stats.Expired += 1
            removed = append(removed, entityID)

            continue
        }

        if entry.Status == ACTIVE && entry.IsExpired(now, uint64(unreachableAfter / time.Millisecond)) {
            entry.Status = UNREACHABLE
        }
    }

    sort.Strings(removed)

    return removed
}

// PurgeTombstones removes tombstones older than the retention window.
// This is the only path that deletes a tombstone.
func (registry *DistributedRegistry) PurgeTombstones(retention time.Duration) []string {
    registry.lock.Lock()
    defer registry.lock.Unlock()

    now := nowMilliseconds()
    purged := make([]string, 0)

    for entityID, entry := range registry.entries {
        if entry.Status != TOMBSTONE {
            continue
        }

        if now > entry.LastHeartbeat && now - entry.LastHeartbeat > uint64(retention / time.Millisecond) {
            delete(registry.entries, entityID)
            registry.stats.TombstonesPurged += 1
            purged = append(purged, entityID)
        }
    }

    sort.Strings(purged)

    return purged
}

func (registry *DistributedRegistry) EntryCount() int {
    registry.lock.RLock()
    defer registry.lock.RUnlock()

    return len(registry.entries)
}

func (registry *DistributedRegistry) KnownNodes() []string {
    registry.lock.RLock()
    defer registry.lock.RUnlock()

    nodes := make([]string, 0, len(registry.knownNodes))

    for nodeID, _ := range registry.knownNodes {
        nodes = append(nodes, nodeID)
    }

    sort.Strings(nodes)

    return nodes
}

func (registry *DistributedRegistry) AddKnownNode(nodeID string) {
    if len(nodeID) == 0 {
        return
    }

    registry.lock.Lock()
    defer registry.lock.Unlock()

    registry.knownNodes[nodeID] = true
}

func (registry *DistributedRegistry) LocalClock() *VectorClock {
    registry.lock.RLock()
    defer registry.lock.RUnlock()

    return registry.clock
}

func (registry *DistributedRegistry) Stats() RegistryStats {
    registry.lock.RLock()
    defer registry.lock.RUnlock()

    return registry.stats
}

func (registry *DistributedRegistry) NodeState() NodeState {
    registry.lock.RLock()
    defer registry.lock.RUnlock()

    return NodeState{
        Clock: registry.clock.Map(),
        Timestamp: registry.hlc,
        VersionCounter: registry.versionCounter,
    }
}

// RestoreNodeState reinstates the clocks and counter from a snapshot. Only
// meant to run during startup before any loop or request touches the
// registry.
func (registry *DistributedRegistry) RestoreNodeState(state NodeState) {
    registry.lock.Lock()
    defer registry.lock.Unlock()

    registry.clock = NewVectorClockFromMap(state.Clock)
    registry.hlc = state.Timestamp
    registry.versionCounter = state.VersionCounter
}

// RestoreEntry reinstates one entry from a snapshot without touching the
// node clocks or statistics.
func (registry *DistributedRegistry) RestoreEntry(entry *RegistryEntry) error {
    if err := entry.Validate(); err != nil {
        return err
    }

    registry.lock.Lock()
    defer registry.lock.Unlock()

    registry.entries[entry.EntityID] = entry.Clone()
    registry.knownNodes[entry.NodeID] = true

    return nil
}
