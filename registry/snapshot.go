package registry

import (
    "encoding/json"
    "time"

    . "github.com/PelionIoT/servicedir/data"
    . "github.com/PelionIoT/servicedir/logging"
    . "github.com/PelionIoT/servicedir/storage"
)

var ENTRIES_PREFIX = []byte{ 0 }
var NODE_STATE_PREFIX = []byte{ 1 }
var PARTITION_EVENTS_PREFIX = []byte{ 2 }

func entryKey(entityID string) []byte {
    result := make([]byte, 0, len(ENTRIES_PREFIX) + len(entityID))

    result = append(result, ENTRIES_PREFIX...)
    result = append(result, []byte(entityID)...)

    return result
}

func decodeEntryKey(key []byte) string {
    if len(key) < len(ENTRIES_PREFIX) {
        return ""
    }

    return string(key[len(ENTRIES_PREFIX):])
}

// Snapshotter periodically persists the registry so a restarted node
// rejoins with its entries, clock and version counter intact instead of
// reissuing versions its peers have already seen.
type Snapshotter struct {
    registry *DistributedRegistry
    storageDriver StorageDriver
    snapshotInterval time.Duration
    done chan bool
}

func NewSnapshotter(registry *DistributedRegistry, storageDriver StorageDriver, snapshotInterval time.Duration) *Snapshotter {
    return &Snapshotter{
        registry: registry,
        storageDriver: storageDriver,
        snapshotInterval: snapshotInterval,
        done: make(chan bool),
    }
}

func (snapshotter *Snapshotter) Start() {
    go func() {
        for {
            select {
            case <-snapshotter.done:
                snapshotter.done = make(chan bool)

                return
            case <-time.After(snapshotter.snapshotInterval):
                if err := snapshotter.Snapshot(); err != nil {
                    Log.Errorf("Unable to write registry snapshot: %v", err)
                }
            }
        }
    }()
}

func (snapshotter *Snapshotter) Stop() {
    close(snapshotter.done)
}

// Snapshot writes the current entry set and node state in one batch.
// Keys for entries that have since been swept are deleted in the same
// batch so the stored image never resurrects them on restart.
func (snapshotter *Snapshotter) Snapshot() error {
    entries := snapshotter.registry.AllEntries()
    state := snapshotter.registry.NodeState()

    batch := NewBatch()
    live := make(map[string]bool, len(entries))

    for _, entry := range entries {
        encoded, err := json.Marshal(entry)

        if err != nil {
            return err
        }

        batch.Put(entryKey(entry.EntityID), encoded)
        live[entry.EntityID] = true
    }

    iter, err := snapshotter.storageDriver.GetMatches([][]byte{ ENTRIES_PREFIX })

    if err != nil {
        return err
    }

    defer iter.Release()

    for iter.Next() {
        entityID := decodeEntryKey(iter.Key())

        if !live[entityID] {
            batch.Delete(entryKey(entityID))
        }
    }

    if iter.Error() != nil {
        return iter.Error()
    }

    encodedState, err := json.Marshal(state)

    if err != nil {
        return err
    }

    batch.Put(NODE_STATE_PREFIX, encodedState)

    if err := snapshotter.storageDriver.Batch(batch); err != nil {
        return err
    }

    Log.Debugf("Wrote registry snapshot containing %d entries", len(entries))

    return nil
}

// Restore loads the persisted image into the registry. Meant to run once
// at startup before the server starts serving requests. Corrupted records
// are skipped rather than failing the boot.
func (snapshotter *Snapshotter) Restore() error {
    values, err := snapshotter.storageDriver.Get([][]byte{ NODE_STATE_PREFIX })

    if err != nil {
        return err
    }

    if values[0] != nil {
        var state NodeState

        if err := json.Unmarshal(values[0], &state); err != nil {
            Log.Warningf("Ignoring corrupted node state snapshot: %v", err)
        } else {
            snapshotter.registry.RestoreNodeState(state)
        }
    }

    iter, err := snapshotter.storageDriver.GetMatches([][]byte{ ENTRIES_PREFIX })

    if err != nil {
        return err
    }

    defer iter.Release()

    restored := 0

    for iter.Next() {
        var entry RegistryEntry

        if err := json.Unmarshal(iter.Value(), &entry); err != nil {
            Log.Warningf("Skipping corrupted snapshot record for entity %s: %v", decodeEntryKey(iter.Key()), err)

            continue
        }

        if err := snapshotter.registry.RestoreEntry(&entry); err != nil {
            Log.Warningf("Skipping invalid snapshot record for entity %s: %v", decodeEntryKey(iter.Key()), err)

            continue
        }

        restored += 1
    }

    if iter.Error() != nil {
        return iter.Error()
    }

    if restored > 0 {
        Log.Infof("Restored %d entries from the registry snapshot", restored)
    }

    return nil
}
