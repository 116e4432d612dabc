package partition

import (
    "crypto/rand"
    "encoding/binary"
    "encoding/json"
    "fmt"
    "math"

    . "github.com/PelionIoT/servicedir/error"
    . "github.com/PelionIoT/servicedir/logging"
    . "github.com/PelionIoT/servicedir/storage"
)

var (
    BY_TIME_PREFIX = []byte{ 0 }
    DELIMETER = []byte(".")
)

func randomString() string {
    randomBytes := make([]byte, 16)
    rand.Read(randomBytes)

    high := binary.BigEndian.Uint64(randomBytes[:8])
    low := binary.BigEndian.Uint64(randomBytes[8:])

    return fmt.Sprintf("%05x%05x", high, low)
}

func timestampBytes(ts uint64) []byte {
    bytes := make([]byte, 8)

    binary.BigEndian.PutUint64(bytes, ts)

    return bytes
}

// PartitionEvent records one observation the partition manager made: a
// state transition, a reconciliation or a peer becoming unreachable.
type PartitionEvent struct {
    Timestamp uint64 `json:"timestamp"`
    NodeID string `json:"nodeID"`
    PeerID string `json:"peerID"`
    State string `json:"state"`
    Reason string `json:"reason"`
}

func (event *PartitionEvent) indexByTime() []byte {
    timestampEncoding := timestampBytes(event.Timestamp)
    uuid := []byte(randomString())
    result := make([]byte, 0, len(BY_TIME_PREFIX) + len(timestampEncoding) + len(DELIMETER) + len(uuid))

    result = append(result, BY_TIME_PREFIX...)
    result = append(result, timestampEncoding...)
    result = append(result, DELIMETER...)
    result = append(result, uuid...)

    return result
}

func (event *PartitionEvent) prefixByTime() []byte {
    timestampEncoding := timestampBytes(event.Timestamp)
    result := make([]byte, 0, len(BY_TIME_PREFIX) + len(timestampEncoding) + len(DELIMETER))

    result = append(result, BY_TIME_PREFIX...)
    result = append(result, timestampEncoding...)
    result = append(result, DELIMETER...)

    return result
}

// PartitionHistory is a storage backed log of partition events, capped at
// maxEvents by evicting the oldest records. The timestamp keys are big
// endian so a prefix scan yields events in time order.
type PartitionHistory struct {
    storageDriver StorageDriver
    maxEvents int
}

func NewPartitionHistory(storageDriver StorageDriver, maxEvents int) *PartitionHistory {
    return &PartitionHistory{
        storageDriver: storageDriver,
        maxEvents: maxEvents,
    }
}

func (history *PartitionHistory) LogEvent(event *PartitionEvent) error {
    marshaledEvent, err := json.Marshal(event)

    if err != nil {
        Log.Errorf("Could not marshal partition event to JSON: %v", err.Error())

        return EStorage
    }

    batch := NewBatch()
    batch.Put(event.indexByTime(), marshaledEvent)

    if err := history.storageDriver.Batch(batch); err != nil {
        Log.Errorf("Storage driver error in LogEvent(%v): %s", event, err.Error())

        return EStorage
    }

    return history.prune()
}

func (history *PartitionHistory) prune() error {
    if history.maxEvents <= 0 {
        return nil
    }

    iter, err := history.storageDriver.GetMatches([][]byte{ BY_TIME_PREFIX })

    if err != nil {
        return EStorage
    }

    defer iter.Release()

    keys := make([][]byte, 0)

    for iter.Next() {
        key := make([]byte, len(iter.Key()))
        copy(key, iter.Key())
        keys = append(keys, key)
    }

    if iter.Error() != nil {
        return EStorage
    }

    if len(keys) <= history.maxEvents {
        return nil
    }

    batch := NewBatch()

    for _, key := range keys[:len(keys) - history.maxEvents] {
        batch.Delete(key)
    }

    if err := history.storageDriver.Batch(batch); err != nil {
        return EStorage
    }

    return nil
}

// Query returns events with timestamps in [after, before) oldest first.
// A zero before means no upper bound and a limit of zero means no limit.
func (history *PartitionHistory) Query(after uint64, before uint64, limit int) ([]*PartitionEvent, error) {
    if before == 0 {
        before = math.MaxUint64
    }

    start := (&PartitionEvent{ Timestamp: after }).prefixByTime()
    end := (&PartitionEvent{ Timestamp: before }).prefixByTime()

    iter, err := history.storageDriver.GetRange(start, end)

    if err != nil {
        return nil, EStorage
    }

    defer iter.Release()

    events := make([]*PartitionEvent, 0)

    for iter.Next() {
        var event PartitionEvent

        if err := json.Unmarshal(iter.Value(), &event); err != nil {
            Log.Errorf("Skipping unparseable partition event at key %v: %s", iter.Key(), err.Error())

            continue
        }

        events = append(events, &event)

        if limit > 0 && len(events) == limit {
            break
        }
    }

    if iter.Error() != nil {
        return nil, EStorage
    }

    return events, nil
}
