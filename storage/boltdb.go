package storage

import (
    "bytes"

    bolt "go.etcd.io/bbolt"

    . "github.com/PelionIoT/servicedir/error"
    . "github.com/PelionIoT/servicedir/logging"
)

type boltRange struct {
    start []byte
    limit []byte
}

// bytesPrefix mirrors the range that goleveldb's util.BytesPrefix
// produces so both drivers scan the same key space for a prefix.
func bytesPrefix(prefix []byte) *boltRange {
    var limit []byte

    for i := len(prefix) - 1; i >= 0; i -= 1 {
        c := prefix[i]

        if c < 0xff {
            limit = make([]byte, i + 1)
            copy(limit, prefix)
            limit[i] = c + 1

            break
        }
    }

    return &boltRange{ prefix, limit }
}

func copyBytes(value []byte) []byte {
    if value == nil {
        return nil
    }

    result := make([]byte, len(value))
    copy(result, value)

    return result
}

// BoltDBIterator holds a read transaction open until Release is called.
// Keys and values it returns are only valid until the next call to Next
// or Release.
type BoltDBIterator struct {
    tx *bolt.Tx
    bucket *bolt.Bucket
    cursor *bolt.Cursor
    ranges []*boltRange
    prefix []byte
    limit []byte
    key []byte
    value []byte
}

func (iter *BoltDBIterator) Next() bool {
    if iter.tx == nil || iter.bucket == nil {
        return false
    }

    if iter.cursor == nil {
        if len(iter.ranges) == 0 {
            return false
        }

        iter.prefix = iter.ranges[0].start
        iter.limit = iter.ranges[0].limit
        iter.cursor = iter.bucket.Cursor()
        iter.key, iter.value = iter.cursor.Seek(iter.ranges[0].start)
        iter.ranges = iter.ranges[1:]
    } else {
        iter.key, iter.value = iter.cursor.Next()
    }

    if iter.key != nil && (iter.limit == nil || bytes.Compare(iter.key, iter.limit) < 0) {
        return true
    }

    iter.cursor = nil
    iter.prefix = nil
    iter.limit = nil
    iter.key = nil
    iter.value = nil

    return iter.Next()
}

func (iter *BoltDBIterator) Prefix() []byte {
    return iter.prefix
}

func (iter *BoltDBIterator) Key() []byte {
    return iter.key
}

func (iter *BoltDBIterator) Value() []byte {
    return iter.value
}

func (iter *BoltDBIterator) Release() {
    iter.ranges = []*boltRange{ }
    iter.cursor = nil
    iter.bucket = nil
    iter.prefix = nil
    iter.limit = nil
    iter.key = nil
    iter.value = nil

    if iter.tx != nil {
        iter.tx.Rollback()
        iter.tx = nil
    }
}

func (iter *BoltDBIterator) Error() error {
    return nil
}

// BoltDBStorageDriver keeps all keys in a single root bucket so the
// flat keyspace the registry snapshots and the partition history use
// maps onto it the same way it maps onto LevelDB.
type BoltDBStorageDriver struct {
    file string
    rootBucket string
    options *bolt.Options
    db *bolt.DB
}

func NewBoltDBStorageDriver(file string, rootBucket string, options *bolt.Options) *BoltDBStorageDriver {
    return &BoltDBStorageDriver{ file, rootBucket, options, nil }
}

func (driver *BoltDBStorageDriver) Open() error {
    driver.Close()

    db, err := bolt.Open(driver.file, 0666, driver.options)

    if err != nil {
        Log.Criticalf("BoltDB database at %s could not be opened: %v", driver.file, err.Error())

        return EStorage
    }

    driver.db = db

    return nil
}

func (driver *BoltDBStorageDriver) Close() error {
    if driver.db == nil {
        return nil
    }

    err := driver.db.Close()

    driver.db = nil

    return err
}

func (driver *BoltDBStorageDriver) Recover() error {
    return driver.Open()
}

func (driver *BoltDBStorageDriver) Get(keys [][]byte) ([][]byte, error) {
    if driver.db == nil {
        return nil, EStorage
    }

    if keys == nil {
        return [][]byte{ }, nil
    }

    values := make([][]byte, len(keys))

    err := driver.db.View(func(tx *bolt.Tx) error {
        bucket := tx.Bucket([]byte(driver.rootBucket))

        if bucket == nil {
            return nil
        }

        for i, key := range keys {
            if key == nil {
                values[i] = nil

                continue
            }

            values[i] = copyBytes(bucket.Get(key))
        }

        return nil
    })

    if err != nil {
        return nil, err
    }

    return values, nil
}

func (driver *BoltDBStorageDriver) GetMatches(keys [][]byte) (StorageIterator, error) {
    if driver.db == nil {
        return nil, EStorage
    }

    keys = consolidateKeys(keys)
    ranges := make([]*boltRange, 0, len(keys))

    for _, key := range keys {
        if key == nil {
            continue
        }

        ranges = append(ranges, bytesPrefix(key))
    }

    tx, err := driver.db.Begin(false)

    if err != nil {
        return nil, err
    }

    return &BoltDBIterator{ tx: tx, bucket: tx.Bucket([]byte(driver.rootBucket)), ranges: ranges }, nil
}

func (driver *BoltDBStorageDriver) GetRange(start []byte, end []byte) (StorageIterator, error) {
    if driver.db == nil {
        return nil, EStorage
    }

    ranges := []*boltRange{ &boltRange{ start, end } }

    tx, err := driver.db.Begin(false)

    if err != nil {
        return nil, err
    }

    return &BoltDBIterator{ tx: tx, bucket: tx.Bucket([]byte(driver.rootBucket)), ranges: ranges }, nil
}

func (driver *BoltDBStorageDriver) Batch(batch *Batch) error {
    if driver.db == nil {
        return EStorage
    }

    if batch == nil {
        return nil
    }

    return driver.db.Update(func(tx *bolt.Tx) error {
        bucket, err := tx.CreateBucketIfNotExists([]byte(driver.rootBucket))

        if err != nil {
            return err
        }

        for _, op := range batch.Ops() {
            if op.IsDelete() {
                err = bucket.Delete(op.Key())
            } else if op.IsPut() {
                err = bucket.Put(op.Key(), op.Value())
            }

            if err != nil {
                return err
            }
        }

        return nil
    })
}
