package storage

import (
    "sort"
    "strings"

    "github.com/syndtr/goleveldb/leveldb"
    levelErrors "github.com/syndtr/goleveldb/leveldb/errors"
    "github.com/syndtr/goleveldb/leveldb/iterator"
    "github.com/syndtr/goleveldb/leveldb/opt"
    "github.com/syndtr/goleveldb/leveldb/util"

    . "github.com/PelionIoT/servicedir/error"
    . "github.com/PelionIoT/servicedir/logging"
)

const (
    PUT = iota
    DEL = iota
)

type Op struct {
    OpType int `json:"type"`
    OpKey []byte `json:"key"`
    OpValue []byte `json:"value"`
}

func (o *Op) IsDelete() bool {
    return o.OpType == DEL
}

func (o *Op) IsPut() bool {
    return o.OpType == PUT
}

func (o *Op) Key() []byte {
    return o.OpKey
}

func (o *Op) Value() []byte {
    return o.OpValue
}

type Batch struct {
    BatchOps map[string]Op `json:"ops"`
}

func NewBatch() *Batch {
    return &Batch{ make(map[string]Op) }
}

func (batch *Batch) Put(key []byte, value []byte) *Batch {
    batch.BatchOps[string(key)] = Op{ PUT, key, value }

    return batch
}

func (batch *Batch) Delete(key []byte) *Batch {
    batch.BatchOps[string(key)] = Op{ DEL, key, nil }

    return batch
}

func (batch *Batch) Ops() map[string]Op {
    return batch.BatchOps
}

type StorageIterator interface {
    Next() bool
    Prefix() []byte
    Key() []byte
    Value() []byte
    Release()
    Error() error
}

type StorageDriver interface {
    Open() error
    Close() error
    Recover() error
    Get([][]byte) ([][]byte, error)
    GetMatches([][]byte) (StorageIterator, error)
    GetRange(start []byte, end []byte) (StorageIterator, error)
    Batch(*Batch) error
}

type LevelDBIterator struct {
    snapshot *leveldb.Snapshot
    it iterator.Iterator
    ranges []*util.Range
    prefix []byte
    err error
}

func (it *LevelDBIterator) Next() bool {
    if it.it == nil {
        if len(it.ranges) == 0 {
            return false
        }

        it.prefix = it.ranges[0].Start
        it.it = it.snapshot.NewIterator(it.ranges[0], nil)
        it.ranges = it.ranges[1:]
    }

    if it.it.Next() {
        return true
    }

    if it.it.Error() != nil {
        it.err = it.it.Error()
        it.ranges = []*util.Range{ }
    }

    it.it.Release()
    it.it = nil
    it.prefix = nil

    return it.Next()
}

func (it *LevelDBIterator) Prefix() []byte {
    return it.prefix
}

func (it *LevelDBIterator) Key() []byte {
    if it.it == nil || it.err != nil {
        return nil
    }

    return it.it.Key()
}

func (it *LevelDBIterator) Value() []byte {
    if it.it == nil || it.err != nil {
        return nil
    }

    return it.it.Value()
}

func (it *LevelDBIterator) Release() {
    it.prefix = nil
    it.ranges = []*util.Range{ }
    it.snapshot.Release()

    if it.it == nil {
        return
    }

    it.it.Release()
    it.it = nil
}

func (it *LevelDBIterator) Error() error {
    return it.err
}

type LevelDBStorageDriver struct {
    file string
    options *opt.Options
    db *leveldb.DB
}

func NewLevelDBStorageDriver(file string, options *opt.Options) *LevelDBStorageDriver {
    return &LevelDBStorageDriver{ file, options, nil }
}

func (levelDriver *LevelDBStorageDriver) Open() error {
    levelDriver.Close()

    db, err := leveldb.OpenFile(levelDriver.file, levelDriver.options)

    if err != nil {
        if levelErrors.IsCorrupted(err) {
            Log.Criticalf("LevelDB database at %s is corrupted: %v", levelDriver.file, err.Error())

            return EStorage
        }

        return err
    }

    levelDriver.db = db

    return nil
}

func (levelDriver *LevelDBStorageDriver) Close() error {
    if levelDriver.db == nil {
        return nil
    }

    err := levelDriver.db.Close()

    levelDriver.db = nil

    return err
}

func (levelDriver *LevelDBStorageDriver) Recover() error {
    levelDriver.Close()

    db, err := leveldb.RecoverFile(levelDriver.file, levelDriver.options)

    if err != nil {
        return err
    }

    levelDriver.db = db

    return nil
}

func (levelDriver *LevelDBStorageDriver) Get(keys [][]byte) ([][]byte, error) {
    if levelDriver.db == nil {
        return nil, EStorage
    }

    if keys == nil {
        return [][]byte{ }, nil
    }

    snapshot, err := levelDriver.db.GetSnapshot()

    defer snapshot.Release()

    if err != nil {
        return nil, err
    }

    values := make([][]byte, len(keys))

    for i, key := range keys {
        if key == nil {
            values[i] = nil

            continue
        }

        values[i], err = snapshot.Get(key, &opt.ReadOptions{ })

        if err != nil {
            if err != leveldb.ErrNotFound {
                return nil, err
            }

            values[i] = nil
        }
    }

    return values, nil
}

func consolidateKeys(keys [][]byte) [][]byte {
    if keys == nil {
        return [][]byte{ }
    }

    s := make([]string, 0, len(keys))

    for _, key := range keys {
        if key == nil {
            continue
        }

        s = append(s, string([]byte(key)))
    }

    sort.Strings(s)

    result := make([][]byte, 0, len(s))

    for i := 0; i < len(s); i += 1 {
        if i == 0 {
            result = append(result, []byte(s[i]))

            continue
        }

        if !strings.HasPrefix(s[i], s[i - 1]) {
            result = append(result, []byte(s[i]))
        } else {
            s[i] = s[i - 1]
        }
    }

    return result
}

func (levelDriver *LevelDBStorageDriver) GetMatches(keys [][]byte) (StorageIterator, error) {
    if levelDriver.db == nil {
        return nil, EStorage
    }

    keys = consolidateKeys(keys)
    snapshot, err := levelDriver.db.GetSnapshot()

    if err != nil {
        snapshot.Release()

        return nil, err
    }

    ranges := make([]*util.Range, 0, len(keys))

    for _, key := range keys {
        if key == nil {
            continue
        }

        ranges = append(ranges, util.BytesPrefix(key))
    }

    return &LevelDBIterator{ snapshot: snapshot, ranges: ranges }, nil
}

func (levelDriver *LevelDBStorageDriver) GetRange(start []byte, end []byte) (StorageIterator, error) {
    if levelDriver.db == nil {
        return nil, EStorage
    }

    snapshot, err := levelDriver.db.GetSnapshot()

    if err != nil {
        snapshot.Release()

        return nil, err
    }

    ranges := []*util.Range{ &util.Range{ Start: start, Limit: end } }

    return &LevelDBIterator{ snapshot: snapshot, ranges: ranges }, nil
}

func (levelDriver *LevelDBStorageDriver) Batch(batch *Batch) error {
    if levelDriver.db == nil {
        return EStorage
    }

    if batch == nil {
        return nil
    }

    b := new(leveldb.Batch)
    ops := batch.Ops()

    for _, op := range ops {
        if op.IsDelete() {
            b.Delete(op.Key())
        } else if op.IsPut() {
            b.Put(op.Key(), op.Value())
        }
    }

    return levelDriver.db.Write(b, nil)
}

type PrefixedStorageDriver struct {
    prefix []byte
    storageDriver StorageDriver
}

func NewPrefixedStorageDriver(prefix []byte, storageDriver StorageDriver) *PrefixedStorageDriver {
    return &PrefixedStorageDriver{ prefix, storageDriver }
}

func (psd *PrefixedStorageDriver) Open() error {
    return nil
}

func (psd *PrefixedStorageDriver) Close() error {
    return nil
}

func (psd *PrefixedStorageDriver) Recover() error {
    return psd.storageDriver.Recover()
}

func (psd *PrefixedStorageDriver) addPrefix(k []byte) []byte {
    result := make([]byte, 0, len(psd.prefix) + len(k))

    result = append(result, psd.prefix...)
    result = append(result, k...)

    return result
}

func (psd *PrefixedStorageDriver) Get(keys [][]byte) ([][]byte, error) {
    prefixKeys := make([][]byte, len(keys))

    for i, _ := range keys {
        prefixKeys[i] = psd.addPrefix(keys[i])
    }

    return psd.storageDriver.Get(prefixKeys)
}

func (psd *PrefixedStorageDriver) GetMatches(keys [][]byte) (StorageIterator, error) {
    prefixKeys := make([][]byte, len(keys))

    for i, _ := range keys {
        prefixKeys[i] = psd.addPrefix(keys[i])
    }

    iter, err := psd.storageDriver.GetMatches(prefixKeys)

    if err != nil {
        return nil, err
    }

    return &PrefixedIterator{ psd.prefix, iter }, nil
}

func (psd *PrefixedStorageDriver) GetRange(start []byte, end []byte) (StorageIterator, error) {
    iter, err := psd.storageDriver.GetRange(psd.addPrefix(start), psd.addPrefix(end))

    if err != nil {
        return nil, err
    }

    return &PrefixedIterator{ psd.prefix, iter }, nil
}

func (psd *PrefixedStorageDriver) Batch(batch *Batch) error {
    newBatch := NewBatch()

    for key, op := range batch.BatchOps {
        op.OpKey = psd.addPrefix([]byte(key))
        newBatch.BatchOps[string(op.OpKey)] = op
    }

    return psd.storageDriver.Batch(newBatch)
}

type PrefixedIterator struct {
    prefix []byte
    iterator StorageIterator
}

func (prefixedIterator *PrefixedIterator) Next() bool {
    return prefixedIterator.iterator.Next()
}

func (prefixedIterator *PrefixedIterator) Prefix() []byte {
    prefix := prefixedIterator.iterator.Prefix()

    if len(prefix) < len(prefixedIterator.prefix) {
        return nil
    }

    return prefix[len(prefixedIterator.prefix):]
}

func (prefixedIterator *PrefixedIterator) Key() []byte {
    key := prefixedIterator.iterator.Key()

    if len(key) < len(prefixedIterator.prefix) {
        return nil
    }

    return key[len(prefixedIterator.prefix):]
}

func (prefixedIterator *PrefixedIterator) Value() []byte {
    return prefixedIterator.iterator.Value()
}

func (prefixedIterator *PrefixedIterator) Release() {
    prefixedIterator.iterator.Release()
}

func (prefixedIterator *PrefixedIterator) Error() error {
    return prefixedIterator.iterator.Error()
}
