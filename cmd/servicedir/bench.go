package main

import (
    "crypto/rand"
    "encoding/binary"
    "fmt"
    "os"
    "time"

    "github.com/PelionIoT/servicedir/logging"
    "github.com/PelionIoT/servicedir/registry"
    "github.com/PelionIoT/servicedir/storage"
)

func init() {
    registerCommand("benchmark", benchmark, benchmarkUsage)
}

var benchmarkUsage string =
`Usage: servicedir benchmark -store=[scratch space storage directory] -magnitude=[10000]
`

func benchmark() {
    logging.SetLoggingLevel("error")

    directory := registry.NewDistributedRegistry("benchmark-node", 0, time.Second * 30)

    err := benchmarkRegistrations(directory)

    if err != nil {
        fmt.Fprintf(os.Stderr, "Failed at registrations benchmark: %v\n", err)

        return
    }

    err = benchmarkLookups(directory)

    if err != nil {
        fmt.Fprintf(os.Stderr, "Failed at lookups benchmark: %v\n", err)

        return
    }

    err = benchmarkMerges(directory)

    if err != nil {
        fmt.Fprintf(os.Stderr, "Failed at merges benchmark: %v\n", err)

        return
    }

    if len(*optStoreDir) != 0 {
        err = benchmarkSnapshots(directory)

        if err != nil {
            fmt.Fprintf(os.Stderr, "Failed at snapshots benchmark: %v\n", err)

            return
        }
    }
}

func randomString() string {
    randomBytes := make([]byte, 16)
    rand.Read(randomBytes)

    high := binary.BigEndian.Uint64(randomBytes[:8])
    low := binary.BigEndian.Uint64(randomBytes[8:])

    return fmt.Sprintf("%05x%05x", high, low)
}

func benchmarkRegistrations(directory *registry.DistributedRegistry) error {
    start := time.Now()

    for i := 0; i < *optMagnitude; i += 1 {
        registration := registry.Registration{
            EntityID: "entityBench1" + randomString(),
            EntityName: "bench-service",
            Endpoint: "tcp://127.0.0.1:8080",
            Capabilities: []string{ "bench" },
        }

        if _, err := directory.RegisterLocal(registration); err != nil {
            return err
        }
    }

    elapsed := time.Since(start)
    average := time.Duration(elapsed.Nanoseconds() / int64(*optMagnitude))
    registrationsPerSecond := time.Second / average

    fmt.Printf("%d registrations took %s or an average of %s per registration or %d registrations per second\n", *optMagnitude, elapsed.String(), average.String(), registrationsPerSecond)

    return nil
}

func benchmarkLookups(directory *registry.DistributedRegistry) error {
    entries := directory.GetAll()

    if len(entries) == 0 {
        return nil
    }

    start := time.Now()

    for i := 0; i < *optMagnitude; i += 1 {
        if _, err := directory.Get(entries[i % len(entries)].EntityID); err != nil {
            return err
        }
    }

    elapsed := time.Since(start)
    average := time.Duration(elapsed.Nanoseconds() / int64(*optMagnitude))
    lookupsPerSecond := time.Second / average

    fmt.Printf("%d lookups took %s or an average of %s per lookup or %d lookups per second\n", *optMagnitude, elapsed.String(), average.String(), lookupsPerSecond)

    return nil
}

func benchmarkMerges(directory *registry.DistributedRegistry) error {
    remote := registry.NewDistributedRegistry("benchmark-peer", 0, time.Second * 30)

    for i := 0; i < *optMagnitude; i += 1 {
        registration := registry.Registration{
            EntityID: "entityBench2" + randomString(),
            EntityName: "bench-service",
            Endpoint: "tcp://127.0.0.1:8081",
            Capabilities: []string{ "bench" },
        }

        if _, err := remote.RegisterLocal(registration); err != nil {
            return err
        }
    }

    remoteEntries := remote.AllEntries()
    start := time.Now()

    for _, entry := range remoteEntries {
        if _, err := directory.MergeEntry(entry); err != nil {
            return err
        }
    }

    elapsed := time.Since(start)
    average := time.Duration(elapsed.Nanoseconds() / int64(len(remoteEntries)))
    mergesPerSecond := time.Second / average

    fmt.Printf("%d merges took %s or an average of %s per merge or %d merges per second\n", len(remoteEntries), elapsed.String(), average.String(), mergesPerSecond)

    return nil
}

func benchmarkSnapshots(directory *registry.DistributedRegistry) error {
    err := os.RemoveAll(*optStoreDir)

    if err != nil {
        fmt.Fprintf(os.Stderr, "Unable to initialize benchmark workspace at %s: %v\n", *optStoreDir, err)

        return err
    }

    storageDriver := storage.NewLevelDBStorageDriver(*optStoreDir, nil)

    if err := storageDriver.Open(); err != nil {
        return err
    }

    defer storageDriver.Close()

    snapshotter := registry.NewSnapshotter(directory, storageDriver, time.Second * 30)
    start := time.Now()

    if err := snapshotter.Snapshot(); err != nil {
        return err
    }

    elapsed := time.Since(start)

    fmt.Printf("Snapshotting %d entries took %s\n", directory.EntryCount(), elapsed.String())

    restored := registry.NewDistributedRegistry("benchmark-node", 0, time.Second * 30)
    restorer := registry.NewSnapshotter(restored, storageDriver, time.Second * 30)
    start = time.Now()

    if err := restorer.Restore(); err != nil {
        return err
    }

    elapsed = time.Since(start)

    fmt.Printf("Restoring %d entries took %s\n", restored.EntryCount(), elapsed.String())

    return nil
}
