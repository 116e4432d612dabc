package registry

import (
    "time"

    . "github.com/PelionIoT/servicedir/logging"
)

// ExpirySweeper periodically ages out remote entries that stopped
// heartbeating and drops tombstones past their retention window.
type ExpirySweeper struct {
    registry *DistributedRegistry
    sweepInterval time.Duration
    unreachableTimeout time.Duration
    tombstoneTTL time.Duration
    done chan bool
}

func NewExpirySweeper(registry *DistributedRegistry, sweepInterval time.Duration, unreachableTimeout time.Duration, tombstoneTTL time.Duration) *ExpirySweeper {
    return &ExpirySweeper{
        registry: registry,
        sweepInterval: sweepInterval,
        unreachableTimeout: unreachableTimeout,
        tombstoneTTL: tombstoneTTL,
        done: make(chan bool),
    }
}

func (sweeper *ExpirySweeper) Start() {
    go func() {
        for {
            select {
            case <-sweeper.done:
                sweeper.done = make(chan bool)

                return
            case <-time.After(sweeper.sweepInterval):
                sweeper.Sweep()
            }
        }
    }()
}

// Sweep runs one pass over the registry. The loop calls this on every
// tick but it is safe to invoke directly.
func (sweeper *ExpirySweeper) Sweep() {
    removed := sweeper.registry.SweepExpired(sweeper.unreachableTimeout)
    purged := sweeper.registry.PurgeTombstones(sweeper.tombstoneTTL)

    if len(removed) > 0 {
        Log.Infof("Removed %d expired entries from the registry: %v", len(removed), removed)
        prometheusRecordExpired(len(removed))
    }

    if len(purged) > 0 {
        Log.Infof("Purged %d tombstones from the registry: %v", len(purged), purged)
        prometheusRecordTombstonesPurged(len(purged))
    }

    prometheusRecordEntryCount(sweeper.registry.EntryCount())
}

func (sweeper *ExpirySweeper) Stop() {
    close(sweeper.done)
}
