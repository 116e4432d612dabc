package registry_test

import (
    "time"

    . "github.com/PelionIoT/servicedir/data"
    . "github.com/PelionIoT/servicedir/error"
    . "github.com/PelionIoT/servicedir/registry"
    dirSync "github.com/PelionIoT/servicedir/sync"

    . "github.com/onsi/ginkgo"
    . "github.com/onsi/gomega"
)

func nowMS() uint64 {
    return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}

func remoteEntry(entityID string, nodeID string, version uint64, heartbeat uint64, clock map[string]uint64) *RegistryEntry {
    return &RegistryEntry{
        EntityID: entityID,
        EntityName: entityID,
        NodeID: nodeID,
        Endpoint: "tcp://10.0.0.2:4000",
        Status: ACTIVE,
        RegisteredAt: heartbeat,
        LastHeartbeat: heartbeat,
        Version: version,
        Clock: NewVectorClockFromMap(clock),
        Timestamp: NewHLC(heartbeat, 0),
    }
}

var _ = Describe("DistributedRegistry", func() {
    var directory *DistributedRegistry

    BeforeEach(func() {
        directory = NewDistributedRegistry("nodeA", 0, 30 * time.Second)
    })

    Describe("#RegisterLocal", func() {
        It("should create an active entry owned by this node", func() {
            entry, err := directory.RegisterLocal(Registration{ EntityID: "light1", EntityName: "light", Capabilities: []string{ "dimming" } })

            Expect(err).Should(BeNil())
            Expect(entry.EntityID).Should(Equal("light1"))
            Expect(entry.NodeID).Should(Equal("nodeA"))
            Expect(entry.Status).Should(Equal(Status(ACTIVE)))
            Expect(entry.Version).Should(Equal(uint64(1)))
            Expect(entry.Clock.Counter("nodeA")).Should(Equal(uint64(1)))
            Expect(entry.LastHeartbeat).ShouldNot(Equal(uint64(0)))
            Expect(entry.RegisteredAt).Should(Equal(entry.LastHeartbeat))
            Expect(directory.EntryCount()).Should(Equal(1))
        })

        It("should return EEmpty if the entity id is missing", func() {
            entry, err := directory.RegisterLocal(Registration{ EntityName: "light" })

            Expect(entry).Should(BeNil())
            Expect(err).Should(Equal(EEmpty))
        })

        It("should bump the version and keep the registration time on re-register", func() {
            first, err := directory.RegisterLocal(Registration{ EntityID: "light1" })

            Expect(err).Should(BeNil())

            second, err := directory.RegisterLocal(Registration{ EntityID: "light1", Endpoint: "tcp://10.0.0.1:4001" })

            Expect(err).Should(BeNil())
            Expect(second.Version).Should(Equal(first.Version + 1))
            Expect(second.RegisteredAt).Should(Equal(first.RegisteredAt))
            Expect(second.Endpoint).Should(Equal("tcp://10.0.0.1:4001"))
            Expect(directory.Stats().Registered).Should(Equal(uint64(2)))
        })

        It("should dominate a replica merged from another node", func() {
            replica := remoteEntry("light1", "nodeB", 5, nowMS(), map[string]uint64{ "nodeB": 5 })
            _, err := directory.MergeEntry(replica)

            Expect(err).Should(BeNil())

            entry, err := directory.RegisterLocal(Registration{ EntityID: "light1" })

            Expect(err).Should(BeNil())
            Expect(entry.NodeID).Should(Equal("nodeA"))
            Expect(entry.Version).Should(Equal(uint64(6)))
            Expect(entry.Clock.Counter("nodeB")).Should(Equal(uint64(5)))
            Expect(entry.Clock.Counter("nodeA")).Should(Equal(uint64(1)))
            Expect(entry.Clock.Compare(replica.Clock)).Should(Equal(1))
        })

        It("should enforce the entity limit for new registrations only", func() {
            limited := NewDistributedRegistry("nodeA", 2, 30 * time.Second)

            _, err := limited.RegisterLocal(Registration{ EntityID: "light1" })

            Expect(err).Should(BeNil())

            _, err = limited.RegisterLocal(Registration{ EntityID: "light2" })

            Expect(err).Should(BeNil())

            entry, err := limited.RegisterLocal(Registration{ EntityID: "light3" })

            Expect(entry).Should(BeNil())
            Expect(err).Should(Equal(EEntryLimit))

            _, err = limited.RegisterLocal(Registration{ EntityID: "light1" })

            Expect(err).Should(BeNil())
        })

        It("should reclaim a tombstoned entity as a fresh registration", func() {
            _, err := directory.RegisterLocal(Registration{ EntityID: "light1" })

            Expect(err).Should(BeNil())

            _, err = directory.DeregisterLocal("light1")

            Expect(err).Should(BeNil())

            entry, err := directory.RegisterLocal(Registration{ EntityID: "light1" })

            Expect(err).Should(BeNil())
            Expect(entry.Status).Should(Equal(Status(ACTIVE)))
            Expect(entry.Version).Should(Equal(uint64(3)))

            _, err = directory.Get("light1")

            Expect(err).Should(BeNil())
        })

        It("should notify the update handler on local mutations but not merges", func() {
            updated := make([]string, 0)

            directory.OnEntryUpdated(func(entry *RegistryEntry) {
                updated = append(updated, entry.EntityID)
            })

            directory.RegisterLocal(Registration{ EntityID: "light1" })

            Expect(updated).Should(Equal([]string{ "light1" }))

            directory.UpdateHeartbeat("light1")

            Expect(updated).Should(HaveLen(2))

            directory.DeregisterLocal("light1")

            Expect(updated).Should(HaveLen(3))

            directory.MergeEntry(remoteEntry("light2", "nodeB", 1, nowMS(), map[string]uint64{ "nodeB": 1 }))

            Expect(updated).Should(HaveLen(3))
        })
    })

    Describe("#UpdateHeartbeat", func() {
        It("should refresh the heartbeat and bump the version", func() {
            first, err := directory.RegisterLocal(Registration{ EntityID: "light1" })

            Expect(err).Should(BeNil())

            refreshed, err := directory.UpdateHeartbeat("light1")

            Expect(err).Should(BeNil())
            Expect(refreshed.Version).Should(Equal(first.Version + 1))
            Expect(refreshed.LastHeartbeat >= first.LastHeartbeat).Should(BeTrue())
            Expect(refreshed.Timestamp.Compare(first.Timestamp)).Should(Equal(1))
            Expect(directory.Stats().Heartbeats).Should(Equal(uint64(1)))
        })

        It("should return ENoSuchEntity for an unknown entity", func() {
            entry, err := directory.UpdateHeartbeat("light1")

            Expect(entry).Should(BeNil())
            Expect(err).Should(Equal(ENoSuchEntity))
        })

        It("should return ENoSuchEntity for a tombstoned entity", func() {
            directory.RegisterLocal(Registration{ EntityID: "light1" })
            directory.DeregisterLocal("light1")

            entry, err := directory.UpdateHeartbeat("light1")

            Expect(entry).Should(BeNil())
            Expect(err).Should(Equal(ENoSuchEntity))
        })

        It("should return ENotOwner for an entity owned by another node", func() {
            directory.MergeEntry(remoteEntry("light1", "nodeB", 1, nowMS(), map[string]uint64{ "nodeB": 1 }))

            entry, err := directory.UpdateHeartbeat("light1")

            Expect(entry).Should(BeNil())
            Expect(err).Should(Equal(ENotOwner))
        })

        It("should revive an unreachable entry restored from a snapshot", func() {
            directory.RestoreNodeState(NodeState{ Clock: map[string]uint64{ "nodeA": 5 }, Timestamp: NewHLC(nowMS(), 0), VersionCounter: 5 })

            restored := remoteEntry("light1", "nodeA", 5, nowMS(), map[string]uint64{ "nodeA": 5 })
            restored.Status = UNREACHABLE

            Expect(directory.RestoreEntry(restored)).Should(BeNil())

            refreshed, err := directory.UpdateHeartbeat("light1")

            Expect(err).Should(BeNil())
            Expect(refreshed.Status).Should(Equal(Status(ACTIVE)))
            Expect(refreshed.Version).Should(Equal(uint64(6)))
        })
    })

    Describe("#DeregisterLocal", func() {
        It("should tombstone the entry while keeping it replicable", func() {
            directory.RegisterLocal(Registration{ EntityID: "light1" })

            tombstone, err := directory.DeregisterLocal("light1")

            Expect(err).Should(BeNil())
            Expect(tombstone.Status).Should(Equal(Status(TOMBSTONE)))
            Expect(tombstone.Version).Should(Equal(uint64(2)))

            entry, err := directory.Get("light1")

            Expect(entry).Should(BeNil())
            Expect(err).Should(Equal(ENoSuchEntity))
            Expect(directory.FindPeers("", "")).Should(HaveLen(0))

            allEntries := directory.AllEntries()

            Expect(allEntries).Should(HaveLen(1))
            Expect(allEntries[0].Status).Should(Equal(Status(TOMBSTONE)))
            Expect(directory.GetDigest()["light1"]).Should(Equal(uint64(2)))
        })

        It("should be idempotent", func() {
            directory.RegisterLocal(Registration{ EntityID: "light1" })

            first, err := directory.DeregisterLocal("light1")

            Expect(err).Should(BeNil())

            second, err := directory.DeregisterLocal("light1")

            Expect(err).Should(BeNil())
            Expect(second.Version).Should(Equal(first.Version))
            Expect(directory.Stats().TombstonesCreated).Should(Equal(uint64(1)))
        })

        It("should return ENoSuchEntity for an unknown entity", func() {
            entry, err := directory.DeregisterLocal("light1")

            Expect(entry).Should(BeNil())
            Expect(err).Should(Equal(ENoSuchEntity))
        })

        It("should return ENotOwner for an entity owned by another node", func() {
            directory.MergeEntry(remoteEntry("light1", "nodeB", 1, nowMS(), map[string]uint64{ "nodeB": 1 }))

            entry, err := directory.DeregisterLocal("light1")

            Expect(entry).Should(BeNil())
            Expect(err).Should(Equal(ENotOwner))
        })
    })

    Describe("#MergeEntry", func() {
        It("should store a replica for an unknown entity and learn its node", func() {
            changed, err := directory.MergeEntry(remoteEntry("light1", "nodeB", 5, nowMS(), map[string]uint64{ "nodeB": 5 }))

            Expect(err).Should(BeNil())
            Expect(changed).Should(BeTrue())
            Expect(directory.KnownNodes()).Should(Equal([]string{ "nodeA", "nodeB" }))
            Expect(directory.LocalClock().Counter("nodeB")).Should(Equal(uint64(5)))
            Expect(directory.Stats().Merged).Should(Equal(uint64(1)))

            entry, err := directory.Get("light1")

            Expect(err).Should(BeNil())
            Expect(entry.NodeID).Should(Equal("nodeB"))
        })

        It("should report no change when merging a duplicate", func() {
            replica := remoteEntry("light1", "nodeB", 5, nowMS(), map[string]uint64{ "nodeB": 5 })

            changed, err := directory.MergeEntry(replica)

            Expect(err).Should(BeNil())
            Expect(changed).Should(BeTrue())

            changed, err = directory.MergeEntry(replica)

            Expect(err).Should(BeNil())
            Expect(changed).Should(BeFalse())
        })

        It("should keep the local entry when the replica is causally older", func() {
            now := nowMS()

            directory.MergeEntry(remoteEntry("light1", "nodeB", 5, now, map[string]uint64{ "nodeB": 5 }))

            changed, err := directory.MergeEntry(remoteEntry("light1", "nodeB", 3, now, map[string]uint64{ "nodeB": 3 }))

            Expect(err).Should(BeNil())
            Expect(changed).Should(BeFalse())

            entry, err := directory.Get("light1")

            Expect(err).Should(BeNil())
            Expect(entry.Version).Should(Equal(uint64(5)))
        })

        It("should replace the local entry when the replica is causally newer", func() {
            now := nowMS()

            directory.MergeEntry(remoteEntry("light1", "nodeB", 5, now, map[string]uint64{ "nodeB": 5 }))

            changed, err := directory.MergeEntry(remoteEntry("light1", "nodeB", 6, now + 1, map[string]uint64{ "nodeB": 6 }))

            Expect(err).Should(BeNil())
            Expect(changed).Should(BeTrue())

            entry, err := directory.Get("light1")

            Expect(err).Should(BeNil())
            Expect(entry.Version).Should(Equal(uint64(6)))
        })

        It("should let a dominating remote tombstone delete a local entry", func() {
            local, err := directory.RegisterLocal(Registration{ EntityID: "light1" })

            Expect(err).Should(BeNil())

            tombstone := remoteEntry("light1", "nodeB", local.Version + 1, nowMS() + 1, local.Clock.Increment("nodeB").Map())
            tombstone.Status = TOMBSTONE
            tombstone.Timestamp = local.Timestamp.Tick(nowMS() + 1)

            changed, err := directory.MergeEntry(tombstone)

            Expect(err).Should(BeNil())
            Expect(changed).Should(BeTrue())

            entry, err := directory.Get("light1")

            Expect(entry).Should(BeNil())
            Expect(err).Should(Equal(ENoSuchEntity))

            allEntries := directory.AllEntries()

            Expect(allEntries).Should(HaveLen(1))
            Expect(allEntries[0].Status).Should(Equal(Status(TOMBSTONE)))
            Expect(allEntries[0].NodeID).Should(Equal("nodeB"))
        })

        It("should reject nil and invalid replicas", func() {
            changed, err := directory.MergeEntry(nil)

            Expect(changed).Should(BeFalse())
            Expect(err).Should(Equal(EInvalidEntry))

            invalid := remoteEntry("light1", "nodeB", 1, nowMS(), map[string]uint64{ "nodeB": 1 })
            invalid.NodeID = ""

            changed, err = directory.MergeEntry(invalid)

            Expect(changed).Should(BeFalse())
            Expect(err).Should(Equal(EInvalidEntry))
            Expect(directory.EntryCount()).Should(Equal(0))
        })
    })

    Describe("#GetDigest", func() {
        It("should map entity ids to versions including tombstones", func() {
            directory.RegisterLocal(Registration{ EntityID: "light1" })
            directory.RegisterLocal(Registration{ EntityID: "light2" })
            directory.DeregisterLocal("light2")

            Expect(directory.GetDigest()).Should(Equal(Digest{ "light1": 1, "light2": 3 }))
        })

        It("should exclude expired remote entries", func() {
            directory.MergeEntry(remoteEntry("stale1", "nodeB", 4, nowMS() - 3600000, map[string]uint64{ "nodeB": 4 }))
            directory.MergeEntry(remoteEntry("fresh1", "nodeB", 5, nowMS(), map[string]uint64{ "nodeB": 5 }))

            digest := directory.GetDigest()

            Expect(digest).Should(Equal(Digest{ "fresh1": 5 }))
        })
    })

    Describe("#GetEntriesSince", func() {
        It("should return everything sorted by entity id for an empty digest", func() {
            directory.MergeEntry(remoteEntry("thermostat1", "nodeB", 1, nowMS(), map[string]uint64{ "nodeB": 1 }))
            directory.RegisterLocal(Registration{ EntityID: "light1" })

            entries := directory.GetEntriesSince(Digest{ })

            Expect(entries).Should(HaveLen(2))
            Expect(entries[0].EntityID).Should(Equal("light1"))
            Expect(entries[1].EntityID).Should(Equal("thermostat1"))
        })

        It("should return nothing when the peer is up to date", func() {
            directory.RegisterLocal(Registration{ EntityID: "light1" })
            directory.RegisterLocal(Registration{ EntityID: "light2" })

            Expect(directory.GetEntriesSince(directory.GetDigest())).Should(HaveLen(0))
        })

        It("should return entries the peer holds outdated versions of", func() {
            directory.RegisterLocal(Registration{ EntityID: "light1" })
            directory.RegisterLocal(Registration{ EntityID: "light1" })

            entries := directory.GetEntriesSince(Digest{ "light1": 1 })

            Expect(entries).Should(HaveLen(1))
            Expect(entries[0].Version).Should(Equal(uint64(2)))
        })

        It("should exclude expired remote entries even for an empty digest", func() {
            directory.MergeEntry(remoteEntry("stale1", "nodeB", 4, nowMS() - 3600000, map[string]uint64{ "nodeB": 4 }))

            Expect(directory.GetEntriesSince(Digest{ })).Should(HaveLen(0))
        })
    })

    Describe("#FindPeers", func() {
        BeforeEach(func() {
            directory.RegisterLocal(Registration{ EntityID: "light1", EntityName: "light", Capabilities: []string{ "dimming", "color" } })
            directory.RegisterLocal(Registration{ EntityID: "light2", EntityName: "light", Capabilities: []string{ "dimming" } })
            directory.RegisterLocal(Registration{ EntityID: "thermostat1", EntityName: "thermostat", Capabilities: []string{ "heating" } })
        })

        It("should filter by entity name", func() {
            entries := directory.FindPeers("light", "")

            Expect(entries).Should(HaveLen(2))
            Expect(entries[0].EntityID).Should(Equal("light1"))
            Expect(entries[1].EntityID).Should(Equal("light2"))
        })

        It("should filter by capability", func() {
            entries := directory.FindPeers("", "color")

            Expect(entries).Should(HaveLen(1))
            Expect(entries[0].EntityID).Should(Equal("light1"))
        })

        It("should apply both filters together", func() {
            Expect(directory.FindPeers("light", "dimming")).Should(HaveLen(2))
            Expect(directory.FindPeers("thermostat", "dimming")).Should(HaveLen(0))
        })
    })

    Describe("#SweepExpired", func() {
        It("should remove remote entries whose heartbeat is past the peer timeout", func() {
            directory.MergeEntry(remoteEntry("stale1", "nodeB", 4, nowMS() - 3600000, map[string]uint64{ "nodeB": 4 }))

            removed := directory.SweepExpired(10 * time.Second)

            Expect(removed).Should(Equal([]string{ "stale1" }))
            Expect(directory.EntryCount()).Should(Equal(0))
            Expect(directory.Stats().Expired).Should(Equal(uint64(1)))
        })

        It("should mark quiet remote entries unreachable without touching their version", func() {
            directory.MergeEntry(remoteEntry("light1", "nodeB", 5, nowMS() - 15000, map[string]uint64{ "nodeB": 5 }))

            removed := directory.SweepExpired(10 * time.Second)

            Expect(removed).Should(HaveLen(0))

            entry, err := directory.Get("light1")

            Expect(err).Should(BeNil())
            Expect(entry.Status).Should(Equal(Status(UNREACHABLE)))
            Expect(entry.Version).Should(Equal(uint64(5)))
        })

        It("should leave entries owned by this node alone", func() {
            own := remoteEntry("light1", "nodeA", 1, nowMS() - 3600000, map[string]uint64{ "nodeA": 1 })

            Expect(directory.RestoreEntry(own)).Should(BeNil())

            removed := directory.SweepExpired(10 * time.Second)

            Expect(removed).Should(HaveLen(0))

            entry, err := directory.Get("light1")

            Expect(err).Should(BeNil())
            Expect(entry.Status).Should(Equal(Status(ACTIVE)))
        })

        It("should leave tombstones to the purge", func() {
            tombstone := remoteEntry("light1", "nodeB", 2, nowMS() - 3600000, map[string]uint64{ "nodeB": 2 })
            tombstone.Status = TOMBSTONE

            directory.MergeEntry(tombstone)

            Expect(directory.SweepExpired(10 * time.Second)).Should(HaveLen(0))
            Expect(directory.AllEntries()).Should(HaveLen(1))
        })
    })

    Describe("#PurgeTombstones", func() {
        It("should purge tombstones older than the retention window", func() {
            tombstone := remoteEntry("light1", "nodeB", 2, nowMS() - 7200000, map[string]uint64{ "nodeB": 2 })
            tombstone.Status = TOMBSTONE

            directory.MergeEntry(tombstone)

            purged := directory.PurgeTombstones(time.Hour)

            Expect(purged).Should(Equal([]string{ "light1" }))
            Expect(directory.AllEntries()).Should(HaveLen(0))
            Expect(directory.Stats().TombstonesPurged).Should(Equal(uint64(1)))
        })

        It("should keep tombstones inside the retention window", func() {
            directory.RegisterLocal(Registration{ EntityID: "light1" })
            directory.DeregisterLocal("light1")

            Expect(directory.PurgeTombstones(time.Hour)).Should(HaveLen(0))
            Expect(directory.AllEntries()).Should(HaveLen(1))
        })

        It("should never touch live entries", func() {
            directory.MergeEntry(remoteEntry("light1", "nodeB", 5, nowMS() - 7200000, map[string]uint64{ "nodeB": 5 }))

            Expect(directory.PurgeTombstones(time.Hour)).Should(HaveLen(0))
            Expect(directory.EntryCount()).Should(Equal(1))
        })
    })

    Describe("node state snapshots", func() {
        It("should carry the clocks and version counter across a restart", func() {
            directory.RegisterLocal(Registration{ EntityID: "light1" })
            directory.RegisterLocal(Registration{ EntityID: "light2" })

            state := directory.NodeState()
            entries := directory.AllEntries()

            restarted := NewDistributedRegistry("nodeA", 0, 30 * time.Second)
            restarted.RestoreNodeState(state)

            for _, entry := range entries {
                Expect(restarted.RestoreEntry(entry)).Should(BeNil())
            }

            Expect(restarted.EntryCount()).Should(Equal(2))

            entry, err := restarted.RegisterLocal(Registration{ EntityID: "light3" })

            Expect(err).Should(BeNil())
            Expect(entry.Version).Should(Equal(uint64(3)))
            Expect(entry.Clock.Counter("nodeA")).Should(Equal(uint64(3)))
        })
    })

    Describe("convergence", func() {
        It("should make two nodes identical after a digest exchange in each direction", func() {
            registryA := NewDistributedRegistry("nodeA", 0, 30 * time.Second)
            registryB := NewDistributedRegistry("nodeB", 0, 30 * time.Second)

            registryA.RegisterLocal(Registration{ EntityID: "lightA1", EntityName: "light" })
            registryA.RegisterLocal(Registration{ EntityID: "lightA2", EntityName: "light" })
            registryA.DeregisterLocal("lightA2")
            registryB.RegisterLocal(Registration{ EntityID: "thermostatB1", EntityName: "thermostat" })

            for _, entry := range registryA.GetEntriesSince(registryB.GetDigest()) {
                _, err := registryB.MergeEntry(entry)

                Expect(err).Should(BeNil())
            }

            for _, entry := range registryB.GetEntriesSince(registryA.GetDigest()) {
                _, err := registryA.MergeEntry(entry)

                Expect(err).Should(BeNil())
            }

            Expect(registryA.GetDigest()).Should(Equal(registryB.GetDigest()))
            Expect(registryA.GetEntriesSince(registryB.GetDigest())).Should(HaveLen(0))
            Expect(registryB.GetEntriesSince(registryA.GetDigest())).Should(HaveLen(0))

            treeA := dirSync.NewMerkleTree(registryA.AllEntries())
            treeB := dirSync.NewMerkleTree(registryB.AllEntries())

            Expect(treeA.RootHash()).Should(Equal(treeB.RootHash()))
        })

        It("should resolve concurrent registrations of the same entity identically on both nodes", func() {
            registryA := NewDistributedRegistry("nodeA", 0, 30 * time.Second)
            registryB := NewDistributedRegistry("nodeB", 0, 30 * time.Second)

            registryA.RegisterLocal(Registration{ EntityID: "shared", EntityName: "gateway", Endpoint: "tcp://10.0.0.1:4000" })
            registryB.RegisterLocal(Registration{ EntityID: "shared", EntityName: "gateway", Endpoint: "tcp://10.0.0.2:4000" })

            for _, entry := range registryA.AllEntries() {
                _, err := registryB.MergeEntry(entry)

                Expect(err).Should(BeNil())
            }

            for _, entry := range registryB.AllEntries() {
                _, err := registryA.MergeEntry(entry)

                Expect(err).Should(BeNil())
            }

            winnerA, err := registryA.Get("shared")

            Expect(err).Should(BeNil())

            winnerB, err := registryB.Get("shared")

            Expect(err).Should(BeNil())
            Expect(winnerA.NodeID).Should(Equal(winnerB.NodeID))
            Expect(winnerA.Version).Should(Equal(winnerB.Version))
            Expect(winnerA.Endpoint).Should(Equal(winnerB.Endpoint))

            treeA := dirSync.NewMerkleTree(registryA.AllEntries())
            treeB := dirSync.NewMerkleTree(registryB.AllEntries())

            Expect(treeA.RootHash()).Should(Equal(treeB.RootHash()))
        })
    })
})
