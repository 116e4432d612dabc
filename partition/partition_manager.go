package partition

import (
    "context"
    "fmt"
    "sort"
    "sync"
    "time"

    "github.com/PelionIoT/servicedir/client"
    . "github.com/PelionIoT/servicedir/data"
    . "github.com/PelionIoT/servicedir/logging"
    "github.com/PelionIoT/servicedir/registry"
    dirSync "github.com/PelionIoT/servicedir/sync"
)

const (
    HEALTHY = iota
    SUSPECTED = iota
    PARTITIONED = iota
    RECOVERING = iota
)

func StateName(state int) string {
    switch state {
    case HEALTHY:
        return "healthy"
    case SUSPECTED:
        return "suspected"
    case PARTITIONED:
        return "partitioned"
    case RECOVERING:
        return "recovering"
    }

    return ""
}

func nowMilliseconds() uint64 {
    return uint64(time.Now().UnixNano() / int64(time.Millisecond))
}

// PeerClient is the slice of the HTTP client the partition manager
// needs to compare and reconcile state with another node.
type PeerClient interface {
    MerkleRoot(ctx context.Context, peer client.PeerAddress) (Hash, error)
    MerkleLeaves(ctx context.Context, peer client.PeerAddress) ([]dirSync.MerkleLeaf, error)
    FetchEntries(ctx context.Context, peer client.PeerAddress, entityIDs []string) ([]*RegistryEntry, error)
    PushEntries(ctx context.Context, peer client.PeerAddress, entries []*RegistryEntry) (int, error)
}

type PeerStatus struct {
    NodeID string `json:"nodeID"`
    Reachable bool `json:"reachable"`
    Divergent bool `json:"divergent"`
    LastChecked uint64 `json:"lastChecked"`
}

type PartitionStatus struct {
    State string `json:"state"`
    ConsecutiveFailures int `json:"consecutiveFailures"`
    Peers []PeerStatus `json:"peers"`
}

// PartitionManager watches the gap between this node's replicated state
// and its configured peers. Reachable peers with matching merkle roots
// keep the node HEALTHY. A root mismatch makes it SUSPECTED until
// reconciliation closes the gap. When every peer stays unreachable for
// enough consecutive checks the node declares itself PARTITIONED, and on
// first contact after that it passes through RECOVERING while it pulls
// and pushes the entries that diverged.
type PartitionManager struct {
    directory *registry.DistributedRegistry
    peerClient PeerClient
    peers []client.PeerAddress
    history *PartitionHistory
    checkInterval time.Duration
    requestTimeout time.Duration
    partitionThreshold int
    lock sync.Mutex
    state int
    consecutiveFailures int
    peerStatus map[string]*PeerStatus
    stateChangeHandler func(oldState int, newState int)
    done chan bool
}

func NewPartitionManager(directory *registry.DistributedRegistry, peerClient PeerClient, peers []client.PeerAddress, history *PartitionHistory, checkInterval time.Duration, requestTimeout time.Duration, partitionThreshold int) *PartitionManager {
    return &PartitionManager{
        directory: directory,
        peerClient: peerClient,
        peers: peers,
        history: history,
        checkInterval: checkInterval,
        requestTimeout: requestTimeout,
        partitionThreshold: partitionThreshold,
        peerStatus: make(map[string]*PeerStatus),
        done: make(chan bool),
    }
}

// OnStateChange installs the hook invoked after every transition.
// Install it before Start: the handler is read without the lock.
func (partitionManager *PartitionManager) OnStateChange(stateChangeHandler func(oldState int, newState int)) {
    partitionManager.stateChangeHandler = stateChangeHandler
}

func (partitionManager *PartitionManager) Start() {
    go func() {
        for {
            select {
            case <-partitionManager.done:
                partitionManager.done = make(chan bool)

                return
            case <-time.After(partitionManager.checkInterval):
                partitionManager.CheckPartition()
            }
        }
    }()
}

// Stop halts the check loop. A node stopped mid recovery reverts to
// HEALTHY so a later Start does not resume in a stale state.
func (partitionManager *PartitionManager) Stop() {
    close(partitionManager.done)

    if partitionManager.State() == RECOVERING {
        partitionManager.transition(HEALTHY, "", "partition manager stopped")
    }
}

func (partitionManager *PartitionManager) State() int {
    partitionManager.lock.Lock()
    defer partitionManager.lock.Unlock()

    return partitionManager.state
}

func (partitionManager *PartitionManager) Status() PartitionStatus {
    partitionManager.lock.Lock()
    defer partitionManager.lock.Unlock()

    peers := make([]PeerStatus, 0, len(partitionManager.peerStatus))

    for _, peerStatus := range partitionManager.peerStatus {
        peers = append(peers, *peerStatus)
    }

    sort.Slice(peers, func(i, j int) bool {
        return peers[i].NodeID < peers[j].NodeID
    })

    return PartitionStatus{
        State: StateName(partitionManager.state),
        ConsecutiveFailures: partitionManager.consecutiveFailures,
        Peers: peers,
    }
}

func (partitionManager *PartitionManager) History() *PartitionHistory {
    return partitionManager.history
}

func (partitionManager *PartitionManager) transition(newState int, peerID string, reason string) {
    partitionManager.lock.Lock()

    oldState := partitionManager.state

    if oldState == newState {
        partitionManager.lock.Unlock()

        return
    }

    partitionManager.state = newState
    stateChangeHandler := partitionManager.stateChangeHandler
    partitionManager.lock.Unlock()

    Log.Infof("Partition state changed from %s to %s: %s", StateName(oldState), StateName(newState), reason)
    prometheusRecordState(newState)

    if partitionManager.history != nil {
        partitionManager.history.LogEvent(&PartitionEvent{
            Timestamp: nowMilliseconds(),
            NodeID: partitionManager.directory.NodeID(),
            PeerID: peerID,
            State: StateName(newState),
            Reason: reason,
        })
    }

    if stateChangeHandler != nil {
        stateChangeHandler(oldState, newState)
    }
}

// CheckPartition runs one probe cycle against every configured peer. The
// loop calls this on every tick but it is safe to invoke directly.
func (partitionManager *PartitionManager) CheckPartition() {
    if len(partitionManager.peers) == 0 {
        return
    }

    localRoot := dirSync.NewMerkleTree(partitionManager.directory.AllEntries()).RootHash()
    reachable := make([]client.PeerAddress, 0, len(partitionManager.peers))
    diverged := make([]client.PeerAddress, 0)
    now := nowMilliseconds()

    for _, peer := range partitionManager.peers {
        ctx, cancel := context.WithTimeout(context.Background(), partitionManager.requestTimeout)
        remoteRoot, err := partitionManager.peerClient.MerkleRoot(ctx, peer)
        cancel()

        peerStatus := &PeerStatus{ NodeID: peer.NodeID, LastChecked: now }

        if err != nil {
            Log.Debugf("Unable to reach node %s during partition check: %v", peer.NodeID, err)
        } else {
            peerStatus.Reachable = true

            if remoteRoot != localRoot {
                peerStatus.Divergent = true
                diverged = append(diverged, peer)
            }

            reachable = append(reachable, peer)
        }

        partitionManager.lock.Lock()
        partitionManager.peerStatus[peer.NodeID] = peerStatus
        partitionManager.lock.Unlock()
    }

    if len(reachable) == 0 {
        partitionManager.lock.Lock()
        partitionManager.consecutiveFailures += 1
        failures := partitionManager.consecutiveFailures
        state := partitionManager.state
        partitionManager.lock.Unlock()

        if failures >= partitionManager.partitionThreshold {
            if state != PARTITIONED {
                partitionManager.transition(PARTITIONED, "", fmt.Sprintf("no peers reachable for %d consecutive checks", failures))
            }
        } else if state == HEALTHY {
            partitionManager.transition(SUSPECTED, "", "no peers reachable")
        }

        return
    }

    partitionManager.lock.Lock()
    partitionManager.consecutiveFailures = 0
    state := partitionManager.state
    partitionManager.lock.Unlock()

    if state == PARTITIONED {
        partitionManager.transition(RECOVERING, "", "peers reachable again")

        merged, succeeded := partitionManager.reconcileAll(reachable)

        if succeeded == 0 {
            Log.Warningf("Recovery incomplete, no peer could be reconciled with. Will retry on the next check")

            return
        }

        partitionManager.transition(HEALTHY, "", fmt.Sprintf("recovered after merging %d entries", merged))

        return
    }

    if len(diverged) == 0 {
        if state != HEALTHY {
            partitionManager.transition(HEALTHY, "", "in sync with all reachable peers")
        }

        return
    }

    if state == HEALTHY {
        partitionManager.transition(SUSPECTED, diverged[0].NodeID, fmt.Sprintf("state hash differs from node %s", diverged[0].NodeID))
    }

    merged, succeeded := partitionManager.reconcileAll(diverged)

    if succeeded < len(diverged) {
        Log.Warningf("Reconciliation incomplete, %d of %d diverged peers could not be reconciled with. Will retry on the next check", len(diverged) - succeeded, len(diverged))

        return
    }

    partitionManager.transition(HEALTHY, "", fmt.Sprintf("reconciled after merging %d entries", merged))
}

func (partitionManager *PartitionManager) reconcileAll(peers []client.PeerAddress) (int, int) {
    merged := 0
    succeeded := 0

    for _, peer := range peers {
        entriesMerged, err := partitionManager.Reconcile(peer)

        if err != nil {
            Log.Warningf("Reconciliation with node %s failed: %v", peer.NodeID, err)

            continue
        }

        merged += entriesMerged
        succeeded += 1
    }

    return merged, succeeded
}

// Reconcile closes the gap with one peer: rebuild its merkle tree from
// its leaf list, diff against local state, pull the peer's replicas of
// every differing entity and push back the local winners. Returns how
// many pulled entries changed local state.
func (partitionManager *PartitionManager) Reconcile(peer client.PeerAddress) (int, error) {
    ctx, cancel := context.WithTimeout(context.Background(), partitionManager.requestTimeout)
    leaves, err := partitionManager.peerClient.MerkleLeaves(ctx, peer)
    cancel()

    if err != nil {
        return 0, err
    }

    remoteTree, err := dirSync.NewMerkleTreeFromLeaves(leaves)

    if err != nil {
        return 0, err
    }

    localTree := dirSync.NewMerkleTree(partitionManager.directory.AllEntries())
    differences := localTree.FindDifferences(remoteTree)

    if len(differences) == 0 {
        return 0, nil
    }

    ctx, cancel = context.WithTimeout(context.Background(), partitionManager.requestTimeout)
    remoteEntries, err := partitionManager.peerClient.FetchEntries(ctx, peer, differences)
    cancel()

    if err != nil {
        return 0, err
    }

    merged := 0

    for _, entry := range remoteEntries {
        changed, err := partitionManager.directory.MergeEntry(entry)

        if err != nil {
            Log.Warningf("Dropping invalid entry received from node %s during reconciliation: %v", peer.NodeID, err)

            continue
        }

        if changed {
            merged += 1
        }
    }

    localEntries := partitionManager.directory.SyncEntries(differences)

    if len(localEntries) > 0 {
        ctx, cancel = context.WithTimeout(context.Background(), partitionManager.requestTimeout)
        _, err = partitionManager.peerClient.PushEntries(ctx, peer, localEntries)
        cancel()

        if err != nil {
            Log.Warningf("Unable to push %d entries to node %s after reconciliation: %v", len(localEntries), peer.NodeID, err)
        }
    }

    Log.Infof("Reconciled with node %s: %d differing entities, merged %d entries", peer.NodeID, len(differences), merged)
    prometheusRecordReconciled(merged)

    if partitionManager.history != nil {
        partitionManager.history.LogEvent(&PartitionEvent{
            Timestamp: nowMilliseconds(),
            NodeID: partitionManager.directory.NodeID(),
            PeerID: peer.NodeID,
            State: StateName(partitionManager.State()),
            Reason: fmt.Sprintf("reconciled %d differing entities, merged %d entries", len(differences), merged),
        })
    }

    return merged, nil
}
