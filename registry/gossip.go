package registry

import (
    "math/rand"
    "sync"
    "time"

    . "github.com/PelionIoT/servicedir/data"
    . "github.com/PelionIoT/servicedir/logging"
    dirSync "github.com/PelionIoT/servicedir/sync"
)

// GossipTransport is the slice of the peer transport that the gossip
// loop needs: who is reachable right now and a way to hand them a
// message.
type GossipTransport interface {
    Peers() []string
    SendTo(nodeID string, message *dirSync.GossipMessageWrapper) error
    Broadcast(message *dirSync.GossipMessageWrapper)
}

// GossipController drives anti-entropy. Every interval it advertises a
// digest of local state to a bounded random subset of peers, answers
// digests from other nodes with the entries they are missing, and folds
// entry sets it receives into the registry.
type GossipController struct {
    registry *DistributedRegistry
    transport GossipTransport
    gossipInterval time.Duration
    maxGossipPeers int
    lock sync.Mutex
    round uint64
    done chan bool
}

func NewGossipController(registry *DistributedRegistry, transport GossipTransport, gossipInterval time.Duration, maxGossipPeers int) *GossipController {
    return &GossipController{
        registry: registry,
        transport: transport,
        gossipInterval: gossipInterval,
        maxGossipPeers: maxGossipPeers,
        done: make(chan bool),
    }
}

func (gossipController *GossipController) Start() {
    go func() {
        for {
            select {
            case <-gossipController.done:
                gossipController.done = make(chan bool)

                return
            case <-time.After(gossipController.gossipInterval):
                gossipController.Gossip()
            }
        }
    }()
}

func (gossipController *GossipController) Stop() {
    close(gossipController.done)
}

// Gossip runs one round. Peer selection is uniform so that over
// consecutive rounds every peer is exercised even when the fanout is
// smaller than the cluster.
func (gossipController *GossipController) Gossip() {
    peers := gossipController.transport.Peers()

    if len(peers) == 0 {
        return
    }

    gossipController.lock.Lock()
    gossipController.round += 1
    round := gossipController.round
    gossipController.lock.Unlock()

    message := &dirSync.GossipMessageWrapper{
        MessageType: dirSync.GOSSIP_DIGEST,
        NodeID: gossipController.registry.NodeID(),
        MessageBody: dirSync.GossipDigest{
            Digest: gossipController.registry.GetDigest(),
            Round: round,
        },
    }

    fanout := gossipController.maxGossipPeers

    if fanout <= 0 || fanout > len(peers) {
        fanout = len(peers)
    }

    for _, index := range rand.Perm(len(peers))[:fanout] {
        nodeID := peers[index]

        if err := gossipController.transport.SendTo(nodeID, message); err != nil {
            Log.Warningf("Unable to send gossip digest to node %s: %v", nodeID, err)
        }
    }

    prometheusRecordGossipRound()
}

// HandleMessage dispatches one decoded gossip message received from a
// peer.
func (gossipController *GossipController) HandleMessage(message *dirSync.GossipMessageWrapper) {
    switch message.MessageType {
    case dirSync.GOSSIP_DIGEST:
        gossipController.handleDigest(message.NodeID, message.MessageBody.(dirSync.GossipDigest))
    case dirSync.GOSSIP_ENTRIES:
        gossipController.handleEntries(message.NodeID, message.MessageBody.(dirSync.GossipEntries))
    default:
        Log.Warningf("Ignoring gossip message of unrecognized type %d from node %s", message.MessageType, message.NodeID)
    }
}

func (gossipController *GossipController) handleDigest(nodeID string, digest dirSync.GossipDigest) {
    gossipController.registry.AddKnownNode(nodeID)

    entries := gossipController.registry.GetEntriesSince(digest.Digest)

    if len(entries) == 0 {
        Log.Debugf("Node %s is up to date with this node (round %d)", nodeID, digest.Round)

        return
    }

    response := &dirSync.GossipMessageWrapper{
        MessageType: dirSync.GOSSIP_ENTRIES,
        NodeID: gossipController.registry.NodeID(),
        MessageBody: dirSync.GossipEntries{
            Entries: entries,
        },
    }

    if err := gossipController.transport.SendTo(nodeID, response); err != nil {
        Log.Warningf("Unable to send %d entries to node %s: %v", len(entries), nodeID, err)

        return
    }

    Log.Debugf("Sent %d entries to node %s (round %d)", len(entries), nodeID, digest.Round)
    prometheusRecordGossipEntriesSent(len(entries))
}

func (gossipController *GossipController) handleEntries(nodeID string, gossipEntries dirSync.GossipEntries) {
    merged := 0

    for _, entry := range gossipEntries.Entries {
        changed, err := gossipController.registry.MergeEntry(entry)

        if err != nil {
            Log.Warningf("Dropping invalid entry from node %s: %v", nodeID, err)

            continue
        }

        if changed {
            merged += 1
        }
    }

    if merged > 0 {
        Log.Infof("Merged %d entries received from node %s", merged, nodeID)
        prometheusRecordMerges(merged)
        prometheusRecordEntryCount(gossipController.registry.EntryCount())
    }
}

// BroadcastUpdate pushes one changed entry to every connected peer so a
// local write spreads immediately instead of waiting out a digest round.
// Installed as the registry's update hook during server assembly.
func (gossipController *GossipController) BroadcastUpdate(entry *RegistryEntry) {
    gossipController.transport.Broadcast(&dirSync.GossipMessageWrapper{
        MessageType: dirSync.GOSSIP_ENTRIES,
        NodeID: gossipController.registry.NodeID(),
        MessageBody: dirSync.GossipEntries{
            Entries: []*RegistryEntry{ entry },
        },
    })
}

func (gossipController *GossipController) Round() uint64 {
    gossipController.lock.Lock()
    defer gossipController.lock.Unlock()

    return gossipController.round
}
