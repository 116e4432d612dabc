package main

import (
    "fmt"
)

var templateConfig string =
`# The store field specifies the directory where the registry node keeps
# its snapshot and partition event history on disk. If it doesn't exist
# it will be created.
# **REQUIRED**
store: /var/lib/servicedir/registry

# The port field specifies the port number on which to run the registry
# server
port: 9090

# The host field specifies the address the registry server binds to when
# advertised to peers. It defaults to localhost.
# host: localhost

# Every node in a directory cluster needs a unique identity. If nodeID is
# left out a random one is generated the first time the node starts. Set
# it explicitly if the node should keep a stable identity across restarts
# with a fresh store directory.
# nodeID: WWRL000001

# The peer list specifies the other registry nodes that are in the same
# cluster as this node. This node will continually try to connect to and
# gossip with the nodes in this list. Entries registered at any node
# propagate to every node in the cluster.
peers:
# Uncomment these next lines if there are other peers in the cluster to
# connect to and edit accordingly
#    - id: WWRL000001
#      host: 127.0.0.1
#      port: 9191
#    - id: WWRL000002
#      host: 127.0.0.1
#      port: 9292

# How often this node starts a gossip round with a random subset of its
# peers. Lower values spread updates faster at the cost of more network
# chatter.
gossipIntervalSeconds: 1

# The number of peers contacted per gossip round.
maxGossipPeers: 3

# An entity whose owner has not sent a heartbeat within this window is
# considered expired and is removed from the registry by the sweeper.
peerTimeoutSeconds: 30

# An entity whose owner has not sent a heartbeat within this window is
# marked unreachable but kept in the registry. Must be less than
# peerTimeoutSeconds.
unreachableTimeoutSeconds: 15

# How long deregistered entries are remembered as tombstones so that
# deletes win over stale copies still circulating in the cluster. Must be
# at least 60.
tombstoneTTLSeconds: 3600

# How often the sweeper checks for expired entries and old tombstones.
sweepIntervalSeconds: 5

# How often the partition manager compares merkle roots with its peers to
# detect network partitions and diverged registries.
partitionCheckIntervalSeconds: 10

# The number of consecutive checks in which no peer is reachable before
# this node considers itself partitioned from the cluster.
partitionThreshold: 3

# Timeout for HTTP requests this node makes to its peers.
requestTimeoutSeconds: 10

# The maximum number of entities this node will track. Zero means no
# limit.
maxEntities: 0

# How often the registry is snapshotted to the store so it survives a
# restart.
snapshotIntervalSeconds: 30

# The number of partition state change events kept in the store.
maxPartitionEvents: 1000

# The logging level of the node. One of: critical, error, warning,
# notice, info, debug
logLevel: info
`

func init() {
    registerCommand("conf", generateConfig, confUsage)
}

var confUsage string =
`Usage: servicedir conf > path/to/output.yaml
`

func generateConfig() {
    fmt.Print(templateConfig)
}
