package server

import (
    "encoding/json"
    "io"
    "net"
    "net/http"
    "strconv"
    "time"

    "github.com/gorilla/mux"
    "github.com/gorilla/websocket"
    "github.com/prometheus/client_golang/prometheus/promhttp"

    "github.com/PelionIoT/servicedir/client"
    . "github.com/PelionIoT/servicedir/error"
    . "github.com/PelionIoT/servicedir/logging"
    "github.com/PelionIoT/servicedir/partition"
    "github.com/PelionIoT/servicedir/registry"
    "github.com/PelionIoT/servicedir/shared"
    . "github.com/PelionIoT/servicedir/storage"
    dirSync "github.com/PelionIoT/servicedir/sync"
    "github.com/PelionIoT/servicedir/transport"
)

type ServerStatus struct {
    NodeID string `json:"nodeID"`
    EntryCount int `json:"entryCount"`
    PartitionState string `json:"partitionState"`
    KnownNodes []string `json:"knownNodes"`
    Peers []*transport.PeerJSON `json:"peers"`
    Stats registry.RegistryStats `json:"stats"`
}

// Server assembles one registry node: the replicated entry map, its
// gossip and sweep loops, the partition manager, the peer hub and the
// HTTP surface that clients and other nodes talk to.
type Server struct {
    id string
    port int
    httpServer *http.Server
    listener net.Listener
    storageDriver StorageDriver
    upgrader websocket.Upgrader
    directory *registry.DistributedRegistry
    gossipController *registry.GossipController
    sweeper *registry.ExpirySweeper
    snapshotter *registry.Snapshotter
    partitionManager *partition.PartitionManager
    hub *transport.Hub
    peers []client.PeerAddress
}

func NewServer(serverConfig shared.YAMLServerConfig) (*Server, error) {
    if err := serverConfig.Validate(); err != nil {
        return nil, err
    }

    upgrader := websocket.Upgrader{
        ReadBufferSize: 1024,
        WriteBufferSize: 1024,
    }

    storageDriver := NewLevelDBStorageDriver(serverConfig.DBFile, nil)
    directory := registry.NewDistributedRegistry(serverConfig.NodeID, serverConfig.MaxEntities, time.Second * time.Duration(serverConfig.PeerTimeoutSeconds))

    hub := transport.NewHub(serverConfig.NodeID)
    gossipController := registry.NewGossipController(directory, hub, time.Second * time.Duration(serverConfig.GossipIntervalSeconds), serverConfig.MaxGossipPeers)
    hub.OnMessage(gossipController.HandleMessage)
    directory.OnEntryUpdated(gossipController.BroadcastUpdate)

    sweeper := registry.NewExpirySweeper(directory, time.Second * time.Duration(serverConfig.SweepIntervalSeconds), time.Second * time.Duration(serverConfig.UnreachableTimeoutSeconds), time.Second * time.Duration(serverConfig.TombstoneTTLSeconds))
    snapshotter := registry.NewSnapshotter(directory, storageDriver, time.Second * time.Duration(serverConfig.SnapshotIntervalSeconds))

    peers := make([]client.PeerAddress, 0, len(serverConfig.Peers))

    for _, peer := range serverConfig.Peers {
        peers = append(peers, client.PeerAddress{ NodeID: peer.ID, Host: peer.Host, Port: peer.Port })
        directory.AddKnownNode(peer.ID)
    }

    requestTimeout := time.Second * time.Duration(serverConfig.RequestTimeoutSeconds)
    peerClient := client.NewClient(client.ClientConfig{ Timeout: requestTimeout })
    history := partition.NewPartitionHistory(NewPrefixedStorageDriver(registry.PARTITION_EVENTS_PREFIX, storageDriver), serverConfig.MaxPartitionEvents)
    partitionManager := partition.NewPartitionManager(directory, peerClient, peers, history, time.Second * time.Duration(serverConfig.PartitionCheckIntervalSeconds), requestTimeout, serverConfig.PartitionThreshold)

    server := &Server{
        id: serverConfig.NodeID,
        port: serverConfig.Port,
        storageDriver: storageDriver,
        upgrader: upgrader,
        directory: directory,
        gossipController: gossipController,
        sweeper: sweeper,
        snapshotter: snapshotter,
        partitionManager: partitionManager,
        hub: hub,
        peers: peers,
    }

    if err := server.storageDriver.Open(); err != nil {
        Log.Errorf("Error creating server: %v", err)

        return nil, err
    }

    if err := server.snapshotter.Restore(); err != nil {
        Log.Errorf("Error restoring registry snapshot: %v", err)

        return nil, err
    }

    return server, nil
}

func (server *Server) Port() int {
    return server.port
}

func (server *Server) NodeID() string {
    return server.id
}

func (server *Server) Registry() *registry.DistributedRegistry {
    return server.directory
}

func (server *Server) PartitionManager() *partition.PartitionManager {
    return server.partitionManager
}

func (server *Server) Hub() *transport.Hub {
    return server.hub
}

func (server *Server) Start() error {
    r := mux.NewRouter()

    r.HandleFunc("/registry/{entityID}", func(w http.ResponseWriter, r *http.Request) {
        entityID := mux.Vars(r)["entityID"]

        var registration registry.Registration
        decoder := json.NewDecoder(r.Body)
        err := decoder.Decode(&registration)

        if err != nil {
            Log.Warningf("PUT /registry/{entityID}: %v", err)

            w.Header().Set("Content-Type", "application/json; charset=utf8")
            w.WriteHeader(http.StatusBadRequest)
            io.WriteString(w, string(EInvalidEntry.JSON()) + "\n")

            return
        }

        registration.EntityID = entityID

        entry, err := server.directory.RegisterLocal(registration)

        if err != nil {
            Log.Warningf("PUT /registry/{entityID}: %v", err)

            w.Header().Set("Content-Type", "application/json; charset=utf8")

            switch err {
            case EEntryLimit:
                w.WriteHeader(http.StatusForbidden)
                io.WriteString(w, string(EEntryLimit.JSON()) + "\n")
            case EEmpty:
                w.WriteHeader(http.StatusBadRequest)
                io.WriteString(w, string(EEmpty.JSON()) + "\n")
            default:
                w.WriteHeader(http.StatusInternalServerError)
                io.WriteString(w, string(EStorage.JSON()) + "\n")
            }

            return
        }

        encodedEntry, _ := json.Marshal(entry)

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, string(encodedEntry) + "\n")
    }).Methods("PUT")

    r.HandleFunc("/registry/{entityID}/heartbeat", func(w http.ResponseWriter, r *http.Request) {
        entityID := mux.Vars(r)["entityID"]

        entry, err := server.directory.UpdateHeartbeat(entityID)

        if err != nil {
            Log.Warningf("POST /registry/{entityID}/heartbeat: %v", err)

            w.Header().Set("Content-Type", "application/json; charset=utf8")

            switch err {
            case ENoSuchEntity:
                w.WriteHeader(http.StatusNotFound)
                io.WriteString(w, string(ENoSuchEntity.JSON()) + "\n")
            case ENotOwner:
                w.WriteHeader(http.StatusForbidden)
                io.WriteString(w, string(ENotOwner.JSON()) + "\n")
            default:
                w.WriteHeader(http.StatusInternalServerError)
                io.WriteString(w, string(EStorage.JSON()) + "\n")
            }

            return
        }

        encodedEntry, _ := json.Marshal(entry)

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, string(encodedEntry) + "\n")
    }).Methods("POST")

    r.HandleFunc("/registry/{entityID}", func(w http.ResponseWriter, r *http.Request) {
        entityID := mux.Vars(r)["entityID"]

        entry, err := server.directory.DeregisterLocal(entityID)

        if err != nil {
            Log.Warningf("DELETE /registry/{entityID}: %v", err)

            w.Header().Set("Content-Type", "application/json; charset=utf8")

            switch err {
            case ENoSuchEntity:
                w.WriteHeader(http.StatusNotFound)
                io.WriteString(w, string(ENoSuchEntity.JSON()) + "\n")
            case ENotOwner:
                w.WriteHeader(http.StatusForbidden)
                io.WriteString(w, string(ENotOwner.JSON()) + "\n")
            default:
                w.WriteHeader(http.StatusInternalServerError)
                io.WriteString(w, string(EStorage.JSON()) + "\n")
            }

            return
        }

        encodedEntry, _ := json.Marshal(entry)

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, string(encodedEntry) + "\n")
    }).Methods("DELETE")

    r.HandleFunc("/registry/{entityID}", func(w http.ResponseWriter, r *http.Request) {
        entityID := mux.Vars(r)["entityID"]

        entry, err := server.directory.Get(entityID)

        if err != nil {
            w.Header().Set("Content-Type", "application/json; charset=utf8")
            w.WriteHeader(http.StatusNotFound)
            io.WriteString(w, string(ENoSuchEntity.JSON()) + "\n")

            return
        }

        encodedEntry, _ := json.Marshal(entry)

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, string(encodedEntry) + "\n")
    }).Methods("GET")

    r.HandleFunc("/registry", func(w http.ResponseWriter, r *http.Request) {
        entityName := r.URL.Query().Get("name")
        capability := r.URL.Query().Get("capability")

        entries := server.directory.FindPeers(entityName, capability)
        encodedEntries, _ := json.Marshal(entries)

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, string(encodedEntries) + "\n")
    }).Methods("GET")

    r.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
        status := ServerStatus{
            NodeID: server.id,
            EntryCount: server.directory.EntryCount(),
            PartitionState: partition.StateName(server.partitionManager.State()),
            KnownNodes: server.directory.KnownNodes(),
            Peers: server.hub.PeersJSON(),
            Stats: server.directory.Stats(),
        }

        encodedStatus, _ := json.Marshal(status)

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, string(encodedStatus) + "\n")
    }).Methods("GET")

    r.HandleFunc("/gossip/digest", func(w http.ResponseWriter, r *http.Request) {
        digestMessage := dirSync.GossipDigest{
            Digest: server.directory.GetDigest(),
            Round: server.gossipController.Round(),
        }

        encodedDigest, _ := json.Marshal(digestMessage)

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, string(encodedDigest) + "\n")
    }).Methods("GET")

    r.HandleFunc("/gossip/digest", func(w http.ResponseWriter, r *http.Request) {
        var digestMessage dirSync.GossipDigest
        decoder := json.NewDecoder(r.Body)
        err := decoder.Decode(&digestMessage)

        if err != nil {
            Log.Warningf("POST /gossip/digest: %v", err)

            w.Header().Set("Content-Type", "application/json; charset=utf8")
            w.WriteHeader(http.StatusBadRequest)
            io.WriteString(w, string(EInvalidMessage.JSON()) + "\n")

            return
        }

        entries := server.directory.GetEntriesSince(digestMessage.Digest)
        encodedEntries, _ := json.Marshal(dirSync.GossipEntries{ Entries: entries })

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, string(encodedEntries) + "\n")
    }).Methods("POST")

    r.HandleFunc("/gossip/push", func(w http.ResponseWriter, r *http.Request) {
        var entriesMessage dirSync.GossipEntries
        decoder := json.NewDecoder(r.Body)
        err := decoder.Decode(&entriesMessage)

        if err != nil {
            Log.Warningf("POST /gossip/push: %v", err)

            w.Header().Set("Content-Type", "application/json; charset=utf8")
            w.WriteHeader(http.StatusBadRequest)
            io.WriteString(w, string(EInvalidMessage.JSON()) + "\n")

            return
        }

        merged := 0

        for _, entry := range entriesMessage.Entries {
            changed, err := server.directory.MergeEntry(entry)

            if err != nil {
                Log.Warningf("POST /gossip/push: dropping invalid entry: %v", err)

                continue
            }

            if changed {
                merged += 1
            }
        }

        encodedResponse, _ := json.Marshal(dirSync.PushResponse{ Merged: merged })

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, string(encodedResponse) + "\n")
    }).Methods("POST")

    r.HandleFunc("/sync/entries", func(w http.ResponseWriter, r *http.Request) {
        var fetchRequest dirSync.SyncFetchRequest
        decoder := json.NewDecoder(r.Body)
        err := decoder.Decode(&fetchRequest)

        if err != nil {
            Log.Warningf("POST /sync/entries: %v", err)

            w.Header().Set("Content-Type", "application/json; charset=utf8")
            w.WriteHeader(http.StatusBadRequest)
            io.WriteString(w, string(EInvalidMessage.JSON()) + "\n")

            return
        }

        entries := server.directory.SyncEntries(fetchRequest.EntityIDs)
        encodedEntries, _ := json.Marshal(dirSync.GossipEntries{ Entries: entries })

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, string(encodedEntries) + "\n")
    }).Methods("POST")

    r.HandleFunc("/merkle/root", func(w http.ResponseWriter, r *http.Request) {
        tree := dirSync.NewMerkleTree(server.directory.AllEntries())
        rootMessage := dirSync.MerkleRootMessage{
            NodeID: server.id,
            Hash: tree.RootHash().Hex(),
            LeafCount: tree.LeafCount(),
        }

        encodedRoot, _ := json.Marshal(rootMessage)

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, string(encodedRoot) + "\n")
    }).Methods("GET")

    r.HandleFunc("/merkle/tree", func(w http.ResponseWriter, r *http.Request) {
        tree := dirSync.NewMerkleTree(server.directory.AllEntries())
        treeMessage := dirSync.MerkleTreeMessage{
            NodeID: server.id,
            Leaves: tree.Leaves(),
        }

        encodedTree, _ := json.Marshal(treeMessage)

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, string(encodedTree) + "\n")
    }).Methods("GET")

    r.HandleFunc("/partition/status", func(w http.ResponseWriter, r *http.Request) {
        encodedStatus, _ := json.Marshal(server.partitionManager.Status())

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, string(encodedStatus) + "\n")
    }).Methods("GET")

    r.HandleFunc("/partition/events", func(w http.ResponseWriter, r *http.Request) {
        query := r.URL.Query()
        var after, before uint64
        var limit int
        var err error

        if len(query.Get("after")) != 0 {
            after, err = strconv.ParseUint(query.Get("after"), 10, 64)
        }

        if err == nil && len(query.Get("before")) != 0 {
            before, err = strconv.ParseUint(query.Get("before"), 10, 64)
        }

        if err == nil && len(query.Get("limit")) != 0 {
            limit, err = strconv.Atoi(query.Get("limit"))
        }

        if err != nil {
            Log.Warningf("GET /partition/events: %v", err)

            w.Header().Set("Content-Type", "application/json; charset=utf8")
            w.WriteHeader(http.StatusBadRequest)
            io.WriteString(w, string(ERequestQuery.JSON()) + "\n")

            return
        }

        events, err := server.partitionManager.History().Query(after, before, limit)

        if err != nil {
            w.Header().Set("Content-Type", "application/json; charset=utf8")
            w.WriteHeader(http.StatusInternalServerError)
            io.WriteString(w, string(EStorage.JSON()) + "\n")

            return
        }

        encodedEvents, _ := json.Marshal(events)

        w.Header().Set("Content-Type", "application/json; charset=utf8")
        w.WriteHeader(http.StatusOK)
        io.WriteString(w, string(encodedEvents) + "\n")
    }).Methods("GET")

    r.Handle("/metrics", promhttp.Handler()).Methods("GET")

    r.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
        peerID := r.URL.Query().Get("node_id")

        conn, err := server.upgrader.Upgrade(w, r, nil)

        if err != nil {
            return
        }

        server.hub.Accept(conn, peerID)
    }).Methods("GET")

    server.httpServer = &http.Server{
        Handler: r,
        WriteTimeout: 15 * time.Second,
        ReadTimeout: 15 * time.Second,
    }

    listener, err := net.Listen("tcp", "0.0.0.0:" + strconv.Itoa(server.Port()))

    if err != nil {
        Log.Errorf("Error listening on port: %d", server.port)

        server.Stop()

        return err
    }

    server.listener = listener

    server.sweeper.Start()
    server.snapshotter.Start()
    server.gossipController.Start()
    server.partitionManager.Start()

    for _, peer := range server.peers {
        server.hub.Connect(peer.NodeID, peer.Host, peer.Port)
    }

    Log.Infof("Node %s listening on port %d", server.id, server.port)

    return server.httpServer.Serve(server.listener)
}

func (server *Server) Stop() error {
    server.sweeper.Stop()
    server.snapshotter.Stop()
    server.gossipController.Stop()
    server.partitionManager.Stop()
    server.hub.DisconnectAll()

    if err := server.snapshotter.Snapshot(); err != nil {
        Log.Errorf("Error writing final registry snapshot: %v", err)
    }

    if server.listener != nil {
        server.listener.Close()
    }

    server.storageDriver.Close()

    return nil
}
