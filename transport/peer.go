package transport

import (
    "strconv"
    "sync"
    "time"

    "github.com/gorilla/websocket"

    . "github.com/PelionIoT/servicedir/error"
    . "github.com/PelionIoT/servicedir/logging"
    dirSync "github.com/PelionIoT/servicedir/sync"
)

const (
    INCOMING = iota
    OUTGOING = iota
)

const RECONNECT_WAIT_MAX_SECONDS = 32
const PEER_OUTGOING_BUFFER_SIZE = 64

type PeerJSON struct {
    Direction string `json:"direction"`
    ID string `json:"id"`
    Status string `json:"status"`
}

// Peer is one websocket link to another registry node. A peer either
// accepted the connection (INCOMING) or dialed it and keeps redialing
// with backoff until closed (OUTGOING).
type Peer struct {
    id string
    connection *websocket.Conn
    direction int
    closed bool
    closeChan chan bool
    doneChan chan bool
    csLock sync.Mutex
    result error
}

func NewPeer(id string, direction int) *Peer {
    return &Peer{
        id: id,
        direction: direction,
        closeChan: make(chan bool, 1),
    }
}

func (peer *Peer) errors() error {
    return peer.result
}

func (peer *Peer) accept(connection *websocket.Conn) (chan *dirSync.GossipMessageWrapper, chan *dirSync.GossipMessageWrapper, error) {
    peer.csLock.Lock()
    defer peer.csLock.Unlock()

    if peer.closed {
        return nil, nil, EInvalidPeer
    }

    peer.connection = connection

    incoming, outgoing := peer.establishChannels()

    return incoming, outgoing, nil
}

func (peer *Peer) connect(dialer *websocket.Dialer, localNodeID string, host string, port int) (chan *dirSync.GossipMessageWrapper, chan *dirSync.GossipMessageWrapper, error) {
    reconnectWaitSeconds := 1

    for {
        peer.connection = nil

        conn, _, err := dialer.Dial("ws://" + host + ":" + strconv.Itoa(port) + "/sync?node_id=" + localNodeID, nil)

        if err != nil {
            Log.Warningf("Unable to connect to peer %s at %s on port %d: %v. Reconnecting in %ds...", peer.id, host, port, err, reconnectWaitSeconds)

            select {
            case <-time.After(time.Second * time.Duration(reconnectWaitSeconds)):
            case <-peer.closeChan:
                Log.Debugf("Cancelled connection retry sequence for %s", peer.id)

                return nil, nil, EInvalidPeer
            }

            if reconnectWaitSeconds != RECONNECT_WAIT_MAX_SECONDS {
                reconnectWaitSeconds *= 2
            }
        } else {
            peer.csLock.Lock()
            defer peer.csLock.Unlock()

            if !peer.closed {
                peer.connection = conn

                incoming, outgoing := peer.establishChannels()

                return incoming, outgoing, nil
            }

            Log.Debugf("Cancelled connection retry sequence for %s", peer.id)

            closeWSConnection(conn)

            return nil, nil, EInvalidPeer
        }
    }
}

func (peer *Peer) establishChannels() (chan *dirSync.GossipMessageWrapper, chan *dirSync.GossipMessageWrapper) {
    connection := peer.connection
    peer.doneChan = make(chan bool, 1)

    incoming := make(chan *dirSync.GossipMessageWrapper)
    outgoing := make(chan *dirSync.GossipMessageWrapper, PEER_OUTGOING_BUFFER_SIZE)

    go func() {
        for msg := range outgoing {
            // this lock ensures mutual exclusion with close message sending in peer.close()
            peer.csLock.Lock()
            err := connection.WriteJSON(msg)
            peer.csLock.Unlock()

            if err != nil {
                Log.Errorf("Error writing to websocket for peer %s: %v", peer.id, err)
            }
        }
    }()

    go func() {
        defer close(peer.doneChan)

        for {
            _, encoded, err := connection.ReadMessage()

            if err != nil {
                if err.Error() == "websocket: close 1000 (normal)" {
                    Log.Infof("Received a normal websocket close message from peer %s", peer.id)
                } else {
                    Log.Errorf("Unable to read from peer %s: %v", peer.id, err)
                }

                peer.result = err

                close(incoming)

                return
            }

            message, err := dirSync.DecodeGossipMessage(encoded)

            if err != nil {
                Log.Errorf("Peer %s sent a misformatted message. Unable to parse: %v", peer.id, err)

                peer.result = err

                close(incoming)

                return
            }

            // the link identity wins over whatever sender the message claims
            message.NodeID = peer.id

            incoming <- message
        }
    }()

    return incoming, outgoing
}

func (peer *Peer) close() {
    peer.csLock.Lock()
    defer peer.csLock.Unlock()

    if !peer.closed {
        peer.closeChan <- true
        peer.closed = true
    }

    if peer.connection != nil {
        err := peer.connection.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

        if err != nil {
            return
        }

        select {
        case <-peer.doneChan:
        case <-time.After(time.Second):
        }

        peer.connection.Close()
    }
}

func (peer *Peer) isClosed() bool {
    return peer.closed
}

func (peer *Peer) toJSON(peerID string) *PeerJSON {
    var direction string
    var status string

    if peer.direction == INCOMING {
        direction = "incoming"
    } else {
        direction = "outgoing"
    }

    if peer.connection == nil {
        status = "down"
    } else {
        status = "up"
    }

    return &PeerJSON{
        Direction: direction,
        Status: status,
        ID: peerID,
    }
}

func closeWSConnection(conn *websocket.Conn) {
    done := make(chan bool)

    go func() {
        defer close(done)

        for {
            _, _, err := conn.ReadMessage()

            if err != nil {
                return
            }
        }
    }()

    err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

    if err != nil {
        return
    }

    select {
    case <-done:
    case <-time.After(time.Second):
    }

    conn.Close()
}

// Hub owns every peer link this node has, whichever side dialed. It
// fans decoded messages into the installed handler and offers targeted
// and broadcast sends keyed by node id.
type Hub struct {
    id string
    peerMapLock sync.Mutex
    peerMap map[string]*Peer
    peerOutgoing map[string]chan *dirSync.GossipMessageWrapper
    messageHandler func(*dirSync.GossipMessageWrapper)
}

func NewHub(id string) *Hub {
    return &Hub{
        id: id,
        peerMap: make(map[string]*Peer),
        peerOutgoing: make(map[string]chan *dirSync.GossipMessageWrapper),
    }
}

// OnMessage installs the handler for decoded peer messages. Install it
// before wiring any connection: the handler is read without the lock.
func (hub *Hub) OnMessage(messageHandler func(*dirSync.GossipMessageWrapper)) {
    hub.messageHandler = messageHandler
}

func (hub *Hub) dispatch(message *dirSync.GossipMessageWrapper) {
    if hub.messageHandler != nil {
        hub.messageHandler(message)
    }
}

// Accept takes over an incoming websocket connection from a peer that
// identified itself as peerID during the upgrade.
func (hub *Hub) Accept(connection *websocket.Conn, peerID string) error {
    if len(peerID) == 0 || peerID == hub.id {
        closeWSConnection(connection)

        return EInvalidPeer
    }

    go func() {
        peer := NewPeer(peerID, INCOMING)

        if !hub.register(peer) {
            Log.Warningf("Rejected peer connection from %s because that peer is already connected", peerID)

            closeWSConnection(connection)

            return
        }

        incoming, outgoing, err := peer.accept(connection)

        if err != nil {
            closeWSConnection(connection)
            hub.unregister(peer)

            return
        }

        Log.Infof("Accepted peer connection from %s", peerID)

        hub.addOutgoing(peer.id, outgoing)

        for msg := range incoming {
            hub.dispatch(msg)
        }

        hub.removeOutgoing(peer.id)
        hub.unregister(peer)

        Log.Infof("Disconnected from peer %s", peerID)
    }()

    return nil
}

// Connect dials a configured peer and keeps the link alive until
// Disconnect, redialing with backoff whenever it drops.
func (hub *Hub) Connect(peerID string, host string, port int) error {
    if len(peerID) == 0 || peerID == hub.id {
        return EInvalidPeer
    }

    dialer := &websocket.Dialer{ }

    go func() {
        peer := NewPeer(peerID, OUTGOING)

        // simply try to reserve a spot in the peer map
        if !hub.register(peer) {
            return
        }

        for {
            // connect will return an error once the peer is disconnected for good
            incoming, outgoing, err := peer.connect(dialer, hub.id, host, port)

            if err != nil {
                break
            }

            Log.Infof("Connected to peer %s", peer.id)

            hub.addOutgoing(peer.id, outgoing)

            // incoming is closed when the peer is disconnected from either end
            for msg := range incoming {
                hub.dispatch(msg)
            }

            hub.removeOutgoing(peer.id)

            if websocket.IsCloseError(peer.errors(), websocket.CloseNormalClosure) {
                Log.Infof("Disconnected from peer %s", peer.id)

                break
            }

            Log.Infof("Disconnected from peer %s. Reconnecting...", peer.id)
        }

        hub.unregister(peer)
    }()

    return nil
}

func (hub *Hub) Disconnect(peerID string) {
    hub.peerMapLock.Lock()
    defer hub.peerMapLock.Unlock()

    peer, ok := hub.peerMap[peerID]

    if ok {
        peer.close()
    }
}

func (hub *Hub) DisconnectAll() {
    hub.peerMapLock.Lock()
    peers := make([]*Peer, 0, len(hub.peerMap))

    for _, peer := range hub.peerMap {
        peers = append(peers, peer)
    }

    hub.peerMapLock.Unlock()

    for _, peer := range peers {
        peer.close()
    }
}

func (hub *Hub) register(peer *Peer) bool {
    hub.peerMapLock.Lock()
    defer hub.peerMapLock.Unlock()

    if _, ok := hub.peerMap[peer.id]; ok {
        return false
    }

    Log.Debugf("Register peer %s", peer.id)
    hub.peerMap[peer.id] = peer

    return true
}

func (hub *Hub) unregister(peer *Peer) {
    hub.peerMapLock.Lock()
    defer hub.peerMapLock.Unlock()

    if _, ok := hub.peerMap[peer.id]; ok {
        Log.Debugf("Unregister peer %s", peer.id)
    }

    delete(hub.peerMap, peer.id)
}

func (hub *Hub) addOutgoing(peerID string, outgoing chan *dirSync.GossipMessageWrapper) {
    hub.peerMapLock.Lock()
    defer hub.peerMapLock.Unlock()

    hub.peerOutgoing[peerID] = outgoing
}

func (hub *Hub) removeOutgoing(peerID string) {
    hub.peerMapLock.Lock()
    defer hub.peerMapLock.Unlock()

    outgoing, ok := hub.peerOutgoing[peerID]

    if ok {
        delete(hub.peerOutgoing, peerID)
        close(outgoing)
    }
}

// SendTo queues a message for one connected peer. A peer with no
// established link or a full send queue reads as unreachable, dropping
// the message. Gossip repeats every round so a drop only delays
// convergence.
func (hub *Hub) SendTo(nodeID string, message *dirSync.GossipMessageWrapper) error {
    hub.peerMapLock.Lock()
    defer hub.peerMapLock.Unlock()

    outgoing, ok := hub.peerOutgoing[nodeID]

    if !ok {
        return EPeerUnreachable
    }

    select {
    case outgoing <- message:
        return nil
    default:
        return EPeerUnreachable
    }
}

// Broadcast queues a message for every connected peer.
func (hub *Hub) Broadcast(message *dirSync.GossipMessageWrapper) {
    hub.peerMapLock.Lock()
    defer hub.peerMapLock.Unlock()

    for peerID, outgoing := range hub.peerOutgoing {
        select {
        case outgoing <- message:
        default:
            Log.Warningf("Dropping broadcast message for peer %s because its send queue is full", peerID)
        }
    }
}

// Peers lists the node ids with an established link.
func (hub *Hub) Peers() []string {
    hub.peerMapLock.Lock()
    defer hub.peerMapLock.Unlock()

    peers := make([]string, 0, len(hub.peerOutgoing))

    for peerID, _ := range hub.peerOutgoing {
        peers = append(peers, peerID)
    }

    return peers
}

// PeersJSON describes every known link, including outgoing ones still
// trying to connect.
func (hub *Hub) PeersJSON() []*PeerJSON {
    hub.peerMapLock.Lock()
    defer hub.peerMapLock.Unlock()

    peers := make([]*PeerJSON, 0, len(hub.peerMap))

    for peerID, ps := range hub.peerMap {
        peers = append(peers, ps.toJSON(peerID))
    }

    return peers
}
