package transport_test

import (
    "fmt"
    "net/http"
    "time"

    "github.com/gorilla/websocket"

    . "github.com/PelionIoT/servicedir/data"
    . "github.com/PelionIoT/servicedir/error"
    dirSync "github.com/PelionIoT/servicedir/sync"
    . "github.com/PelionIoT/servicedir/transport"

    . "github.com/onsi/ginkgo"
    . "github.com/onsi/gomega"
)

// startSyncServer exposes a hub the way the registry server does: a
// websocket upgrade endpoint at /sync where dialing peers identify
// themselves with the node_id query parameter.
func startSyncServer(hub *Hub, port int) *http.Server {
    upgrader := websocket.Upgrader{ ReadBufferSize: 1024, WriteBufferSize: 1024 }
    mux := http.NewServeMux()

    mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
        conn, err := upgrader.Upgrade(w, r, nil)

        if err != nil {
            return
        }

        hub.Accept(conn, r.URL.Query().Get("node_id"))
    })

    server := &http.Server{
        Addr: fmt.Sprintf("127.0.0.1:%d", port),
        Handler: mux,
    }

    go server.ListenAndServe()

    return server
}

func digestMessage(nodeID string, digest Digest, round uint64) *dirSync.GossipMessageWrapper {
    return &dirSync.GossipMessageWrapper{
        MessageType: dirSync.GOSSIP_DIGEST,
        NodeID: nodeID,
        MessageBody: dirSync.GossipDigest{ Digest: digest, Round: round },
    }
}

var _ = Describe("Hub", func() {
    Describe("with two connected hubs", func() {
        var hubA *Hub
        var hubB *Hub
        var server *http.Server
        var receivedA chan *dirSync.GossipMessageWrapper
        var receivedB chan *dirSync.GossipMessageWrapper

        BeforeEach(func() {
            hubA = NewHub("nodeA")
            hubB = NewHub("nodeB")
            receivedA = make(chan *dirSync.GossipMessageWrapper, 16)
            receivedB = make(chan *dirSync.GossipMessageWrapper, 16)

            hubA.OnMessage(func(message *dirSync.GossipMessageWrapper) {
                receivedA <- message
            })

            hubB.OnMessage(func(message *dirSync.GossipMessageWrapper) {
                receivedB <- message
            })

            server = startSyncServer(hubB, 9123)

            time.Sleep(time.Millisecond * 100)

            Expect(hubA.Connect("nodeB", "127.0.0.1", 9123)).Should(BeNil())

            time.Sleep(time.Millisecond * 200)
        })

        AfterEach(func() {
            hubA.DisconnectAll()
            hubB.DisconnectAll()
            server.Close()

            time.Sleep(time.Millisecond * 100)
        })

        It("should report the link on both ends", func() {
            Expect(hubA.Peers()).Should(Equal([]string{ "nodeB" }))
            Expect(hubB.Peers()).Should(Equal([]string{ "nodeA" }))

            peersA := hubA.PeersJSON()
            Expect(peersA).Should(HaveLen(1))
            Expect(peersA[0].ID).Should(Equal("nodeB"))
            Expect(peersA[0].Direction).Should(Equal("outgoing"))
            Expect(peersA[0].Status).Should(Equal("up"))

            peersB := hubB.PeersJSON()
            Expect(peersB).Should(HaveLen(1))
            Expect(peersB[0].ID).Should(Equal("nodeA"))
            Expect(peersB[0].Direction).Should(Equal("incoming"))
            Expect(peersB[0].Status).Should(Equal("up"))
        })

        It("should deliver messages in both directions and stamp them with the link identity", func() {
            Expect(hubA.SendTo("nodeB", digestMessage("impostor", Digest{ "light1": 1 }, 3))).Should(BeNil())

            select {
            case message := <-receivedB:
                Expect(message.MessageType).Should(Equal(dirSync.GOSSIP_DIGEST))
                Expect(message.NodeID).Should(Equal("nodeA"))

                body := message.MessageBody.(dirSync.GossipDigest)
                Expect(body.Round).Should(Equal(uint64(3)))
                Expect(body.Digest).Should(Equal(Digest{ "light1": 1 }))
            case <-time.After(time.Second * 5):
                Fail("Timed out waiting for the digest to reach hubB")
            }

            Expect(hubB.SendTo("nodeA", digestMessage("nodeB", Digest{ }, 7))).Should(BeNil())

            select {
            case message := <-receivedA:
                Expect(message.NodeID).Should(Equal("nodeB"))
                Expect(message.MessageBody.(dirSync.GossipDigest).Round).Should(Equal(uint64(7)))
            case <-time.After(time.Second * 5):
                Fail("Timed out waiting for the digest to reach hubA")
            }
        })

        It("should broadcast to every connected peer", func() {
            hubA.Broadcast(digestMessage("nodeA", Digest{ "light2": 4 }, 1))

            select {
            case message := <-receivedB:
                Expect(message.NodeID).Should(Equal("nodeA"))
                Expect(message.MessageBody.(dirSync.GossipDigest).Digest).Should(Equal(Digest{ "light2": 4 }))
            case <-time.After(time.Second * 5):
                Fail("Timed out waiting for the broadcast to reach hubB")
            }
        })

        It("should reject a second link for an already connected peer", func() {
            dialer := &websocket.Dialer{ }
            conn, _, err := dialer.Dial("ws://127.0.0.1:9123/sync?node_id=nodeA", nil)

            Expect(err).Should(BeNil())

            time.Sleep(time.Millisecond * 200)

            Expect(hubB.Peers()).Should(Equal([]string{ "nodeA" }))
            Expect(hubB.PeersJSON()).Should(HaveLen(1))

            conn.Close()
        })

        It("should tear the link down on both ends after a disconnect", func() {
            hubA.Disconnect("nodeB")

            time.Sleep(time.Millisecond * 300)

            Expect(hubA.Peers()).Should(HaveLen(0))
            Expect(hubB.Peers()).Should(HaveLen(0))
            Expect(hubA.PeersJSON()).Should(HaveLen(0))
            Expect(hubB.PeersJSON()).Should(HaveLen(0))
        })
    })

    Describe("#Connect", func() {
        It("should reject an empty peer id and a self connection", func() {
            hub := NewHub("nodeA")

            Expect(hub.Connect("", "127.0.0.1", 9123)).Should(Equal(EInvalidPeer))
            Expect(hub.Connect("nodeA", "127.0.0.1", 9123)).Should(Equal(EInvalidPeer))
        })

        It("should keep an unreachable peer registered as a down link until disconnected", func() {
            hub := NewHub("nodeA")

            Expect(hub.Connect("nodeX", "127.0.0.1", 9991)).Should(BeNil())

            time.Sleep(time.Millisecond * 200)

            Expect(hub.Peers()).Should(HaveLen(0))

            peers := hub.PeersJSON()
            Expect(peers).Should(HaveLen(1))
            Expect(peers[0].ID).Should(Equal("nodeX"))
            Expect(peers[0].Direction).Should(Equal("outgoing"))
            Expect(peers[0].Status).Should(Equal("down"))

            hub.Disconnect("nodeX")

            time.Sleep(time.Millisecond * 200)

            Expect(hub.PeersJSON()).Should(HaveLen(0))
        })
    })

    Describe("#Accept", func() {
        var conns chan *websocket.Conn
        var server *http.Server

        BeforeEach(func() {
            conns = make(chan *websocket.Conn, 2)
            upgrader := websocket.Upgrader{ ReadBufferSize: 1024, WriteBufferSize: 1024 }
            mux := http.NewServeMux()

            mux.HandleFunc("/sync", func(w http.ResponseWriter, r *http.Request) {
                conn, err := upgrader.Upgrade(w, r, nil)

                if err != nil {
                    return
                }

                conns <- conn
            })

            server = &http.Server{ Addr: "127.0.0.1:9124", Handler: mux }

            go server.ListenAndServe()

            time.Sleep(time.Millisecond * 100)
        })

        AfterEach(func() {
            server.Close()

            time.Sleep(time.Millisecond * 100)
        })

        It("should reject an anonymous peer and a self connection", func() {
            hub := NewHub("nodeA")
            dialer := &websocket.Dialer{ }

            clientConn, _, err := dialer.Dial("ws://127.0.0.1:9124/sync?node_id=nodeA", nil)
            Expect(err).Should(BeNil())

            serverConn := <-conns
            Expect(hub.Accept(serverConn, "")).Should(Equal(EInvalidPeer))
            clientConn.Close()

            clientConn, _, err = dialer.Dial("ws://127.0.0.1:9124/sync?node_id=nodeA", nil)
            Expect(err).Should(BeNil())

            serverConn = <-conns
            Expect(hub.Accept(serverConn, "nodeA")).Should(Equal(EInvalidPeer))
            clientConn.Close()

            Expect(hub.Peers()).Should(HaveLen(0))
            Expect(hub.PeersJSON()).Should(HaveLen(0))
        })
    })

    Describe("#SendTo", func() {
        It("should report a peer with no established link as unreachable", func() {
            hub := NewHub("nodeA")

            err := hub.SendTo("ghost", digestMessage("nodeA", Digest{ }, 1))

            Expect(err).Should(Equal(EPeerUnreachable))
        })
    })

    Describe("#Broadcast", func() {
        It("should be a no-op on a hub with no peers", func() {
            hub := NewHub("nodeA")

            hub.Broadcast(digestMessage("nodeA", Digest{ }, 1))

            Expect(hub.Peers()).Should(HaveLen(0))
        })
    })
})
