package sync_test

import (
    "encoding/json"

    . "github.com/PelionIoT/servicedir/data"
    . "github.com/PelionIoT/servicedir/error"
    . "github.com/PelionIoT/servicedir/sync"

    . "github.com/onsi/ginkgo"
    . "github.com/onsi/gomega"
)

var _ = Describe("Messages", func() {
    Describe("DecodeGossipMessage", func() {
        It("should decode a digest message into a typed body", func() {
            message, err := DecodeGossipMessage([]byte(`{"type":0,"node_id":"nodeA","body":{"digest":{"light1":3},"round":7}}`))

            Expect(err).Should(BeNil())
            Expect(message.MessageType).Should(Equal(GOSSIP_DIGEST))
            Expect(message.NodeID).Should(Equal("nodeA"))

            digest, ok := message.MessageBody.(GossipDigest)

            Expect(ok).Should(BeTrue())
            Expect(digest.Round).Should(Equal(uint64(7)))
            Expect(digest.Digest).Should(Equal(Digest{ "light1": 3 }))
        })

        It("should decode a missing digest map as an empty one", func() {
            message, err := DecodeGossipMessage([]byte(`{"type":0,"node_id":"nodeA","body":{"round":1}}`))

            Expect(err).Should(BeNil())

            digest := message.MessageBody.(GossipDigest)

            Expect(digest.Digest).ShouldNot(BeNil())
            Expect(digest.Digest).Should(BeEmpty())
        })

        It("should decode an entries message into a typed body", func() {
            entry := &RegistryEntry{
                EntityID: "light1",
                NodeID: "nodeA",
                Status: ACTIVE,
                Version: 1,
                Clock: NewVectorClockFromMap(map[string]uint64{ "nodeA": 1 }),
                Timestamp: NewHLC(1000, 0),
            }

            encoded, _ := json.Marshal(GossipMessageWrapper{
                MessageType: GOSSIP_ENTRIES,
                NodeID: "nodeA",
                MessageBody: GossipEntries{ Entries: []*RegistryEntry{ entry } },
            })

            message, err := DecodeGossipMessage(encoded)

            Expect(err).Should(BeNil())
            Expect(message.MessageType).Should(Equal(GOSSIP_ENTRIES))

            entries, ok := message.MessageBody.(GossipEntries)

            Expect(ok).Should(BeTrue())
            Expect(entries.Entries).Should(HaveLen(1))
            Expect(entries.Entries[0].EntityID).Should(Equal("light1"))
            Expect(entries.Entries[0].Clock.Counter("nodeA")).Should(Equal(uint64(1)))
        })

        It("should reject messages without a sender", func() {
            _, err := DecodeGossipMessage([]byte(`{"type":0,"body":{"round":1}}`))

            Expect(err).Should(Equal(EInvalidMessage))
        })

        It("should reject unknown message types", func() {
            _, err := DecodeGossipMessage([]byte(`{"type":42,"node_id":"nodeA","body":{}}`))

            Expect(err).Should(Equal(EInvalidMessage))
        })

        It("should reject bodies that do not match the type tag", func() {
            _, err := DecodeGossipMessage([]byte(`{"type":0,"node_id":"nodeA","body":[1,2,3]}`))

            Expect(err).Should(Equal(EInvalidMessage))
        })

        It("should reject malformed envelopes", func() {
            _, err := DecodeGossipMessage([]byte(`{"type":`))

            Expect(err).Should(Equal(EInvalidMessage))
        })
    })

    Describe("MessageTypeName", func() {
        It("should name the known message types", func() {
            Expect(MessageTypeName(GOSSIP_DIGEST)).Should(Equal("GOSSIP_DIGEST"))
            Expect(MessageTypeName(GOSSIP_ENTRIES)).Should(Equal("GOSSIP_ENTRIES"))
        })
    })
})
