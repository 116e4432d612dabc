package sync

import (
    "encoding/json"

    . "github.com/PelionIoT/servicedir/data"
    . "github.com/PelionIoT/servicedir/error"
)

const (
    GOSSIP_DIGEST = iota
    GOSSIP_ENTRIES = iota
)

func MessageTypeName(m int) string {
    names := map[int]string{
        GOSSIP_DIGEST: "GOSSIP_DIGEST",
        GOSSIP_ENTRIES: "GOSSIP_ENTRIES",
    }

    return names[m]
}

type rawGossipMessageWrapper struct {
    MessageType int `json:"type"`
    NodeID string `json:"node_id"`
    MessageBody json.RawMessage `json:"body"`
}

// GossipMessageWrapper is the envelope every peer link message travels in.
// MessageBody holds the concrete body for MessageType once decoded.
type GossipMessageWrapper struct {
    MessageType int `json:"type"`
    NodeID string `json:"node_id"`
    MessageBody interface{ } `json:"body"`
}

type GossipDigest struct {
    Digest Digest `json:"digest"`
    Round uint64 `json:"round"`
}

type GossipEntries struct {
    Entries []*RegistryEntry `json:"entries"`
}

// The websocket link carries GossipMessageWrapper envelopes. The types
// below are the request and response bodies for the HTTP sync surface
// that partition reconciliation talks to.
type MerkleRootMessage struct {
    NodeID string `json:"node_id"`
    Hash string `json:"hash"`
    LeafCount int `json:"leaf_count"`
}

type MerkleTreeMessage struct {
    NodeID string `json:"node_id"`
    Leaves []MerkleLeaf `json:"leaves"`
}

type SyncFetchRequest struct {
    EntityIDs []string `json:"entity_ids"`
}

type PushResponse struct {
    Merged int `json:"merged"`
}

// DecodeGossipMessage parses an envelope and decodes the body according to
// the type tag. A message with an unknown tag, a missing sender or a body
// that does not match its tag is rejected rather than half decoded.
func DecodeGossipMessage(encoded []byte) (*GossipMessageWrapper, error) {
    var rawMessage rawGossipMessageWrapper

    if err := json.Unmarshal(encoded, &rawMessage); err != nil {
        return nil, EInvalidMessage
    }

    if len(rawMessage.NodeID) == 0 {
        return nil, EInvalidMessage
    }

    message := &GossipMessageWrapper{
        MessageType: rawMessage.MessageType,
        NodeID: rawMessage.NodeID,
    }

    switch rawMessage.MessageType {
    case GOSSIP_DIGEST:
        var body GossipDigest

        if err := json.Unmarshal(rawMessage.MessageBody, &body); err != nil {
            return nil, EInvalidMessage
        }

        if body.Digest == nil {
            body.Digest = Digest{ }
        }

        message.MessageBody = body
    case GOSSIP_ENTRIES:
        var body GossipEntries

        if err := json.Unmarshal(rawMessage.MessageBody, &body); err != nil {
            return nil, EInvalidMessage
        }

        message.MessageBody = body
    default:
        return nil, EInvalidMessage
    }

    return message, nil
}
