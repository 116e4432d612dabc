package client

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io/ioutil"
    "net/http"
    "strings"
    "time"

    . "github.com/PelionIoT/servicedir/data"
    dirSync "github.com/PelionIoT/servicedir/sync"
)

const DefaultClientTimeout = time.Second * 10

type ErrorStatusCode struct {
    StatusCode int
    Message string
}

func (errorStatus *ErrorStatusCode) Error() string {
    return errorStatus.Message
}

var EClientTimeout = errors.New("Client request timed out")

// PeerAddress identifies another registry node reachable over the
// network.
type PeerAddress struct {
    NodeID string `json:"nodeID"`
    Host string `json:"host"`
    Port int `json:"port"`
}

func (peerAddress *PeerAddress) ToHTTPURL(endpoint string) string {
    return fmt.Sprintf("http://%s:%d%s", peerAddress.Host, peerAddress.Port, endpoint)
}

func (peerAddress *PeerAddress) ToWSURL(endpoint string) string {
    return fmt.Sprintf("ws://%s:%d%s", peerAddress.Host, peerAddress.Port, endpoint)
}

type ClientConfig struct {
    Timeout time.Duration
}

// Client talks to the HTTP sync surface of other registry nodes. The
// partition manager uses it to compare merkle state and to move full
// entries during reconciliation.
type Client struct {
    httpClient *http.Client
}

func NewClient(config ClientConfig) *Client {
    if config.Timeout == 0 {
        config.Timeout = DefaultClientTimeout
    }

    return &Client{
        httpClient: &http.Client{
            Timeout: config.Timeout,
        },
    }
}

func (client *Client) sendRequest(ctx context.Context, httpVerb string, endpointURL string, body []byte) ([]byte, error) {
    request, err := http.NewRequest(httpVerb, endpointURL, bytes.NewReader(body))

    if err != nil {
        return nil, err
    }

    request = request.WithContext(ctx)

    resp, err := client.httpClient.Do(request)

    if err != nil {
        if strings.Contains(err.Error(), "Timeout") {
            return nil, EClientTimeout
        }

        return nil, err
    }

    defer resp.Body.Close()

    if resp.StatusCode != http.StatusOK {
        errorMessage, err := ioutil.ReadAll(resp.Body)

        if err != nil {
            return nil, err
        }

        return nil, &ErrorStatusCode{ Message: string(errorMessage), StatusCode: resp.StatusCode }
    }

    responseBody, err := ioutil.ReadAll(resp.Body)

    if err != nil {
        return nil, err
    }

    return responseBody, nil
}

// MerkleRoot asks a peer for the root hash summarizing its entry set.
//
// Return Values:
//   EClientTimeout: The request to the node timed out
func (client *Client) MerkleRoot(ctx context.Context, peer PeerAddress) (Hash, error) {
    body, err := client.sendRequest(ctx, "GET", peer.ToHTTPURL("/merkle/root"), nil)

    if err != nil {
        return Hash{ }, err
    }

    var rootMessage dirSync.MerkleRootMessage

    if err := json.Unmarshal(body, &rootMessage); err != nil {
        return Hash{ }, err
    }

    return ParseHash(rootMessage.Hash)
}

// MerkleLeaves fetches a peer's full sorted leaf list so the caller can
// rebuild its tree locally and diff it against this node's.
//
// Return Values:
//   EClientTimeout: The request to the node timed out
func (client *Client) MerkleLeaves(ctx context.Context, peer PeerAddress) ([]dirSync.MerkleLeaf, error) {
    body, err := client.sendRequest(ctx, "GET", peer.ToHTTPURL("/merkle/tree"), nil)

    if err != nil {
        return nil, err
    }

    var treeMessage dirSync.MerkleTreeMessage

    if err := json.Unmarshal(body, &treeMessage); err != nil {
        return nil, err
    }

    return treeMessage.Leaves, nil
}

// Digest pulls a peer's current entry digest.
//
// Return Values:
//   EClientTimeout: The request to the node timed out
func (client *Client) Digest(ctx context.Context, peer PeerAddress) (Digest, error) {
    body, err := client.sendRequest(ctx, "GET", peer.ToHTTPURL("/gossip/digest"), nil)

    if err != nil {
        return nil, err
    }

    var digestMessage dirSync.GossipDigest

    if err := json.Unmarshal(body, &digestMessage); err != nil {
        return nil, err
    }

    if digestMessage.Digest == nil {
        return Digest{ }, nil
    }

    return digestMessage.Digest, nil
}

// EntriesSince sends a digest to a peer and receives the entries the
// digest is missing or holds outdated.
//
// Return Values:
//   EClientTimeout: The request to the node timed out
func (client *Client) EntriesSince(ctx context.Context, peer PeerAddress, digest Digest) ([]*RegistryEntry, error) {
    encodedDigest, _ := json.Marshal(dirSync.GossipDigest{ Digest: digest })
    body, err := client.sendRequest(ctx, "POST", peer.ToHTTPURL("/gossip/digest"), encodedDigest)

    if err != nil {
        return nil, err
    }

    var entriesMessage dirSync.GossipEntries

    if err := json.Unmarshal(body, &entriesMessage); err != nil {
        return nil, err
    }

    return entriesMessage.Entries, nil
}

// FetchEntries asks a peer for the full replicas of specific entities.
//
// Return Values:
//   EClientTimeout: The request to the node timed out
func (client *Client) FetchEntries(ctx context.Context, peer PeerAddress, entityIDs []string) ([]*RegistryEntry, error) {
    encodedRequest, _ := json.Marshal(dirSync.SyncFetchRequest{ EntityIDs: entityIDs })
    body, err := client.sendRequest(ctx, "POST", peer.ToHTTPURL("/sync/entries"), encodedRequest)

    if err != nil {
        return nil, err
    }

    var entriesMessage dirSync.GossipEntries

    if err := json.Unmarshal(body, &entriesMessage); err != nil {
        return nil, err
    }

    return entriesMessage.Entries, nil
}

// PushEntries hands a peer full replicas to merge and reports how many
// changed its state.
//
// Return Values:
//   EClientTimeout: The request to the node timed out
func (client *Client) PushEntries(ctx context.Context, peer PeerAddress, entries []*RegistryEntry) (int, error) {
    encodedEntries, _ := json.Marshal(dirSync.GossipEntries{ Entries: entries })
    body, err := client.sendRequest(ctx, "POST", peer.ToHTTPURL("/gossip/push"), encodedEntries)

    if err != nil {
        return 0, err
    }

    var pushResponse dirSync.PushResponse

    if err := json.Unmarshal(body, &pushResponse); err != nil {
        return 0, err
    }

    return pushResponse.Merged, nil
}
