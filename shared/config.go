package shared

import (
    "errors"
    "fmt"
    "io/ioutil"

    "github.com/google/uuid"
    "gopkg.in/yaml.v2"

    . "github.com/PelionIoT/servicedir/logging"
)

type YAMLServerConfig struct {
    NodeID string `yaml:"nodeID"`
    Host string `yaml:"host"`
    Port int `yaml:"port"`
    DBFile string `yaml:"store"`
    Peers []YAMLPeer `yaml:"peers"`
    GossipIntervalSeconds uint64 `yaml:"gossipIntervalSeconds"`
    MaxGossipPeers int `yaml:"maxGossipPeers"`
    PeerTimeoutSeconds uint64 `yaml:"peerTimeoutSeconds"`
    UnreachableTimeoutSeconds uint64 `yaml:"unreachableTimeoutSeconds"`
    TombstoneTTLSeconds uint64 `yaml:"tombstoneTTLSeconds"`
    SweepIntervalSeconds uint64 `yaml:"sweepIntervalSeconds"`
    PartitionCheckIntervalSeconds uint64 `yaml:"partitionCheckIntervalSeconds"`
    PartitionThreshold int `yaml:"partitionThreshold"`
    RequestTimeoutSeconds uint64 `yaml:"requestTimeoutSeconds"`
    MaxEntities uint64 `yaml:"maxEntities"`
    SnapshotIntervalSeconds uint64 `yaml:"snapshotIntervalSeconds"`
    MaxPartitionEvents int `yaml:"maxPartitionEvents"`
    LogLevel string `yaml:"logLevel"`
}

type YAMLPeer struct {
    ID string `yaml:"id"`
    Host string `yaml:"host"`
    Port int `yaml:"port"`
}

func (ysc *YAMLServerConfig) LoadFromFile(file string) error {
    rawConfig, err := ioutil.ReadFile(file)

    if err != nil {
        return err
    }

    err = yaml.Unmarshal(rawConfig, ysc)

    if err != nil {
        return err
    }

    return ysc.Validate()
}

// Validate checks the configuration and fills in defaults for anything
// left unset, generating a node id when none was configured.
func (ysc *YAMLServerConfig) Validate() error {
    if !isValidPort(ysc.Port) {
        return errors.New(fmt.Sprintf("%d is an invalid port for the registry server", ysc.Port))
    }

    if len(ysc.DBFile) == 0 {
        return errors.New("No store file specified in the configuration (i.e. store: /var/lib/servicedir/registry)")
    }

    if ysc.Peers != nil {
        for _, peer := range ysc.Peers {
            if len(peer.ID) == 0 {
                return errors.New(fmt.Sprintf("Peer ID is empty"))
            }

            if len(peer.Host) == 0 {
                return errors.New(fmt.Sprintf("The host name is empty for peer %s", peer.ID))
            }

            if !isValidPort(peer.Port) {
                return errors.New(fmt.Sprintf("%d is an invalid port to connect to peer %s at %s", peer.Port, peer.ID, peer.Host))
            }
        }
    }

    if len(ysc.Host) == 0 {
        ysc.Host = "localhost"
    }

    if ysc.GossipIntervalSeconds == 0 {
        ysc.GossipIntervalSeconds = 1
    }

    if ysc.MaxGossipPeers <= 0 {
        ysc.MaxGossipPeers = 3
    }

    if ysc.PeerTimeoutSeconds == 0 {
        ysc.PeerTimeoutSeconds = 30
    }

    if ysc.UnreachableTimeoutSeconds == 0 {
        ysc.UnreachableTimeoutSeconds = ysc.PeerTimeoutSeconds / 2
    }

    if ysc.UnreachableTimeoutSeconds >= ysc.PeerTimeoutSeconds {
        return errors.New(fmt.Sprintf("unreachableTimeoutSeconds (%d) must be less than peerTimeoutSeconds (%d)", ysc.UnreachableTimeoutSeconds, ysc.PeerTimeoutSeconds))
    }

    if ysc.TombstoneTTLSeconds == 0 {
        ysc.TombstoneTTLSeconds = 3600
    }

    if ysc.TombstoneTTLSeconds < 60 {
        return errors.New("The tombstone retention must be at least one minute (i.e. tombstoneTTLSeconds: 60)")
    }

    if ysc.SweepIntervalSeconds == 0 {
        ysc.SweepIntervalSeconds = 5
    }

    if ysc.PartitionCheckIntervalSeconds == 0 {
        ysc.PartitionCheckIntervalSeconds = 10
    }

    if ysc.PartitionThreshold <= 0 {
        ysc.PartitionThreshold = 3
    }

    if ysc.RequestTimeoutSeconds == 0 {
        ysc.RequestTimeoutSeconds = 10
    }

    if ysc.SnapshotIntervalSeconds == 0 {
        ysc.SnapshotIntervalSeconds = 30
    }

    if ysc.MaxPartitionEvents <= 0 {
        ysc.MaxPartitionEvents = 1000
    }

    if len(ysc.NodeID) == 0 {
        ysc.NodeID = uuid.New().String()

        Log.Infof("No node id configured. Generated node id %s", ysc.NodeID)
    }

    SetLoggingLevel(ysc.LogLevel)

    return nil
}

func isValidPort(p int) bool {
    return p >= 0 && p < (1 << 16)
}
