package main

import (
    "encoding/json"
    "fmt"
    "io/ioutil"
    "net/http"
    "os"
    "strconv"
    "time"

    "github.com/olekukonko/tablewriter"

    "github.com/PelionIoT/servicedir/partition"
    "github.com/PelionIoT/servicedir/server"
)

func init() {
    registerCommand("status", showStatus, statusUsage)
}

var statusUsage string =
`Usage: servicedir status -host=[localhost] -port=[9090] -limit=[10]
`

func getJSON(url string, result interface{}) error {
    resp, err := http.Get(url)

    if err != nil {
        return err
    }

    defer resp.Body.Close()

    body, err := ioutil.ReadAll(resp.Body)

    if err != nil {
        return err
    }

    if resp.StatusCode != http.StatusOK {
        return fmt.Errorf("%s responded with status code %d: %s", url, resp.StatusCode, string(body))
    }

    return json.Unmarshal(body, result)
}

func showStatus() {
    baseURL := "http://" + *optHost + ":" + strconv.Itoa(*optPort)

    var status server.ServerStatus

    if err := getJSON(baseURL + "/status", &status); err != nil {
        fmt.Fprintf(os.Stderr, "Unable to query node status: %v\n", err)

        return
    }

    nodeTable := tablewriter.NewWriter(os.Stdout)
    nodeTable.SetHeader([]string{ "Node ID", "Entries", "Partition State", "Known Nodes" })
    nodeTable.Append([]string{
        status.NodeID,
        strconv.Itoa(status.EntryCount),
        status.PartitionState,
        strconv.Itoa(len(status.KnownNodes)),
    })
    nodeTable.Render()

    if len(status.Peers) != 0 {
        peerTable := tablewriter.NewWriter(os.Stdout)
        peerTable.SetHeader([]string{ "Peer ID", "Direction", "Status" })

        for _, peer := range status.Peers {
            peerTable.Append([]string{ peer.ID, peer.Direction, peer.Status })
        }

        peerTable.Render()
    }

    var partitionStatus partition.PartitionStatus

    if err := getJSON(baseURL + "/partition/status", &partitionStatus); err != nil {
        fmt.Fprintf(os.Stderr, "Unable to query partition status: %v\n", err)

        return
    }

    if len(partitionStatus.Peers) != 0 {
        reachabilityTable := tablewriter.NewWriter(os.Stdout)
        reachabilityTable.SetHeader([]string{ "Peer ID", "Reachable", "Divergent", "Last Checked" })

        for _, peer := range partitionStatus.Peers {
            reachabilityTable.Append([]string{
                peer.NodeID,
                strconv.FormatBool(peer.Reachable),
                strconv.FormatBool(peer.Divergent),
                formatTimestamp(peer.LastChecked),
            })
        }

        reachabilityTable.Render()
    }

    var events []partition.PartitionEvent

    if err := getJSON(baseURL + "/partition/events?limit=" + strconv.Itoa(*optLimit), &events); err != nil {
        fmt.Fprintf(os.Stderr, "Unable to query partition events: %v\n", err)

        return
    }

    if len(events) != 0 {
        eventsTable := tablewriter.NewWriter(os.Stdout)
        eventsTable.SetHeader([]string{ "Time", "Peer", "State", "Reason" })

        for _, event := range events {
            eventsTable.Append([]string{
                formatTimestamp(event.Timestamp),
                event.PeerID,
                event.State,
                event.Reason,
            })
        }

        eventsTable.Render()
    }
}

func formatTimestamp(milliseconds uint64) string {
    if milliseconds == 0 {
        return "never"
    }

    return time.Unix(0, int64(milliseconds) * int64(time.Millisecond)).Format(time.RFC3339)
}
