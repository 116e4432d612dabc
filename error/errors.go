package error

import (
    "encoding/json"
)

type DBerror struct {
    Msg string `json:"message"`
    ErrorCode int `json:"code"`
}

func (dbError DBerror) Error() string {
    return dbError.Msg
}

func (dbError DBerror) Code() int {
    return dbError.ErrorCode
}

func (dbError DBerror) JSON() []byte {
    json, _ := json.Marshal(dbError)

    return json
}

const (
    eEMPTY = iota
    eENTRY_LIMIT = iota
    eNO_SUCH_ENTITY = iota
    eNOT_OWNER = iota
    eINVALID_ENTRY = iota
    eINVALID_PEER = iota
    eINVALID_MESSAGE = iota
    eMERKLE_LEAVES = iota
    ePEER_UNREACHABLE = iota
    eSTORAGE = iota
    eREQUEST_QUERY = iota
)

var (
    EEmpty           = DBerror{ "Parameter was empty or nil", eEMPTY }
    EEntryLimit      = DBerror{ "The registry is already tracking its maximum number of entities", eENTRY_LIMIT }
    ENoSuchEntity    = DBerror{ "No entry exists for this entity", eNO_SUCH_ENTITY }
    ENotOwner        = DBerror{ "This node does not own the entry for this entity", eNOT_OWNER }
    EInvalidEntry    = DBerror{ "Entry is malformed or missing required fields", eINVALID_ENTRY }
    EInvalidPeer     = DBerror{ "Peer address is malformed", eINVALID_PEER }
    EInvalidMessage  = DBerror{ "Gossip message was not formatted correctly", eINVALID_MESSAGE }
    EMerkleLeaves    = DBerror{ "Merkle leaf list was not sorted and unique by entity id", eMERKLE_LEAVES }
    EPeerUnreachable = DBerror{ "The peer could not be reached before the timeout", ePEER_UNREACHABLE }
    EStorage         = DBerror{ "The storage driver experienced an error", eSTORAGE }
    ERequestQuery    = DBerror{ "Request query parameters were invalid", eREQUEST_QUERY }
)
