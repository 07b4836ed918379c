package rpc

import (
	"encoding/json"

	"github.com/isqad/livemeet-sfu/internal/rooms"
)

type JoinParams struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

type JoinRpc struct {
	jsonRpcHead
	Params JoinParams `json:"params"`
}

func NewJoinRpc(sessionID, name string) *JoinRpc {
	return &JoinRpc{
		jsonRpcHead: rpcHead(JoinMethod),
		Params: JoinParams{
			SessionID: sessionID,
			Name:      name,
		},
	}
}

func (r JoinRpc) GetMethod() Method {
	return r.Method
}

func (r JoinRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type JoinedParams struct {
	SessionID string        `json:"sessionId"`
	Peer      *rooms.Peer   `json:"peer"`
	Roster    []*rooms.Peer `json:"roster"`
}

// JoinedRpc confirms the join to its caller and carries the roster of peers
// already present.
type JoinedRpc struct {
	jsonRpcHead
	Params JoinedParams `json:"params"`
}

func NewJoinedRpc(sessionID string, peer *rooms.Peer, roster []*rooms.Peer) *JoinedRpc {
	return &JoinedRpc{
		jsonRpcHead: rpcHead(JoinedMethod),
		Params: JoinedParams{
			SessionID: sessionID,
			Peer:      peer,
			Roster:    roster,
		},
	}
}

func (r JoinedRpc) GetMethod() Method {
	return r.Method
}

func (r JoinedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type LeaveRpc struct {
	jsonRpcHead
	Params interface{} `json:"params"`
}

func NewLeaveRpc() *LeaveRpc {
	return &LeaveRpc{
		jsonRpcHead: rpcHead(LeaveMethod),
	}
}

func (r LeaveRpc) GetMethod() Method {
	return r.Method
}

func (r LeaveRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
