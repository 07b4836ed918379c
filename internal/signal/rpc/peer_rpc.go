package rpc

import (
	"encoding/json"

	"github.com/isqad/livemeet-sfu/internal/rooms"
)

type PeerParams struct {
	Peer *rooms.Peer `json:"peer"`
}

type PeerJoinedRpc struct {
	jsonRpcHead
	Params PeerParams `json:"params"`
}

func NewPeerJoinedRpc(peer *rooms.Peer) *PeerJoinedRpc {
	return &PeerJoinedRpc{
		jsonRpcHead: rpcHead(PeerJoinedMethod),
		Params:      PeerParams{Peer: peer},
	}
}

func (r PeerJoinedRpc) GetMethod() Method {
	return r.Method
}

func (r PeerJoinedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type PeerLeftParams struct {
	PeerID string `json:"peerId"`
}

type PeerLeftRpc struct {
	jsonRpcHead
	Params PeerLeftParams `json:"params"`
}

func NewPeerLeftRpc(peerID string) *PeerLeftRpc {
	return &PeerLeftRpc{
		jsonRpcHead: rpcHead(PeerLeftMethod),
		Params:      PeerLeftParams{PeerID: peerID},
	}
}

func (r PeerLeftRpc) GetMethod() Method {
	return r.Method
}

func (r PeerLeftRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ToggleParams struct {
	Enabled bool `json:"enabled"`
}

// ToggleRpc covers toggleAudio, toggleVideo and toggleScreen, the method
// names the flag.
type ToggleRpc struct {
	jsonRpcHead
	Params ToggleParams `json:"params"`
}

func NewToggleRpc(method Method, enabled bool) *ToggleRpc {
	return &ToggleRpc{
		jsonRpcHead: rpcHead(method),
		Params:      ToggleParams{Enabled: enabled},
	}
}

func (r ToggleRpc) GetMethod() Method {
	return r.Method
}

func (r ToggleRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type PeerToggledParams struct {
	PeerID  string `json:"peerId"`
	Flag    string `json:"flag"`
	Enabled bool   `json:"enabled"`
}

type PeerToggledRpc struct {
	jsonRpcHead
	Params PeerToggledParams `json:"params"`
}

func NewPeerToggledRpc(peerID, flag string, enabled bool) *PeerToggledRpc {
	return &PeerToggledRpc{
		jsonRpcHead: rpcHead(PeerToggledMethod),
		Params: PeerToggledParams{
			PeerID:  peerID,
			Flag:    flag,
			Enabled: enabled,
		},
	}
}

func (r PeerToggledRpc) GetMethod() Method {
	return r.Method
}

func (r PeerToggledRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
