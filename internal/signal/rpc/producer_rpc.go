package rpc

import "encoding/json"

type ProduceParams struct {
	TransportID   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	Screen        bool            `json:"screen"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type ProduceRpc struct {
	jsonRpcHead
	Params ProduceParams `json:"params"`
}

func NewProduceRpc(transportID, kind string, screen bool, rtpParameters json.RawMessage) *ProduceRpc {
	return &ProduceRpc{
		jsonRpcHead: rpcHead(ProduceMethod),
		Params: ProduceParams{
			TransportID:   transportID,
			Kind:          kind,
			Screen:        screen,
			RTPParameters: rtpParameters,
		},
	}
}

func (r ProduceRpc) GetMethod() Method {
	return r.Method
}

func (r ProduceRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ProducerCreatedParams struct {
	ProducerID string `json:"producerId"`
}

type ProducerCreatedRpc struct {
	jsonRpcHead
	Params ProducerCreatedParams `json:"params"`
}

func NewProducerCreatedRpc(producerID string) *ProducerCreatedRpc {
	return &ProducerCreatedRpc{
		jsonRpcHead: rpcHead(ProducerCreatedMethod),
		Params:      ProducerCreatedParams{ProducerID: producerID},
	}
}

func (r ProducerCreatedRpc) GetMethod() Method {
	return r.Method
}

func (r ProducerCreatedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// ProducerInfo describes one live producer to peers that did not create it.
type ProducerInfo struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Screen  bool   `json:"screen"`
	OwnerID string `json:"ownerId"`
}

// ProducerAddedRpc is the newProducer push to the other peers of a session.
type ProducerAddedRpc struct {
	jsonRpcHead
	Params ProducerInfo `json:"params"`
}

func NewProducerRpc(producerID, kind string, screen bool, ownerID string) *ProducerAddedRpc {
	return &ProducerAddedRpc{
		jsonRpcHead: rpcHead(NewProducerMethod),
		Params: ProducerInfo{
			ID:      producerID,
			Kind:    kind,
			Screen:  screen,
			OwnerID: ownerID,
		},
	}
}

func (r ProducerAddedRpc) GetMethod() Method {
	return r.Method
}

func (r ProducerAddedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
