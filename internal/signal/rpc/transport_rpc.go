package rpc

import "encoding/json"

// RtpCapabilitiesParams is empty in the client's request; the reply carries
// the routing capabilities plus the producers already live in the session.
type RtpCapabilitiesParams struct {
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	Producers    []ProducerInfo  `json:"producers,omitempty"`
}

type RtpCapabilitiesRpc struct {
	jsonRpcHead
	Params *RtpCapabilitiesParams `json:"params"`
}

func NewRtpCapabilitiesRequestRpc() *RtpCapabilitiesRpc {
	return &RtpCapabilitiesRpc{
		jsonRpcHead: rpcHead(RtpCapabilitiesMethod),
	}
}

func NewRtpCapabilitiesRpc(capabilities json.RawMessage, producers []ProducerInfo) *RtpCapabilitiesRpc {
	return &RtpCapabilitiesRpc{
		jsonRpcHead: rpcHead(RtpCapabilitiesMethod),
		Params: &RtpCapabilitiesParams{
			Capabilities: capabilities,
			Producers:    producers,
		},
	}
}

// IsRequest reports whether this is the client's empty ask.
func (r RtpCapabilitiesRpc) IsRequest() bool {
	return r.Params == nil || (r.Params.Capabilities == nil && r.Params.Producers == nil)
}

func (r RtpCapabilitiesRpc) GetMethod() Method {
	return r.Method
}

func (r RtpCapabilitiesRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type CreateTransportParams struct {
	Direction string `json:"direction"`
}

type CreateTransportRpc struct {
	jsonRpcHead
	Params CreateTransportParams `json:"params"`
}

func NewCreateTransportRpc(direction string) *CreateTransportRpc {
	return &CreateTransportRpc{
		jsonRpcHead: rpcHead(CreateTransportMethod),
		Params:      CreateTransportParams{Direction: direction},
	}
}

func (r CreateTransportRpc) GetMethod() Method {
	return r.Method
}

func (r CreateTransportRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type TransportCreatedParams struct {
	ID         string          `json:"id"`
	Direction  string          `json:"direction"`
	Connection json.RawMessage `json:"connection"`
}

type TransportCreatedRpc struct {
	jsonRpcHead
	Params TransportCreatedParams `json:"params"`
}

func NewTransportCreatedRpc(id, direction string, connection json.RawMessage) *TransportCreatedRpc {
	return &TransportCreatedRpc{
		jsonRpcHead: rpcHead(TransportCreatedMethod),
		Params: TransportCreatedParams{
			ID:         id,
			Direction:  direction,
			Connection: connection,
		},
	}
}

func (r TransportCreatedRpc) GetMethod() Method {
	return r.Method
}

func (r TransportCreatedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ConnectTransportParams struct {
	TransportID string          `json:"transportId"`
	DTLS        json.RawMessage `json:"dtls"`
}

type ConnectTransportRpc struct {
	jsonRpcHead
	Params ConnectTransportParams `json:"params"`
}

func NewConnectTransportRpc(transportID string, dtls json.RawMessage) *ConnectTransportRpc {
	return &ConnectTransportRpc{
		jsonRpcHead: rpcHead(ConnectTransportMethod),
		Params: ConnectTransportParams{
			TransportID: transportID,
			DTLS:        dtls,
		},
	}
}

func (r ConnectTransportRpc) GetMethod() Method {
	return r.Method
}

func (r ConnectTransportRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type TransportConnectedParams struct {
	TransportID string `json:"transportId"`
}

type TransportConnectedRpc struct {
	jsonRpcHead
	Params TransportConnectedParams `json:"params"`
}

func NewTransportConnectedRpc(transportID string) *TransportConnectedRpc {
	return &TransportConnectedRpc{
		jsonRpcHead: rpcHead(TransportConnectedMethod),
		Params:      TransportConnectedParams{TransportID: transportID},
	}
}

func (r TransportConnectedRpc) GetMethod() Method {
	return r.Method
}

func (r TransportConnectedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
