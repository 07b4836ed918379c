package rpc

import "encoding/json"

type ConsumeParams struct {
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

type ConsumeRpc struct {
	jsonRpcHead
	Params ConsumeParams `json:"params"`
}

func NewConsumeRpc(producerID string, rtpCapabilities json.RawMessage) *ConsumeRpc {
	return &ConsumeRpc{
		jsonRpcHead: rpcHead(ConsumeMethod),
		Params: ConsumeParams{
			ProducerID:      producerID,
			RTPCapabilities: rtpCapabilities,
		},
	}
}

func (r ConsumeRpc) GetMethod() Method {
	return r.Method
}

func (r ConsumeRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ConsumerParams struct {
	ID            string          `json:"id"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

// ConsumerCreatedRpc answers a consume request. Params is null when the
// capability check refused the pairing, which is a negotiation outcome and
// not an error.
type ConsumerCreatedRpc struct {
	jsonRpcHead
	Params *ConsumerParams `json:"params"`
}

func NewConsumerCreatedRpc(consumer *ConsumerParams) *ConsumerCreatedRpc {
	return &ConsumerCreatedRpc{
		jsonRpcHead: rpcHead(ConsumerCreatedMethod),
		Params:      consumer,
	}
}

func (r ConsumerCreatedRpc) GetMethod() Method {
	return r.Method
}

func (r ConsumerCreatedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ResumeConsumerParams struct {
	ConsumerID string `json:"consumerId"`
}

type ResumeConsumerRpc struct {
	jsonRpcHead
	Params ResumeConsumerParams `json:"params"`
}

func NewResumeConsumerRpc(consumerID string) *ResumeConsumerRpc {
	return &ResumeConsumerRpc{
		jsonRpcHead: rpcHead(ResumeConsumerMethod),
		Params:      ResumeConsumerParams{ConsumerID: consumerID},
	}
}

func (r ResumeConsumerRpc) GetMethod() Method {
	return r.Method
}

func (r ResumeConsumerRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type ConsumerResumedRpc struct {
	jsonRpcHead
	Params ResumeConsumerParams `json:"params"`
}

func NewConsumerResumedRpc(consumerID string) *ConsumerResumedRpc {
	return &ConsumerResumedRpc{
		jsonRpcHead: rpcHead(ConsumerResumedMethod),
		Params:      ResumeConsumerParams{ConsumerID: consumerID},
	}
}

func (r ConsumerResumedRpc) GetMethod() Method {
	return r.Method
}

func (r ConsumerResumedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
