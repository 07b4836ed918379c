package rpc

import (
	"encoding/json"
	"time"
)

type StartRecordingRpc struct {
	jsonRpcHead
	Params interface{} `json:"params"`
}

func NewStartRecordingRpc() *StartRecordingRpc {
	return &StartRecordingRpc{
		jsonRpcHead: rpcHead(StartRecordingMethod),
	}
}

func (r StartRecordingRpc) GetMethod() Method {
	return r.Method
}

func (r StartRecordingRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type StopRecordingRpc struct {
	jsonRpcHead
	Params interface{} `json:"params"`
}

func NewStopRecordingRpc() *StopRecordingRpc {
	return &StopRecordingRpc{
		jsonRpcHead: rpcHead(StopRecordingMethod),
	}
}

func (r StopRecordingRpc) GetMethod() Method {
	return r.Method
}

func (r StopRecordingRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type RecordingEventParams struct {
	RecordingID string    `json:"recordingId"`
	At          time.Time `json:"at"`
}

type RecordingStartedRpc struct {
	jsonRpcHead
	Params RecordingEventParams `json:"params"`
}

func NewRecordingStartedRpc(recordingID string, at time.Time) *RecordingStartedRpc {
	return &RecordingStartedRpc{
		jsonRpcHead: rpcHead(RecordingStartedMethod),
		Params: RecordingEventParams{
			RecordingID: recordingID,
			At:          at,
		},
	}
}

func (r RecordingStartedRpc) GetMethod() Method {
	return r.Method
}

func (r RecordingStartedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

type RecordingStoppedRpc struct {
	jsonRpcHead
	Params RecordingEventParams `json:"params"`
}

func NewRecordingStoppedRpc(recordingID string, at time.Time) *RecordingStoppedRpc {
	return &RecordingStoppedRpc{
		jsonRpcHead: rpcHead(RecordingStoppedMethod),
		Params: RecordingEventParams{
			RecordingID: recordingID,
			At:          at,
		},
	}
}

func (r RecordingStoppedRpc) GetMethod() Method {
	return r.Method
}

func (r RecordingStoppedRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
