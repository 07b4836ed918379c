package rpc

import (
	"encoding/json"
	"errors"
	"io"
)

const jsonRpcVersion = "2.0"

type Method string

const (
	// client to server
	JoinMethod             Method = "join"
	RtpCapabilitiesMethod  Method = "rtpCapabilities"
	CreateTransportMethod  Method = "createTransport"
	ConnectTransportMethod Method = "connectTransport"
	ProduceMethod          Method = "produce"
	ConsumeMethod          Method = "consume"
	ResumeConsumerMethod   Method = "resumeConsumer"
	ToggleAudioMethod      Method = "toggleAudio"
	ToggleVideoMethod      Method = "toggleVideo"
	ToggleScreenMethod     Method = "toggleScreen"
	StartRecordingMethod   Method = "startRecording"
	StopRecordingMethod    Method = "stopRecording"
	LeaveMethod            Method = "leave"

	// server to client
	JoinedMethod             Method = "joined"
	PeerJoinedMethod         Method = "peerJoined"
	PeerLeftMethod           Method = "peerLeft"
	TransportCreatedMethod   Method = "transportCreated"
	TransportConnectedMethod Method = "transportConnected"
	ProducerCreatedMethod    Method = "producerCreated"
	NewProducerMethod        Method = "newProducer"
	ConsumerCreatedMethod    Method = "consumerCreated"
	ConsumerResumedMethod    Method = "consumerResumed"
	PeerToggledMethod        Method = "peerToggled"
	RecordingStartedMethod   Method = "recordingStarted"
	RecordingStoppedMethod   Method = "recordingStopped"
	ErrorMethod              Method = "error"
)

type Rpc interface {
	GetMethod() Method
	ToJSON() ([]byte, error)
}

type jsonRpcHead struct {
	Version string `json:"jsonrpc"`
	Method  Method `json:"method"`
}

type jsonRpc struct {
	jsonRpcHead
	Params json.RawMessage `json:"params"`
}

var (
	ErrUnknownRpcType = errors.New("unknown RPC type")
	ErrMalformedRpc   = errors.New("malformed RPC")
)

// RpcFromReader decodes one envelope into its typed message. Both directions
// are covered so clients of the signaling channel can reuse the codec.
func RpcFromReader(reader io.Reader) (Rpc, error) {
	envelope := &jsonRpc{}

	if err := json.NewDecoder(reader).Decode(envelope); err != nil {
		return nil, err
	}

	params := envelope.Params
	if len(params) == 0 {
		params = []byte("null")
	}

	switch envelope.Method {
	case JoinMethod:
		p := JoinParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewJoinRpc(p.SessionID, p.Name), nil
	case RtpCapabilitiesMethod:
		p := &RtpCapabilitiesParams{}
		if err := json.Unmarshal(params, p); err != nil {
			return nil, err
		}
		if p.Capabilities == nil && p.Producers == nil {
			return NewRtpCapabilitiesRequestRpc(), nil
		}
		return &RtpCapabilitiesRpc{rpcHead(RtpCapabilitiesMethod), p}, nil
	case CreateTransportMethod:
		p := CreateTransportParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewCreateTransportRpc(p.Direction), nil
	case ConnectTransportMethod:
		p := ConnectTransportParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewConnectTransportRpc(p.TransportID, p.DTLS), nil
	case ProduceMethod:
		p := ProduceParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewProduceRpc(p.TransportID, p.Kind, p.Screen, p.RTPParameters), nil
	case ConsumeMethod:
		p := ConsumeParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewConsumeRpc(p.ProducerID, p.RTPCapabilities), nil
	case ResumeConsumerMethod:
		p := ResumeConsumerParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewResumeConsumerRpc(p.ConsumerID), nil
	case ToggleAudioMethod, ToggleVideoMethod, ToggleScreenMethod:
		p := ToggleParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return &ToggleRpc{rpcHead(envelope.Method), p}, nil
	case StartRecordingMethod:
		return NewStartRecordingRpc(), nil
	case StopRecordingMethod:
		return NewStopRecordingRpc(), nil
	case LeaveMethod:
		return NewLeaveRpc(), nil
	case JoinedMethod:
		p := JoinedParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return &JoinedRpc{rpcHead(JoinedMethod), p}, nil
	case PeerJoinedMethod:
		p := PeerParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return &PeerJoinedRpc{rpcHead(PeerJoinedMethod), p}, nil
	case PeerLeftMethod:
		p := PeerLeftParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewPeerLeftRpc(p.PeerID), nil
	case TransportCreatedMethod:
		p := TransportCreatedParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewTransportCreatedRpc(p.ID, p.Direction, p.Connection), nil
	case TransportConnectedMethod:
		p := TransportConnectedParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewTransportConnectedRpc(p.TransportID), nil
	case ProducerCreatedMethod:
		p := ProducerCreatedParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewProducerCreatedRpc(p.ProducerID), nil
	case NewProducerMethod:
		p := ProducerInfo{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewProducerRpc(p.ID, p.Kind, p.Screen, p.OwnerID), nil
	case ConsumerCreatedMethod:
		var p *ConsumerParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewConsumerCreatedRpc(p), nil
	case ConsumerResumedMethod:
		p := ResumeConsumerParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewConsumerResumedRpc(p.ConsumerID), nil
	case PeerToggledMethod:
		p := PeerToggledParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewPeerToggledRpc(p.PeerID, p.Flag, p.Enabled), nil
	case RecordingStartedMethod:
		p := RecordingEventParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return &RecordingStartedRpc{rpcHead(RecordingStartedMethod), p}, nil
	case RecordingStoppedMethod:
		p := RecordingEventParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return &RecordingStoppedRpc{rpcHead(RecordingStoppedMethod), p}, nil
	case ErrorMethod:
		p := ErrorParams{}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
		return NewErrorRpc(p.Message), nil
	default:
		return nil, ErrUnknownRpcType
	}
}

func rpcHead(method Method) jsonRpcHead {
	return jsonRpcHead{
		Version: jsonRpcVersion,
		Method:  method,
	}
}
