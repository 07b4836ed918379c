package rpc

import "encoding/json"

type ErrorParams struct {
	Message string `json:"message"`
}

// ErrorRpc reports a failed operation back to the connection that asked for
// it.
type ErrorRpc struct {
	jsonRpcHead
	Params ErrorParams `json:"params"`
}

func NewErrorRpc(message string) *ErrorRpc {
	return &ErrorRpc{
		jsonRpcHead: rpcHead(ErrorMethod),
		Params:      ErrorParams{Message: message},
	}
}

func (r ErrorRpc) GetMethod() Method {
	return r.Method
}

func (r ErrorRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
