package model

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the only protocol version emitted and accepted.
const JSONRPCVersion = "2.0"

// JSON-RPC error codes used by the gateway and the client engine.
const (
	CodeServerError    = -32000
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Sync exchange request.
type (
	Request struct {
		// Store uid the client believes it is synced to
		Store string `json:"store,omitempty"`
		// Last known revision
		Base Revision `json:"base,omitempty"`
		// Direct patch to apply before RPC calls
		Patch Map `json:"patch,omitempty"`
		// Batched RPC calls
		RPC []Call `json:"rpc,omitempty"`
		// Long-poll if there is nothing else to report
		Wait bool `json:"wait,omitempty"`
	}

	Call struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int64  `json:"id"`
		Method  string `json:"method"`
		Params  Value  `json:"params,omitempty"`
	}
)

// Sync exchange response.
type (
	Response struct {
		// Current revision after mutation
		Revision Revision `json:"revision"`
		// Current store uid
		Store string `json:"store"`
		// Full document, set iff Patch is not
		Data Map `json:"data,omitempty"`
		// Diff from the request base to Revision
		Patch Map `json:"patch,omitempty"`
		// One answer per submitted call, same order
		Ans []Answer `json:"ans,omitempty"`
	}

	Answer struct {
		JSONRPC string    `json:"jsonrpc"`
		ID      int64     `json:"id"`
		Result  Value     `json:"result,omitempty"`
		Error   *RPCError `json:"error,omitempty"`
	}

	// RPCError is a JSON-RPC error object. Handlers return it to control the code sent back.
	RPCError struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
)

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRPCError creates a new RPCError object.
func NewRPCError(code int, format string, args ...interface{}) *RPCError {
	return &RPCError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// HasPatch checks if the response carries a diff (as opposed to a full snapshot).
func (r *Response) HasPatch() bool {
	return r.Patch != nil
}

// MarshalJSON implements json.Marshaler: an empty diff is still sent as "patch": {}.
func (r Response) MarshalJSON() ([]byte, error) {
	type wire struct {
		Revision Revision `json:"revision"`
		Store    string   `json:"store"`
		Data     *Map     `json:"data,omitempty"`
		Patch    *Map     `json:"patch,omitempty"`
		Ans      []Answer `json:"ans,omitempty"`
	}

	out := wire{
		Revision: r.Revision,
		Store:    r.Store,
		Ans:      r.Ans,
	}
	if r.Patch != nil {
		out.Patch = &r.Patch
	} else {
		data := r.Data
		if data == nil {
			data = Map{}
		}
		out.Data = &data
	}

	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler: keeps "patch": {} distinguishable from a missing patch.
func (r *Response) UnmarshalJSON(raw []byte) error {
	type wire struct {
		Revision Revision        `json:"revision"`
		Store    string          `json:"store"`
		Data     json.RawMessage `json:"data"`
		Patch    json.RawMessage `json:"patch"`
		Ans      []Answer        `json:"ans"`
	}

	var in wire
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}

	*r = Response{
		Revision: in.Revision,
		Store:    in.Store,
		Ans:      in.Ans,
	}
	if len(in.Data) > 0 {
		if err := json.Unmarshal(in.Data, &r.Data); err != nil {
			return fmt.Errorf("data: %w", err)
		}
	}
	if len(in.Patch) > 0 {
		if err := json.Unmarshal(in.Patch, &r.Patch); err != nil {
			return fmt.Errorf("patch: %w", err)
		}
		if r.Patch == nil {
			r.Patch = Map{}
		}
	}

	return nil
}

// UnmarshalJSON implements json.Unmarshaler (params are an arbitrary Value).
func (c *Call) UnmarshalJSON(raw []byte) error {
	type wire struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      int64           `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params"`
	}

	var in wire
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}

	*c = Call{
		JSONRPC: in.JSONRPC,
		ID:      in.ID,
		Method:  in.Method,
	}
	if len(in.Params) > 0 {
		params, err := ParseValue(in.Params)
		if err != nil {
			return fmt.Errorf("params: %w", err)
		}
		c.Params = params
	}

	return nil
}

// UnmarshalJSON implements json.Unmarshaler (result is an arbitrary Value).
func (a *Answer) UnmarshalJSON(raw []byte) error {
	type wire struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      int64           `json:"id"`
		Result  json.RawMessage `json:"result"`
		Error   *RPCError       `json:"error"`
	}

	var in wire
	if err := json.Unmarshal(raw, &in); err != nil {
		return err
	}

	*a = Answer{
		JSONRPC: in.JSONRPC,
		ID:      in.ID,
		Error:   in.Error,
	}
	if len(in.Result) > 0 {
		result, err := ParseValue(in.Result)
		if err != nil {
			return fmt.Errorf("result: %w", err)
		}
		a.Result = result
	}

	return nil
}
