package rpc

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("rpc: cbor encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("rpc: cbor decoder mode: %v", err))
	}
}

// Marshal encodes v the way call envelopes are encoded.
func Marshal(v interface{}) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	return decMode.Unmarshal(data, v)
}

// Request is the payload of a method invocation.
type Request struct {
	ID     uint64          `cbor:"1,keyasint"`
	Reply  string          `cbor:"2,keyasint,omitempty"`
	Params cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// Response is published to the request's reply topic.
type Response struct {
	ID     uint64          `cbor:"1,keyasint"`
	Status Status          `cbor:"2,keyasint"`
	Result cbor.RawMessage `cbor:"3,keyasint,omitempty"`
}

// NewRequest encodes params into a request envelope.
func NewRequest(id uint64, reply string, params interface{}) ([]byte, error) {
	req := Request{ID: id, Reply: reply}
	if params != nil {
		raw, err := encMode.Marshal(params)
		if err != nil {
			return nil, err
		}
		req.Params = raw
	}
	return encMode.Marshal(&req)
}

// DecodeResponse splits a reply payload. result may be nil.
func DecodeResponse(data []byte, result interface{}) (Response, error) {
	var resp Response
	if err := decMode.Unmarshal(data, &resp); err != nil {
		return resp, err
	}
	if result != nil && len(resp.Result) > 0 {
		if err := decMode.Unmarshal(resp.Result, result); err != nil {
			return resp, err
		}
	}
	return resp, nil
}
