// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package busrpc

import (
	"fmt"

	"github.com/goccy/go-json"
)

// JSONCodec is a JSON-based codec
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// defaultCodec is used when no codec is specified
var defaultCodec Codec = JSONCodec{}

// rawCodecName is the gRPC content-subtype carrying bus payloads verbatim.
const rawCodecName = "busraw"

// rawCodec moves payload bytes through gRPC without a message schema.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, fmt.Errorf("busraw: cannot marshal %T", v)
	}
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("busraw: cannot unmarshal into %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return rawCodecName }
