package codec

import (
	"encoding/json"
	"errors"
	"fmt"

	"cluster-rpc/message"

	"google.golang.org/protobuf/encoding/protowire"
)

// BinaryCodec lays envelopes out as protobuf wire-format fields. Argument and
// result payloads stay JSON documents, carried as opaque bytes fields.
//
//	Request:  1 id (varint) | 2 path | 3 method | 4 args (repeated) | 5 reply_to | 6 target (endpoint)
//	Response: 1 id (varint) | 2 responder (endpoint) | 3 value | 4 failure kind (varint) | 5 failure message
//	Endpoint: 1 id | 2 node | 3 path
//
// Unknown fields are skipped on decode so fields can be added later.
type BinaryCodec struct{}

var errBinaryTarget = errors.New("BinaryCodec: v must be *message.Request or *message.Response")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *message.Request:
		return encodeRequest(msg), nil
	case *message.Response:
		return encodeResponse(msg), nil
	default:
		return nil, errBinaryTarget
	}
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	switch msg := v.(type) {
	case *message.Request:
		return decodeRequest(data, msg)
	case *message.Response:
		return decodeResponse(data, msg)
	default:
		return errBinaryTarget
	}
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func encodeRequest(req *message.Request) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, req.ID)
	b = appendString(b, 2, req.Path)
	b = appendString(b, 3, req.Method)
	for _, arg := range req.Args {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, arg)
	}
	b = appendString(b, 5, req.ReplyTo)
	if !req.Target.IsZero() {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeEndpoint(req.Target))
	}
	return b
}

func encodeResponse(resp *message.Response) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, resp.ID)
	if !resp.Responder.IsZero() {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeEndpoint(resp.Responder))
	}
	if len(resp.Value) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, resp.Value)
	}
	if resp.Failure != nil {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(resp.Failure.Kind))
		b = appendString(b, 5, resp.Failure.Message)
	}
	return b
}

func encodeEndpoint(ep message.Endpoint) []byte {
	var b []byte
	b = appendString(b, 1, ep.ID)
	b = appendString(b, 2, ep.Node)
	b = appendString(b, 3, ep.Path)
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// fieldFunc handles one field; it returns the number of bytes consumed or a
// negative protowire error code.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) int

func walkFields(data []byte, fn fieldFunc) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("BinaryCodec: %w", protowire.ParseError(n))
		}
		data = data[n:]

		m := fn(num, typ, data)
		if m == 0 {
			// not a field we know: skip it
			m = protowire.ConsumeFieldValue(num, typ, data)
		}
		if m < 0 {
			return fmt.Errorf("BinaryCodec: field %d: %w", num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

func decodeRequest(data []byte, req *message.Request) error {
	*req = message.Request{}
	var targetErr error
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			req.ID = v
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			req.Path = v
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			req.Method = v
			return n
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				req.Args = append(req.Args, json.RawMessage(clone(v)))
			}
			return n
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			req.ReplyTo = v
			return n
		case num == 6 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				targetErr = decodeEndpoint(v, &req.Target)
			}
			return n
		}
		return 0
	})
	if err != nil {
		return err
	}
	return targetErr
}

func decodeResponse(data []byte, resp *message.Response) error {
	*resp = message.Response{}
	var responderErr error
	var failure message.Failure
	hasFailure := false
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			resp.ID = v
			return n
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				responderErr = decodeEndpoint(v, &resp.Responder)
			}
			return n
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n >= 0 {
				resp.Value = json.RawMessage(clone(v))
			}
			return n
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			failure.Kind = message.FailureKind(v)
			hasFailure = true
			return n
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			failure.Message = v
			hasFailure = true
			return n
		}
		return 0
	})
	if err != nil {
		return err
	}
	if hasFailure {
		resp.Failure = &failure
	}
	return responderErr
}

func decodeEndpoint(data []byte, ep *message.Endpoint) error {
	return walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) int {
		if typ != protowire.BytesType {
			return 0
		}
		switch num {
		case 1:
			v, n := protowire.ConsumeString(b)
			ep.ID = v
			return n
		case 2:
			v, n := protowire.ConsumeString(b)
			ep.Node = v
			return n
		case 3:
			v, n := protowire.ConsumeString(b)
			ep.Path = v
			return n
		}
		return 0
	})
}

// clone detaches decoded bytes from the frame buffer.
func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
