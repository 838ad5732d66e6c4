package codec

import (
	"bytes"
	"testing"

	"cluster-rpc/message"
)

func sampleRequest(t *testing.T) *message.Request {
	req, err := message.NewRequest(42, "arith@Add", "Add", "127.0.0.1:9000", map[string]int{"a": 1, "b": 2}, "x")
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	return req.WithTarget(message.Endpoint{ID: "e-1", Node: "127.0.0.1:9001", Path: "arith@Add"})
}

func checkRequest(t *testing.T, want, got *message.Request) {
	t.Helper()
	if got.ID != want.ID || got.Path != want.Path || got.Method != want.Method || got.ReplyTo != want.ReplyTo {
		t.Fatalf("header mismatch: got %+v, want %+v", got, want)
	}
	if got.Target != want.Target {
		t.Errorf("Target mismatch: got %v, want %v", got.Target, want.Target)
	}
	if len(got.Args) != len(want.Args) {
		t.Fatalf("Args length mismatch: got %d, want %d", len(got.Args), len(want.Args))
	}
	for i := range want.Args {
		if !bytes.Equal(got.Args[i], want.Args[i]) {
			t.Errorf("Arg %d mismatch: got %s, want %s", i, got.Args[i], want.Args[i])
		}
	}
}

func TestCodecsRequest(t *testing.T) {
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			c, err := GetCodec(ct)
			if err != nil {
				t.Fatal(err)
			}
			want := sampleRequest(t)

			data, err := c.Encode(want)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			var got message.Request
			if err := c.Decode(data, &got); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			checkRequest(t, want, &got)
		})
	}
}

func TestCodecsFailedResponse(t *testing.T) {
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			c, _ := GetCodec(ct)
			want := message.Fail(message.FailureHandler, "boom")
			want.ID = 9
			want.Responder = message.Endpoint{ID: "e-2", Node: "n", Path: "blah"}

			data, err := c.Encode(want)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			var got message.Response
			if err := c.Decode(data, &got); err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got.ID != 9 || got.Responder != want.Responder {
				t.Errorf("header mismatch: got %+v", got)
			}
			if got.Failure == nil || got.Failure.Kind != message.FailureHandler || got.Failure.Message != "boom" {
				t.Errorf("Failure mismatch: got %+v", got.Failure)
			}
			if len(got.Value) != 0 {
				t.Errorf("expected empty value, got %s", got.Value)
			}
		})
	}
}

func TestBinaryCodecValueResponse(t *testing.T) {
	c := &BinaryCodec{}
	want := &message.Response{ID: 3, Value: []byte(`"HELLO WORLD!"`)}

	data, err := c.Encode(want)
	if err != nil {
		t.Fatal(err)
	}
	var got message.Response
	if err := c.Decode(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Failure != nil {
		t.Fatalf("unexpected failure %+v", got.Failure)
	}
	if string(got.Value) != `"HELLO WORLD!"` {
		t.Errorf("Value mismatch: got %s", got.Value)
	}
}

func TestBinaryCodecRejectsOtherTypes(t *testing.T) {
	c := &BinaryCodec{}
	if _, err := c.Encode("not an envelope"); err == nil {
		t.Fatal("expected error encoding a string")
	}
	var s string
	if err := c.Decode([]byte{0x08, 0x01}, &s); err == nil {
		t.Fatal("expected error decoding into a string")
	}
}

func TestBinaryCodecTruncated(t *testing.T) {
	c := &BinaryCodec{}
	data, _ := c.Encode(sampleRequest(t))

	var got message.Request
	if err := c.Decode(data[:len(data)-3], &got); err == nil {
		t.Fatal("expected error for truncated frame body")
	}
}

func TestGetCodecUnknown(t *testing.T) {
	if _, err := GetCodec(CodecType(9)); err == nil {
		t.Fatal("expected error for unknown codec type")
	}
	if ct, err := ParseCodecType("binary"); err != nil || ct != CodecTypeBinary {
		t.Fatalf("ParseCodecType(binary) = %v, %v", ct, err)
	}
}

func benchmarkCodec(b *testing.B, ct CodecType) {
	cdc, err := GetCodec(ct)
	if err != nil {
		b.Fatal(err)
	}
	req, err := message.NewRequest(1, "arith@Add", "Add", "127.0.0.1:9000", map[string]int{"A": 1, "B": 2})
	if err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.Encode(req)
		if err != nil {
			b.Fatal(err)
		}
		var out message.Request
		if err := cdc.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecJSON(b *testing.B) {
	benchmarkCodec(b, CodecTypeJSON)
}

func BenchmarkCodecBinary(b *testing.B) {
	benchmarkCodec(b, CodecTypeBinary)
}

func TestJSONCodecKeepsPathsReadable(t *testing.T) {
	cdc := &JSONCodec{}
	resp := message.Fail(message.FailureHandler, "a < b && c > d")
	data, err := cdc.Encode(resp)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Contains(data, []byte("a < b && c > d")) {
		t.Fatalf("message was escaped: %s", data)
	}
	if bytes.HasSuffix(data, []byte("\n")) {
		t.Fatalf("trailing newline in %q", data)
	}
}

func TestJSONCodecRejectsTrailingData(t *testing.T) {
	cdc := &JSONCodec{}
	var resp message.Response
	if err := cdc.Decode([]byte(`{"id":1} {"id":2}`), &resp); err == nil {
		t.Fatal("expected error for trailing data")
	}
	if err := cdc.Decode([]byte(`{"id":1}  `), &resp); err != nil {
		t.Fatalf("trailing whitespace rejected: %v", err)
	}
	if resp.ID != 1 {
		t.Fatalf("expect id 1, got %d", resp.ID)
	}
}
