package toolplane

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestServeDispatchesRegisteredTool(t *testing.T) {
	in := strings.NewReader(`{"id":"1","tool":"mgr_echo","params":{"msg":"hi"}}` + "\n")
	var out bytes.Buffer
	tr := NewTransport(in, &out, nil)
	tr.Register("mgr_echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var req struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, BadRequest(err.Error())
		}
		return map[string]string{"echo": req.Msg}, nil
	})

	if err := tr.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (raw: %s)", err, out.String())
	}
	if resp.ID != "1" {
		t.Errorf("ID = %q, want 1", resp.ID)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var result map[string]string
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result["echo"] != "hi" {
		t.Errorf("echo = %q, want hi", result["echo"])
	}
}

func TestServeUnknownToolReturnsNotFound(t *testing.T) {
	in := strings.NewReader(`{"id":"2","tool":"mgr_nope"}` + "\n")
	var out bytes.Buffer
	tr := NewTransport(in, &out, nil)

	if err := tr.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeNotFound {
		t.Fatalf("expected NOT_FOUND error, got %+v", resp.Error)
	}
}

func TestServeMalformedLineReturnsBadRequest(t *testing.T) {
	in := strings.NewReader("not json\n")
	var out bytes.Buffer
	tr := NewTransport(in, &out, nil)

	if err := tr.Serve(context.Background()); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	var resp Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != CodeBadRequest {
		t.Fatalf("expected BAD_REQUEST error, got %+v", resp.Error)
	}
}

func TestCompressBytesRoundTrips(t *testing.T) {
	data := bytes.Repeat([]byte("hello world "), 1000)
	for _, enc := range []string{"gzip", "zstd", "br"} {
		compressed, err := compressBytes(data, enc)
		if err != nil {
			t.Fatalf("%s: %v", enc, err)
		}
		if len(compressed) == 0 {
			t.Fatalf("%s: empty output", enc)
		}
		if len(compressed) >= len(data) {
			t.Errorf("%s: compressed size %d not smaller than input %d", enc, len(compressed), len(data))
		}
	}
}

func TestNegotiateEncodingPrefersZstd(t *testing.T) {
	if got := negotiateEncoding([]string{"gzip", "zstd", "br"}); got != "zstd" {
		t.Errorf("negotiateEncoding = %q, want zstd", got)
	}
	if got := negotiateEncoding([]string{"gzip"}); got != "gzip" {
		t.Errorf("negotiateEncoding = %q, want gzip", got)
	}
	if got := negotiateEncoding(nil); got != "" {
		t.Errorf("negotiateEncoding(nil) = %q, want empty", got)
	}
}

func TestMaybeCompressSkipsSmallPayloads(t *testing.T) {
	tr := NewTransport(strings.NewReader(""), &bytes.Buffer{}, []string{"gzip"})
	resp := tr.maybeCompress("1", []byte(`{"a":1}`))
	if resp.Encoding != "" {
		t.Errorf("expected no compression for small payload, got encoding %q", resp.Encoding)
	}
}
