// Package toolplane implements the host tool-plane transport (§6):
// line-delimited JSON requests on stdin, line-delimited JSON responses on
// stdout. Every mgr_-prefixed tool is registered as a thin HandlerFunc
// that delegates to the core packages and returns a JSON-marshalable
// value; this package owns only framing, dispatch and error shaping.
package toolplane

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// maxRequestLine bounds a single incoming request line, guarding against
// an unbounded read from a misbehaving host.
const maxRequestLine = 10 * 1024 * 1024

// Request is one line-delimited JSON request from the host.
type Request struct {
	ID     string          `json:"id"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one line-delimited JSON response to the host. Result is
// either a raw JSON value or, when Encoding is set, a base64-encoded
// compressed payload that decodes to that JSON value.
type Response struct {
	ID       string          `json:"id"`
	Result   json.RawMessage `json:"result,omitempty"`
	Encoding string          `json:"encoding,omitempty"`
	Error    *errorBody      `json:"error,omitempty"`
}

// HandlerFunc implements one mgr_ tool. It returns a JSON-marshalable
// value, or an error (ideally one built with BadRequest/NotFound/Conflict/
// InternalError so the host gets a machine-readable code).
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Transport reads requests from in and writes responses to out. Writes
// are serialised behind a single mutex (§5 "single-writer discipline"
// generalized from persisted-file writes to this transport's stdout).
type Transport struct {
	in  *bufio.Scanner
	out io.Writer

	acceptedEncodings []string

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]HandlerFunc

	wg sync.WaitGroup
}

// NewTransport creates a Transport. acceptedEncodings is the set of
// compression encodings ("zstd", "br", "gzip") the host announced
// support for; pass nil to disable compression.
func NewTransport(in io.Reader, out io.Writer, acceptedEncodings []string) *Transport {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestLine)
	return &Transport{
		in:                scanner,
		out:               out,
		acceptedEncodings: acceptedEncodings,
		handlers:          make(map[string]HandlerFunc),
	}
}

// Register binds name (e.g. "mgr_spawn_agent") to h. Registering the same
// name twice panics; that is a wiring bug, not a runtime condition.
func (t *Transport) Register(name string, h HandlerFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.handlers[name]; exists {
		panic(fmt.Sprintf("toolplane: tool %q already registered", name))
	}
	t.handlers[name] = h
}

// Serve reads requests until in is exhausted or ctx is cancelled,
// dispatching each to its handler on its own goroutine so a slow tool
// (e.g. send_prompt awaiting a provider) never blocks reading the next
// request line. Serve returns once every in-flight handler has finished
// responding.
func (t *Transport) Serve(ctx context.Context) error {
	defer t.wg.Wait()
	for t.in.Scan() {
		line := append([]byte(nil), t.in.Bytes()...)
		if len(line) == 0 {
			continue
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			t.handleLine(ctx, line)
		}()
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	if err := t.in.Err(); err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	return nil
}

func (t *Transport) handleLine(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		slog.Warn("toolplane: malformed request line", "err", err)
		t.writeResponse(Response{Error: ptr(toErrorBody(BadRequest("malformed request: " + err.Error())))})
		return
	}

	t.mu.Lock()
	h, ok := t.handlers[req.Tool]
	t.mu.Unlock()
	if !ok {
		t.writeResponse(Response{ID: req.ID, Error: ptr(toErrorBody(NotFound("tool " + req.Tool)))})
		return
	}

	result, err := h(ctx, req.Params)
	if err != nil {
		var ewc errorWithCode
		if !errors.As(err, &ewc) {
			slog.Error("toolplane: handler error", "tool", req.Tool, "err", err)
		}
		t.writeResponse(Response{ID: req.ID, Error: ptr(toErrorBody(err))})
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		slog.Error("toolplane: marshal result failed", "tool", req.Tool, "err", err)
		t.writeResponse(Response{ID: req.ID, Error: ptr(toErrorBody(InternalError("encode result").Wrap(err)))})
		return
	}

	t.writeResponse(t.maybeCompress(req.ID, data))
}

// maybeCompress embeds data as a raw JSON result, or, above
// compressThreshold and when the host accepts a supported encoding,
// compresses it and base64-encodes the result.
func (t *Transport) maybeCompress(id string, data []byte) Response {
	if len(data) < compressThreshold {
		return Response{ID: id, Result: data}
	}
	enc := negotiateEncoding(t.acceptedEncodings)
	if enc == "" {
		return Response{ID: id, Result: data}
	}
	compressed, err := compressBytes(data, enc)
	if err != nil {
		slog.Warn("toolplane: compression failed; sending uncompressed", "encoding", enc, "err", err)
		return Response{ID: id, Result: data}
	}
	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(compressed))
	if err != nil {
		return Response{ID: id, Result: data}
	}
	return Response{ID: id, Result: encoded, Encoding: enc}
}

func (t *Transport) writeResponse(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("toolplane: marshal response failed", "err", err)
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		slog.Error("toolplane: write response failed", "err", err)
	}
}

func ptr[T any](v T) *T { return &v }
