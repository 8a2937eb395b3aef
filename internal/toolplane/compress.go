// Large tool-plane payloads (list_agents, getExecutions over a long
// history) are compressed the same way the teacher compresses HTTP
// responses (server/compress.go): zstd, brotli or gzip at fast
// compression levels, negotiated against what the host announced it
// accepts at transport construction. Adapted from a streaming
// http.ResponseWriter wrapper to a one-shot []byte -> []byte transform,
// since the tool-plane has no headers to negotiate per-request.
package toolplane

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// compressThreshold is the minimum encoded-result size, in bytes, before a
// tool response is compressed. Below this, the fixed per-message overhead
// of a compression header isn't worth paying.
const compressThreshold = 8 * 1024

// negotiateEncoding picks the first of accepted present in, in the same
// zstd > brotli > gzip preference order as the teacher's HTTP middleware.
func negotiateEncoding(accepted []string) string {
	set := make(map[string]bool, len(accepted))
	for _, a := range accepted {
		set[a] = true
	}
	for _, enc := range []string{"zstd", "br", "gzip"} {
		if set[enc] {
			return enc
		}
	}
	return ""
}

// compressBytes compresses data with encoding at the fastest available
// level, matching the teacher's speed-over-ratio tradeoff for live
// responses.
func compressBytes(data []byte, encoding string) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser

	switch encoding {
	case "zstd":
		enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("create zstd writer: %w", err)
		}
		w = enc
	case "br":
		w = brotli.NewWriterLevel(&buf, 1)
	case "gzip":
		gz, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("create gzip writer: %w", err)
		}
		w = gz
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}

	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("flush compressor: %w", err)
	}
	return buf.Bytes(), nil
}
