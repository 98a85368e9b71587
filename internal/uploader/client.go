// Package uploader ships session and skill batches to the ingest endpoint.
// Each batch is a single POST that the endpoint accepts or rejects as a
// whole, so retries and results are batch-scoped.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/basket/clawsync/internal/shared"
)

// Compression is the request body encoding.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// maxErrorBody caps how much of a failed response is kept for the error.
const maxErrorBody = 4 << 10

// StatusError is a non-2xx response from the ingest endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ingest returned status %d", e.Code)
	}
	return fmt.Sprintf("ingest returned status %d: %s", e.Code, e.Body)
}

// Client posts JSON documents to the ingest API.
type Client struct {
	BaseURL     string
	APIKey      string
	ProjectID   string
	Compression Compression
	HTTP        *http.Client
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

// SessionsPath and SkillsPath are the ingest routes for a project.
func SessionsPath(projectID string) string {
	return "/v1/projects/" + url.PathEscape(projectID) + "/ingest/sessions"
}

func SkillsPath(projectID string) string {
	return "/v1/projects/" + url.PathEscape(projectID) + "/ingest/skills"
}

// Post marshals body and sends it to path. The caller's context bounds the
// attempt; the response body is drained and discarded on success.
func (c *Client) Post(ctx context.Context, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	encoded, encoding, err := compress(payload, c.Compression)
	if err != nil {
		return err
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: shared.Redact(strings.TrimSpace(string(data)))}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	return nil
}

var zstdEncoder = mustNewZstd()

func mustNewZstd() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("zstd encoder: " + err.Error())
	}
	return enc
}

func compress(data []byte, c Compression) ([]byte, string, error) {
	switch c {
	case "", CompressionNone:
		return data, "", nil
	case CompressionGzip:
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, "", fmt.Errorf("gzip request: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, "", fmt.Errorf("gzip request: %w", err)
		}
		return buf.Bytes(), "gzip", nil
	case CompressionZstd:
		return zstdEncoder.EncodeAll(data, nil), "zstd", nil
	default:
		return nil, "", fmt.Errorf("unknown compression %q", c)
	}
}

// capturedAt is the timestamp format used in envelopes.
func capturedAt(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
