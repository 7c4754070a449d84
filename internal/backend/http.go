package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// inferPath is appended to the configured base URL.
const inferPath = "/infer"

// maxResponseSize caps how much of a backend response is read.
const maxResponseSize = 4 << 20 // 4 MB

// Compile-time interface satisfaction check.
var _ Backend = (*HTTPBackend)(nil)

// inferRequest is the JSON body sent to POST /infer.
type inferRequest struct {
	Data json.RawMessage `json:"data"`
}

// HTTPBackend calls an inference service over HTTP.
type HTTPBackend struct {
	url    string
	client *http.Client
}

// NewHTTPBackend creates a backend that posts to baseURL + "/infer". If client
// is nil, a client without its own timeout is used; deadlines come from the
// context passed to Infer.
func NewHTTPBackend(baseURL string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{
		url:    strings.TrimRight(baseURL, "/") + inferPath,
		client: client,
	}
}

// URL returns the full inference endpoint.
func (b *HTTPBackend) URL() string {
	return b.url
}

// Infer posts {"data": payload} and decodes {"predictions": [...]} from a 200
// response. payload must be valid JSON.
func (b *HTTPBackend) Infer(ctx context.Context, payload []byte) (Prediction, error) {
	body, err := json.Marshal(inferRequest{Data: payload})
	if err != nil {
		return Prediction{}, &Error{Kind: KindMalformed, Err: fmt.Errorf("encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return Prediction{}, &Error{Kind: KindTransport, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return Prediction{}, &Error{Kind: KindTimeout, Err: err}
		}
		return Prediction{}, &Error{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return Prediction{}, &Error{Kind: KindStatus, StatusCode: resp.StatusCode}
	}

	var pred Prediction
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&pred); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return Prediction{}, &Error{Kind: KindTimeout, Err: err}
		}
		return Prediction{}, &Error{Kind: KindMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}

	trimmed := bytes.TrimSpace(pred.Predictions)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return Prediction{}, &Error{Kind: KindMalformed, Err: errors.New("response has no predictions array")}
	}
	pred.Predictions = trimmed

	return pred, nil
}
