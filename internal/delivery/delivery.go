// Package delivery ships finalized tracking logs to the session storage
// endpoint. Client is the awaited request/response path used by explicit
// saves; Beacon is the fire-and-forget path used while a page is being torn
// down. Both post the same body to the same URL.
package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"studytrace/internal/model"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// Transport delivers one session log for sessionID.
type Transport interface {
	Send(ctx context.Context, sessionID string, log *model.SessionLog) (*model.Ack, error)
}

// ErrRejected wraps any non-2xx answer from the storage endpoint.
var ErrRejected = errors.New("delivery: rejected by server")

// TrackingPath returns the storage path for sessionID.
func TrackingPath(sessionID string) string {
	return "/store-mouse-tracking/" + url.PathEscape(sessionID) + "/"
}

// Options shared by both transports.
type Options struct {
	BaseURL    string        // e.g. "http://localhost:8080"
	HTTPClient *http.Client  // nil uses a client with Timeout
	Timeout    time.Duration // default 10s
	Gzip       bool          // compress request bodies
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: o.Timeout}
	}
	o.BaseURL = strings.TrimRight(o.BaseURL, "/")
	return o
}

// encodeBody serializes log, gzip-compressed when compress is set.
func encodeBody(log *model.SessionLog, compress bool) ([]byte, error) {
	raw, err := json.Marshal(log)
	if err != nil {
		return nil, fmt.Errorf("encode session log: %w", err)
	}
	if !compress {
		return raw, nil
	}

	var buf bytes.Buffer
	gz, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := gz.Write(raw); err != nil {
		return nil, fmt.Errorf("gzip session log: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("gzip session log: %w", err)
	}
	return buf.Bytes(), nil
}

func newRequest(ctx context.Context, o Options, sessionID string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.BaseURL+TrackingPath(sessionID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if o.Gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}
	return req, nil
}
