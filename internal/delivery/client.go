package delivery

import (
	"context"
	"fmt"
	"io"

	"studytrace/internal/model"

	json "github.com/goccy/go-json"
)

// Client is the reliable transport: it waits for the storage endpoint's
// acknowledgment and reports any failure to the caller.
type Client struct {
	opts Options
}

func NewClient(opts Options) *Client {
	return &Client{opts: opts.withDefaults()}
}

func (c *Client) Send(ctx context.Context, sessionID string, log *model.SessionLog) (*model.Ack, error) {
	body, err := encodeBody(log, c.opts.Gzip)
	if err != nil {
		return nil, err
	}

	req, err := newRequest(ctx, c.opts, sessionID, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post tracking log: %w", err)
	}
	defer resp.Body.Close()

	// 64KB is far above any ack the server produces.
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read ack: %w", err)
	}

	var ack model.Ack
	decodeErr := json.Unmarshal(payload, &ack)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && ack.Message != "" {
			return nil, fmt.Errorf("%w: %d %s", ErrRejected, resp.StatusCode, ack.Message)
		}
		return nil, fmt.Errorf("%w: %d", ErrRejected, resp.StatusCode)
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode ack: %w", decodeErr)
	}
	return &ack, nil
}

var _ Transport = (*Client)(nil)

// Describe renders an ack on one line.
func Describe(ack *model.Ack) string {
	if ack == nil {
		return "no acknowledgment"
	}
	return fmt.Sprintf("%s (movements=%d regions=%d hovers=%d)",
		ack.Message, ack.Movements, ack.RegionVisits, ack.HoverSpans)
}
