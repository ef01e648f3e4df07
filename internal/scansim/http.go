package scansim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

var errStatus = errors.New("unexpected status")

// client wraps http.Client with JSON helpers bound to one base URL.
type client struct {
	http    *http.Client
	baseURL string
}

func newClient(baseURL string, timeout time.Duration) *client {
	return &client{http: &http.Client{Timeout: timeout}, baseURL: baseURL}
}

func (c *client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rdr io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request body: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// postScan submits one scan, retrying while the service reports backpressure.
// It returns whether the scan was a duplicate and how many retries it took.
func (c *client) postScan(ctx context.Context, s Scan) (duplicate bool, retries int, err error) {
	for attempt := 1; ; attempt++ {
		var ack AckResponse
		code, err := c.do(ctx, http.MethodPost, "/api/checkpoint/scans", s, &ack)
		switch {
		case err != nil:
			return false, retries, err
		case code == http.StatusAccepted:
			return false, retries, nil
		case code == http.StatusOK:
			return ack.Duplicate, retries, nil
		case code == http.StatusTooManyRequests && attempt < maxAttempts:
			retries++
			select {
			case <-ctx.Done():
				return false, retries, ctx.Err()
			case <-time.After(time.Duration(attempt) * retryBackoff):
			}
		default:
			return false, retries, fmt.Errorf("%w: %d for scan %s", errStatus, code, s.ScanID)
		}
	}
}

func (c *client) health(ctx context.Context) error {
	code, err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("%w: healthz answered %d", errStatus, code)
	}
	return nil
}

func (c *client) stats(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}
	code, err := c.do(ctx, http.MethodGet, "/stats", nil, &out)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("%w: stats answered %d", errStatus, code)
	}
	return out, nil
}

func (c *client) checkpoint(ctx context.Context, uid int64) (CheckpointInfo, error) {
	var out CheckpointInfo
	code, err := c.do(ctx, http.MethodGet, "/api/Checkpoint/ci-by-uid?uid="+strconv.FormatInt(uid, 10), nil, &out)
	if err != nil {
		return out, err
	}
	if code != http.StatusOK {
		return out, fmt.Errorf("%w: checkpoint %d answered %d", errStatus, uid, code)
	}
	return out, nil
}

func (c *client) standings(ctx context.Context, limit int) ([]Standing, error) {
	var out []Standing
	q := url.Values{"limit": {strconv.Itoa(limit)}}
	code, err := c.do(ctx, http.MethodGet, "/api/standings?"+q.Encode(), nil, &out)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("%w: standings answered %d", errStatus, code)
	}
	return out, nil
}
