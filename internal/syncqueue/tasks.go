package syncqueue

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"offline-gateway/internal/notify"
)

// Doer performs an HTTP round trip. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ReplayPrefix starts the tag of every deferred write.
const ReplayPrefix = "replay:"

// FetchTask returns a body that GETs url and expects a JSON document back.
// A non-2xx status or a body that is not JSON fails the attempt. On
// success the task emits n.
func FetchTask(client Doer, url string, n notify.Notification) Body {
	return func(ctx context.Context, _ *Task) (*notify.Notification, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, statusError(resp)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", url, err)
		}
		if !json.Valid(body) {
			return nil, fmt.Errorf("fetch %s: response is not JSON", url)
		}

		out := n
		return &out, nil
	}
}

// ReplayRequest is the payload of a deferred write.
type ReplayRequest struct {
	Method string      `json:"method"`
	URL    string      `json:"url"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// ReplayTask returns a body that re-sends the ReplayRequest in the task
// payload. Client errors other than 408 and 429 are permanent: sending the
// same request again would not change the answer.
func ReplayTask(client Doer) Body {
	return func(ctx context.Context, t *Task) (*notify.Notification, error) {
		var rr ReplayRequest
		if err := json.Unmarshal(t.Payload, &rr); err != nil {
			return nil, Permanent(fmt.Errorf("decode replay payload: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, rr.Method, rr.URL, bytes.NewReader(rr.Body))
		if err != nil {
			return nil, Permanent(fmt.Errorf("build replay request: %w", err))
		}
		for name, values := range rr.Header {
			for _, v := range values {
				req.Header.Add(name, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("replay %s %s: %w", rr.Method, rr.URL, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil, nil
		}
		if shouldRetryStatus(resp.StatusCode) {
			return nil, statusError(resp)
		}
		return nil, Permanent(statusError(resp))
	}
}

// hop-by-hop and per-connection headers that must not be replayed.
var skipReplayHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Te":                true,
	"Trailer":           true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

// ReplayDeferrer queues failed writes as replay tasks on a Queue.
type ReplayDeferrer struct {
	queue *Queue
}

func NewReplayDeferrer(q *Queue) *ReplayDeferrer {
	return &ReplayDeferrer{queue: q}
}

// Defer registers req for replay and returns its tag. The same write
// deferred twice maps to one task.
func (d *ReplayDeferrer) Defer(ctx context.Context, req *http.Request, body []byte) (string, error) {
	rr := ReplayRequest{
		Method: req.Method,
		URL:    req.URL.String(),
		Header: make(http.Header),
		Body:   body,
	}
	for name, values := range req.Header {
		if skipReplayHeaders[http.CanonicalHeaderKey(name)] {
			continue
		}
		rr.Header[name] = append([]string(nil), values...)
	}

	payload, err := json.Marshal(rr)
	if err != nil {
		return "", fmt.Errorf("encode replay payload: %w", err)
	}

	tag := ReplayTag(rr.Method, rr.URL, body)
	if _, err := d.queue.Register(ctx, tag, payload); err != nil {
		return "", err
	}
	return tag, nil
}

// ReplayTag names the replay task for a write.
func ReplayTag(method, url string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(url))
	h.Write([]byte{'|'})
	h.Write(body)
	return ReplayPrefix + hex.EncodeToString(h.Sum(nil))[:32]
}
