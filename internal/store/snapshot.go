package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// StoredResponse is an immutable snapshot of a response at the time it was
// cached. Backends store and hand out copies; callers never share one.
type StoredResponse struct {
	Status     int         `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	CapturedAt time.Time   `json:"captured_at"`
}

// Snapshot reads resp's body to the end, closes it, and returns the snapshot.
// An error while reading means the transfer failed, not that the response is bad.
func Snapshot(resp *http.Response, now time.Time) (*StoredResponse, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	return &StoredResponse{
		Status:     resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		CapturedAt: now,
	}, nil
}

// Clone returns a deep copy of s.
func (s *StoredResponse) Clone() *StoredResponse {
	if s == nil {
		return nil
	}
	out := &StoredResponse{
		Status:     s.Status,
		Header:     s.Header.Clone(),
		CapturedAt: s.CapturedAt,
	}
	if s.Body != nil {
		out.Body = append([]byte(nil), s.Body...)
	}
	return out
}

// Response builds a fresh *http.Response from the snapshot. Each call gets
// its own body reader, so the result can be consumed independently.
func (s *StoredResponse) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	body := append([]byte(nil), s.Body...)

	return &http.Response{
		Status:        strconv.Itoa(s.Status) + " " + http.StatusText(s.Status),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// Equal reports whether two snapshots hold the same status, headers and body.
func (s *StoredResponse) Equal(o *StoredResponse) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.Status != o.Status || !bytes.Equal(s.Body, o.Body) || len(s.Header) != len(o.Header) {
		return false
	}
	for k, v := range s.Header {
		ov, ok := o.Header[k]
		if !ok || len(ov) != len(v) {
			return false
		}
		for i := range v {
			if v[i] != ov[i] {
				return false
			}
		}
	}
	return true
}

func encode(resp *StoredResponse) ([]byte, error) {
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode stored response: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*StoredResponse, error) {
	var resp StoredResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode stored response: %w", err)
	}
	return &resp, nil
}
