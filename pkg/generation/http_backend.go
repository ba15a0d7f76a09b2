package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// ChatPath is where NewHandler is mounted by the server.
const ChatPath = "/api/chat"

// HTTPBackend streams from a forge server.
type HTTPBackend struct {
	BaseURL string
	Client  *http.Client
	// Header is added to every request, e.g. to carry a session cookie.
	Header http.Header
}

func (b *HTTPBackend) Stream(ctx context.Context, req Request) (Stream, error) {
	if b == nil || strings.TrimSpace(b.BaseURL) == "" {
		return nil, errors.New("http backend base url is empty")
	}
	payload, err := json.Marshal(ToWire(req))
	if err != nil {
		return nil, errors.Wrap(err, "marshal chat request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(b.BaseURL, "/")+ChatPath, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(err, "build chat request")
	}
	for k, vs := range b.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/plain")

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "post chat request")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
		if body.Error != "" {
			return nil, errors.Errorf("chat request failed: %s: %s", resp.Status, body.Error)
		}
		return nil, errors.Errorf("chat request failed: %s", resp.Status)
	}
	return newBodyStream(resp.Body), nil
}

// bodyStream turns a response body into chunks. A chunk never ends in the
// middle of a UTF-8 sequence; incomplete trailing bytes wait for the next read.
type bodyStream struct {
	body    io.ReadCloser
	buf     []byte
	pending []byte
	err     error
}

func newBodyStream(body io.ReadCloser) *bodyStream {
	return &bodyStream{body: body, buf: make([]byte, 4096)}
}

func (s *bodyStream) Recv() (string, error) {
	for {
		if s.err != nil {
			if len(s.pending) > 0 {
				out := string(s.pending)
				s.pending = nil
				return out, nil
			}
			return "", s.err
		}
		n, err := s.body.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.buf[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.err = io.EOF
			} else {
				s.err = errors.Wrap(err, "read chat stream")
			}
			continue
		}
		cut := completePrefix(s.pending)
		if cut == 0 {
			continue
		}
		out := string(s.pending[:cut])
		s.pending = append(s.pending[:0], s.pending[cut:]...)
		return out, nil
	}
}

func (s *bodyStream) Close() error {
	return s.body.Close()
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside a multi-byte rune.
func completePrefix(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
