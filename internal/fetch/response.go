package fetch

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"strconv"
	"strings"
)

// Response is a network or cached response. The body can be read once.
type Response struct {
	Status     int
	StatusText string
	Header     http.Header
	// URL is the final URL the response was obtained for, empty for synthetic responses.
	URL string
	// Cached reports that the response was read back from cache storage.
	Cached bool

	body *body
}

// NewResponse builds a synthetic response.
func NewResponse(status int, header http.Header, payload []byte) *Response {
	if header == nil {
		header = http.Header{}
	}
	return &Response{
		Status:     status,
		StatusText: http.StatusText(status),
		Header:     header,
		body:       newBody(payload),
	}
}

// FromHTTPResponse buffers resp.Body and closes it.
func FromHTTPResponse(resp *http.Response) (*Response, error) {
	payload, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	out := &Response{
		Status:     resp.StatusCode,
		StatusText: statusText(resp),
		Header:     resp.Header.Clone(),
		body:       newBody(payload),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		out.URL = resp.Request.URL.String()
	}
	return out, nil
}

func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

// OK reports a status in the 200-299 range.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// Clone returns an independent copy. It fails once the body has been read.
func (r *Response) Clone() (*Response, error) {
	b, err := r.body.clone()
	if err != nil {
		return nil, err
	}
	return &Response{
		Status:     r.Status,
		StatusText: r.StatusText,
		Header:     r.Header.Clone(),
		URL:        r.URL,
		Cached:     r.Cached,
		body:       b,
	}, nil
}

// ReadBody consumes the body.
func (r *Response) ReadBody() ([]byte, error) {
	return r.body.read()
}

// Used reports whether the body was consumed.
func (r *Response) Used() bool {
	return r.body.isUsed()
}

// HTTP converts the response into an *http.Response, consuming the body.
func (r *Response) HTTP() (*http.Response, error) {
	payload, err := r.ReadBody()
	if err != nil {
		return nil, err
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Status, r.StatusText),
		StatusCode:    r.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ContentLength: int64(len(payload)),
	}, nil
}

// Encode serializes the response in HTTP/1.1 wire format, consuming the body.
func Encode(r *Response) ([]byte, error) {
	resp, err := r.HTTP()
	if err != nil {
		return nil, err
	}
	// The dump carries its own Content-Length; chunked framing would not round-trip.
	resp.Header.Del("Transfer-Encoding")
	resp.TransferEncoding = nil
	data, err := httputil.DumpResponse(resp, true)
	if err != nil {
		return nil, fmt.Errorf("httputil.DumpResponse failed: %w", err)
	}
	return data, nil
}

// Decode parses a response written by Encode. rawURL becomes Response.URL.
func Decode(rawURL string, data []byte) (*Response, error) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(data)), nil)
	if err != nil {
		return nil, fmt.Errorf("http.ReadResponse failed: %w", err)
	}
	out, err := FromHTTPResponse(resp)
	if err != nil {
		return nil, err
	}
	out.URL = rawURL
	out.Cached = true
	return out, nil
}
