// Package fetch models the request/response pair of an intercepted network
// call. Bodies are single-use: reading one marks it used, and a value must be
// cloned before its body is read if two code paths need it.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
)

// ErrBodyUsed is returned when a body is read or cloned after it was consumed.
var ErrBodyUsed = errors.New("body already used")

// body is a buffered, single-consumption payload shared by Request and Response.
type body struct {
	mu   sync.Mutex
	data []byte
	used bool
}

func newBody(data []byte) *body {
	return &body{data: data}
}

func (b *body) read() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used {
		return nil, ErrBodyUsed
	}
	b.used = true
	return b.data, nil
}

func (b *body) clone() (*body, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.used {
		return nil, ErrBodyUsed
	}
	return newBody(bytes.Clone(b.data)), nil
}

func (b *body) isUsed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used
}

// Request is an intercepted request. Method, URL and Header may be inspected
// freely; the body can be read once.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header

	body *body
}

// NewRequest builds a request for an absolute URL. A nil payload means no body.
func NewRequest(method, rawURL string, payload []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse request url: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("request url must be absolute: %s", rawURL)
	}
	if method == "" {
		method = http.MethodGet
	}
	return &Request{
		Method: strings.ToUpper(method),
		URL:    u,
		Header: http.Header{},
		body:   newBody(payload),
	}, nil
}

// FromHTTP buffers an inbound *http.Request. The original body is consumed
// and closed.
func FromHTTP(r *http.Request) (*Request, error) {
	var payload []byte
	if r.Body != nil && r.Body != http.NoBody {
		data, err := io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		payload = data
	}
	u := *r.URL
	return &Request{
		Method: r.Method,
		URL:    &u,
		Header: r.Header.Clone(),
		body:   newBody(payload),
	}, nil
}

// Clone returns an independent copy. It fails once the body has been read.
func (r *Request) Clone() (*Request, error) {
	b, err := r.body.clone()
	if err != nil {
		return nil, err
	}
	u := *r.URL
	return &Request{
		Method: r.Method,
		URL:    &u,
		Header: r.Header.Clone(),
		body:   b,
	}, nil
}

// ReadBody consumes the body.
func (r *Request) ReadBody() ([]byte, error) {
	return r.body.read()
}

// Used reports whether the body was consumed.
func (r *Request) Used() bool {
	return r.body.isUsed()
}

// HTTP converts the request into an outbound *http.Request, consuming the body.
func (r *Request) HTTP(ctx context.Context) (*http.Request, error) {
	payload, err := r.ReadBody()
	if err != nil {
		return nil, err
	}
	var reader io.Reader = http.NoBody
	if len(payload) > 0 {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	return req, nil
}

// Key returns the cache identity of a request: the absolute URL without its
// fragment.
func Key(r *Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	return KeyURL(r.URL)
}

// KeyURL is Key for a bare URL.
func KeyURL(u *url.URL) string {
	clean := *u
	clean.Fragment = ""
	clean.RawFragment = ""
	return clean.String()
}
