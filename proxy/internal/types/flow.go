package types

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"

	uuid "github.com/satori/go.uuid"

	"github.com/anime-games-proxy/agproxy/proxy/internal/conn"
)

// Request is the request half of a flow.
type Request struct {
	Method string
	URL    *url.URL
	Proto  string
	Header http.Header
	Body   []byte

	raw *http.Request
}

// NewRequest wraps req. URL and Header are shared with req.
func NewRequest(req *http.Request) *Request {
	return &Request{
		Method: req.Method,
		URL:    req.URL,
		Proto:  req.Proto,
		Header: req.Header,
		raw:    req,
	}
}

// Raw returns the request as received by the proxy.
func (r *Request) Raw() *http.Request {
	return r.raw
}

func (r *Request) MarshalJSON() ([]byte, error) {
	u := ""
	if r.URL != nil {
		u = r.URL.String()
	}
	return json.Marshal(map[string]any{
		"method": r.Method,
		"url":    u,
		"proto":  r.Proto,
		"header": r.Header,
	})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var v struct {
		Method string      `json:"method"`
		URL    *string     `json:"url"`
		Proto  string      `json:"proto"`
		Header http.Header `json:"header"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.URL == nil {
		return errors.New("url parse error")
	}
	u, err := url.Parse(*v.URL)
	if err != nil {
		return err
	}
	*r = Request{
		Method: v.Method,
		URL:    u,
		Proto:  v.Proto,
		Header: v.Header,
	}
	return nil
}

// Response is the response half of a flow.
type Response struct {
	StatusCode int         `json:"statusCode"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"-"`
	BodyReader io.Reader   `json:"-"`

	Close bool `json:"-"`
}

// Flow is one request/response exchange.
type Flow struct {
	ID          uuid.UUID
	ConnContext *conn.Context
	Request     *Request
	Response    *Response

	// Stream disables body buffering; Request and Response hooks are
	// skipped for a streamed flow.
	Stream bool
	// UseSeparateClient sends the request on a fresh upstream connection
	// instead of the one bound to the client connection.
	UseSeparateClient bool
	// DirectDial bypasses any configured upstream proxy.
	DirectDial bool
	// RedirectedFrom is the request URL before Redirect rewrote it.
	RedirectedFrom *url.URL

	done     chan struct{}
	doneOnce sync.Once
}

// NewFlow creates a flow with a fresh ID.
func NewFlow() *Flow {
	return &Flow{
		ID:   uuid.NewV4(),
		done: make(chan struct{}),
	}
}

// Redirect sends the request to target on a dedicated, direct connection.
// Method, headers and body are unchanged.
func (f *Flow) Redirect(target *url.URL) {
	if f.RedirectedFrom == nil {
		f.RedirectedFrom = f.Request.URL
	}
	f.Request.URL = target
	f.UseSeparateClient = true
	f.DirectDial = true
}

// Redirected reports whether Redirect was called.
func (f *Flow) Redirected() bool {
	return f.RedirectedFrom != nil
}

// Done is closed when the flow finishes.
func (f *Flow) Done() <-chan struct{} {
	return f.done
}

// Finish marks the flow as complete. Calling it more than once is a no-op.
func (f *Flow) Finish() {
	f.doneOnce.Do(func() {
		close(f.done)
	})
}

func (f *Flow) MarshalJSON() ([]byte, error) {
	j := map[string]any{
		"id":       f.ID,
		"request":  f.Request,
		"response": f.Response,
	}
	if f.RedirectedFrom != nil {
		j["redirectedFrom"] = f.RedirectedFrom.String()
	}
	return json.Marshal(j)
}
