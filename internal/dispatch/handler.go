// Package dispatch routes requests for a resolved site through its
// lifecycle gate, its response cache and the content handlers.
package dispatch

import (
	"bytes"
	"net/http"

	"sitehost/internal/site"
)

// Request is the input of a content handler. Path is the normalized request
// path.
type Request struct {
	*http.Request
	Site *site.Site
	Path string
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func newResponse(status int, contentType string, body []byte) *Response {
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &Response{Status: status, Header: h, Body: body}
}

type Handler interface {
	Handle(*Request) (*Response, error)
}

type HandlerFunc func(*Request) (*Response, error)

func (f HandlerFunc) Handle(r *Request) (*Response, error) { return f(r) }

// recorder captures what an http.Handler writes so it can be returned as a
// Response.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder { return &recorder{header: http.Header{}} }

func (w *recorder) Header() http.Header { return w.header }

func (w *recorder) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *recorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

func (w *recorder) response() *Response {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{Status: status, Header: w.header, Body: w.body.Bytes()}
}
