package offline

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

const (
	DefaultBody        = "Offline response"
	DefaultContentType = "text/plain; charset=utf-8"
)

// Responder produces the fixed substitute served to plaintext requests while
// outbound connections are not admitted. The payload never depends on the
// request.
type Responder struct {
	Status      int
	Body        []byte
	ContentType string

	raw []byte
}

// New builds a responder. A zero status or empty body selects the default.
func New(status int, body string) *Responder {
	if status == 0 {
		status = http.StatusOK
	}
	if body == "" {
		body = DefaultBody
	}
	r := &Responder{Status: status, Body: []byte(body), ContentType: DefaultContentType}
	r.raw = r.render()
	return r
}

func (r *Responder) render() []byte {
	resp := &http.Response{
		StatusCode:    r.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.header(),
		Body:          io.NopCloser(bytes.NewReader(r.Body)),
		ContentLength: int64(len(r.Body)),
		Close:         true,
	}
	var buf bytes.Buffer
	_ = resp.Write(&buf)
	return buf.Bytes()
}

func (r *Responder) header() http.Header {
	h := http.Header{}
	h.Set("Content-Type", r.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(r.Body)))
	h.Set("Cache-Control", "no-store")
	return h
}

// Respond returns the complete HTTP/1.1 response for requestedPath.
func (r *Responder) Respond(requestedPath string) []byte {
	out := make([]byte, len(r.raw))
	copy(out, r.raw)
	return out
}

func (r *Responder) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	for k, v := range r.header() {
		w.Header()[k] = v
	}
	w.WriteHeader(r.Status)
	_, _ = w.Write(r.Body)
}
