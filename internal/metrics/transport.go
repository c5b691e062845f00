package metrics

import (
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

type countingReadCloser struct {
	r       io.ReadCloser
	n       atomic.Int64
	closed  atomic.Bool
	onClose func(total int64)
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	i, err := c.r.Read(p)
	c.n.Add(int64(i))
	return i, err
}

func (c *countingReadCloser) Close() error {
	err := c.r.Close()
	if c.closed.CompareAndSwap(false, true) && c.onClose != nil {
		c.onClose(c.n.Load())
	}
	return err
}

// Transport records one KindPlain event per round trip. The event is
// emitted once the response body is closed so byte counts are final.
type Transport struct {
	Base http.RoundTripper
	Agg  *Aggregator
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	start := time.Now()
	var reqCount *countingReadCloser
	if req.Body != nil && req.Body != http.NoBody {
		reqCount = &countingReadCloser{r: req.Body}
		req.Body = reqCount
	}
	resp, err := base.RoundTrip(req)
	if t.Agg == nil {
		return resp, err
	}
	ev := RequestEvent{
		Kind:   KindPlain,
		Host:   req.URL.Hostname(),
		Method: req.Method,
		Path:   req.URL.EscapedPath(),
	}
	if ev.Path == "" {
		ev.Path = "/"
	}
	if err != nil {
		ev.Ms = time.Since(start).Milliseconds()
		ev.Error = err.Error()
		t.Agg.Add(ev)
		return resp, err
	}
	ev.Code = resp.StatusCode
	if resp.StatusCode == http.StatusSwitchingProtocols {
		// the upgraded body must stay an io.ReadWriteCloser
		ev.Ms = time.Since(start).Milliseconds()
		t.Agg.Add(ev)
		return resp, nil
	}
	rb := &countingReadCloser{r: resp.Body}
	rb.onClose = func(total int64) {
		ev.Ms = time.Since(start).Milliseconds()
		ev.BytesIn = total
		if reqCount != nil {
			ev.BytesOut = reqCount.n.Load()
		}
		t.Agg.Add(ev)
	}
	resp.Body = rb
	return resp, nil
}
