package proxy

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// activity is the last time either direction of a relay moved bytes.
type activity struct{ last atomic.Int64 }

func (a *activity) touch() { a.last.Store(time.Now().UnixNano()) }
func (a *activity) idleFor() time.Duration { return time.Duration(time.Now().UnixNano() - a.last.Load()) }

// activeReader marks the shared activity clock on every successful read.
type activeReader struct {
	r  io.Reader
	at *activity
}

func (r activeReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.at.touch()
	}
	return n, err
}

// idleTimeoutError reports a relay where neither direction moved a byte for
// the whole idle window.
type idleTimeoutError struct{ d time.Duration }

func (e idleTimeoutError) Error() string { return fmt.Sprintf("relay idle for %s", e.d) }
func (e idleTimeoutError) Timeout() bool { return true }
func (e idleTimeoutError) Temporary() bool { return false }

var _ net.Error = idleTimeoutError{}

type closeWriter interface {
	CloseWrite() error
}

// relay copies bytes between client and origin until both directions end.
// When one side reaches EOF the other is half-closed so it can finish; any
// other error tears both legs down at once. The idle window is shared by
// the session: a quiet direction is fine as long as the other one still
// moves bytes. up counts client->origin bytes, down counts origin->client
// bytes. The caller still owns and closes both connections.
func relay(client, origin net.Conn, idle time.Duration) (up, down int64, err error) {
	type result struct {
		n   int64
		err error
	}
	var once sync.Once
	abort := func() {
		once.Do(func() {
			_ = client.Close()
			_ = origin.Close()
		})
	}
	at := new(activity)
	at.touch()
	pipe := func(dst, src net.Conn, out chan<- result) {
		n, err := io.Copy(dst, activeReader{r: src, at: at})
		if err != nil {
			abort()
		} else if cw, ok := dst.(closeWriter); ok {
			_ = cw.CloseWrite()
		} else {
			abort()
		}
		out <- result{n, err}
	}

	done := make(chan struct{})
	var idleErr atomic.Value
	if idle > 0 {
		go func() {
			timer := time.NewTimer(idle)
			defer timer.Stop()
			for {
				select {
				case <-done:
					return
				case <-timer.C:
					quiet := at.idleFor()
					if quiet >= idle {
						idleErr.Store(idleTimeoutError{d: idle})
						abort()
						return
					}
					timer.Reset(idle - quiet)
				}
			}
		}()
	}

	upCh := make(chan result, 1)
	downCh := make(chan result, 1)
	go pipe(origin, client, upCh)
	go pipe(client, origin, downCh)
	u, d := <-upCh, <-downCh
	close(done)
	if e, ok := idleErr.Load().(error); ok {
		return u.n, d.n, e
	}
	return u.n, d.n, firstRelayError(u.err, d.err)
}

// firstRelayError drops the errors produced by our own teardown.
func firstRelayError(errs ...error) error {
	for _, err := range errs {
		if err == nil || errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			continue
		}
		return err
	}
	return nil
}
