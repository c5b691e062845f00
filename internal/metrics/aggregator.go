package metrics

import (
	"sync"
	"time"
)

// Kind classifies how the proxy handled one request or session.
type Kind string

const (
	KindMITM    Kind = "mitm"    // intercepted CONNECT relayed through both TLS legs
	KindTunnel  Kind = "tunnel"  // opaque CONNECT relay
	KindPlain   Kind = "plain"   // absolute-form HTTP request
	KindOffline Kind = "offline" // plaintext request answered by the offline responder
	KindDenied  Kind = "denied"  // secured request refused by the admission policy
)

// RequestEvent describes one finished plaintext request or CONNECT session.
// BytesIn flows origin to client, BytesOut client to origin.
type RequestEvent struct {
	Ts       time.Time `json:"ts"`
	Kind     Kind      `json:"kind"`
	Host     string    `json:"host"`
	SNI      string    `json:"sni,omitempty"`
	Method   string    `json:"method"`
	Path     string    `json:"path"`
	Code     int       `json:"code"`
	Ms       int64     `json:"ms"`
	BytesIn  int64     `json:"bytesIn"`
	BytesOut int64     `json:"bytesOut"`
	Error    string    `json:"error,omitempty"`
}

// tally is the counter set kept both globally and per host.
type tally struct {
	Req      uint64 `json:"req"`
	Errors   uint64 `json:"errors"`
	BytesIn  uint64 `json:"bytesIn"`
	BytesOut uint64 `json:"bytesOut"`
}

func (t *tally) count(ev *RequestEvent) {
	t.Req++
	if ev.Error != "" {
		t.Errors++
	}
	if ev.BytesIn > 0 {
		t.BytesIn += uint64(ev.BytesIn)
	}
	if ev.BytesOut > 0 {
		t.BytesOut += uint64(ev.BytesOut)
	}
}

type Snapshot struct {
	UptimeSec     uint64           `json:"uptimeSec"`
	TotalRequests uint64           `json:"totalRequests"`
	Errors        uint64           `json:"errors"`
	Codes         map[int]uint64   `json:"codes"`
	Kinds         map[Kind]uint64  `json:"kinds"`
	BytesIn       uint64           `json:"bytesIn"`
	BytesOut      uint64           `json:"bytesOut"`
	Hosts         map[string]tally `json:"hosts"`
}

const backlogSize = 200

// Aggregator collects RequestEvents from every session of a proxy and fans
// them out to live subscribers.
type Aggregator struct {
	startedAt time.Time

	mu    sync.Mutex
	total tally
	codes map[int]uint64
	kinds map[Kind]uint64
	hosts map[string]*tally
	ring  [backlogSize]RequestEvent
	next  int // ring slot written by the next Add
	size  int

	subMu sync.Mutex
	subs  map[chan RequestEvent]struct{}
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		startedAt: time.Now(),
		codes:     make(map[int]uint64),
		kinds:     make(map[Kind]uint64),
		hosts:     make(map[string]*tally),
		subs:      make(map[chan RequestEvent]struct{}),
	}
}

func (a *Aggregator) Add(ev RequestEvent) {
	if ev.Ts.IsZero() {
		ev.Ts = time.Now().UTC()
	}

	a.mu.Lock()
	a.total.count(&ev)
	a.codes[ev.Code]++
	a.kinds[ev.Kind]++
	hs, ok := a.hosts[ev.Host]
	if !ok {
		hs = new(tally)
		a.hosts[ev.Host] = hs
	}
	hs.count(&ev)
	a.ring[a.next] = ev
	a.next = (a.next + 1) % backlogSize
	if a.size < backlogSize {
		a.size++
	}
	a.mu.Unlock()

	// slow subscribers miss events rather than stall the proxy
	a.subMu.Lock()
	for ch := range a.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	a.subMu.Unlock()
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{
		UptimeSec:     uint64(time.Since(a.startedAt).Seconds()),
		TotalRequests: a.total.Req,
		Errors:        a.total.Errors,
		BytesIn:       a.total.BytesIn,
		BytesOut:      a.total.BytesOut,
		Codes:         make(map[int]uint64, len(a.codes)),
		Kinds:         make(map[Kind]uint64, len(a.kinds)),
		Hosts:         make(map[string]tally, len(a.hosts)),
	}
	for k, v := range a.codes {
		s.Codes[k] = v
	}
	for k, v := range a.kinds {
		s.Kinds[k] = v
	}
	for k, v := range a.hosts {
		s.Hosts[k] = *v
	}
	return s
}

// Recent returns a copy of the buffered events, oldest first.
func (a *Aggregator) Recent() []RequestEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]RequestEvent, 0, a.size)
	start := (a.next - a.size + backlogSize) % backlogSize
	for i := 0; i < a.size; i++ {
		out = append(out, a.ring[(start+i)%backlogSize])
	}
	return out
}

// Subscribe registers a listener. Buffered events are replayed first; the
// returned func unregisters and closes the channel.
func (a *Aggregator) Subscribe() (<-chan RequestEvent, func()) {
	ch := make(chan RequestEvent, 64)
	backlog := a.Recent()
	a.subMu.Lock()
	a.subs[ch] = struct{}{}
	for _, ev := range backlog {
		select {
		case ch <- ev:
		default:
		}
	}
	a.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			a.subMu.Lock()
			delete(a.subs, ch)
			close(ch)
			a.subMu.Unlock()
		})
	}
	return ch, cancel
}
