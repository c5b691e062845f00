package metrics

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wxyzZ/little-mitm/internal/admission"
)

func TestAggregatorSnapshot(t *testing.T) {
	agg := NewAggregator()
	agg.Add(RequestEvent{Kind: KindMITM, Host: "a.example", Code: 200, BytesIn: 10, BytesOut: 3})
	agg.Add(RequestEvent{Kind: KindDenied, Host: "a.example", Error: "denied"})
	agg.Add(RequestEvent{Kind: KindOffline, Host: "b.example", Code: 200, BytesIn: 16})

	s := agg.Snapshot()
	require.EqualValues(t, 3, s.TotalRequests)
	require.EqualValues(t, 1, s.Errors)
	require.EqualValues(t, 26, s.BytesIn)
	require.EqualValues(t, 3, s.BytesOut)
	require.EqualValues(t, 1, s.Kinds[KindDenied])
	require.EqualValues(t, 2, s.Codes[200])
	require.EqualValues(t, 2, s.Hosts["a.example"].Req)
	require.EqualValues(t, 1, s.Hosts["a.example"].Errors)
}

func TestAggregatorBacklogBounded(t *testing.T) {
	agg := NewAggregator()
	for i := 0; i < backlogSize+25; i++ {
		agg.Add(RequestEvent{Kind: KindPlain, Code: i})
	}
	recent := agg.Recent()
	require.Len(t, recent, backlogSize)
	require.Equal(t, 25, recent[0].Code)
	require.Equal(t, backlogSize+24, recent[len(recent)-1].Code)
}

func TestSubscribeReplaysAndStreams(t *testing.T) {
	agg := NewAggregator()
	agg.Add(RequestEvent{Kind: KindPlain, Host: "old.example"})
	ch, cancel := agg.Subscribe()
	agg.Add(RequestEvent{Kind: KindPlain, Host: "new.example"})

	require.Equal(t, "old.example", (<-ch).Host)
	require.Equal(t, "new.example", (<-ch).Host)
	cancel()
	cancel()
	_, ok := <-ch
	require.False(t, ok)
}

type stubRoundTripper struct {
	resp *http.Response
	err  error
}

func (s stubRoundTripper) RoundTrip(*http.Request) (*http.Response, error) { return s.resp, s.err }

func TestTransportRecordsOnBodyClose(t *testing.T) {
	agg := NewAggregator()
	tr := &Transport{Agg: agg, Base: stubRoundTripper{resp: &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("hello")),
	}}}
	req := httptest.NewRequest(http.MethodPost, "http://origin.example/upload", strings.NewReader("abc"))
	resp, err := tr.RoundTrip(req)
	require.NoError(t, err)
	require.Empty(t, agg.Recent(), "event waits for the body")
	_, _ = io.ReadAll(req.Body)
	_, _ = io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	recent := agg.Recent()
	require.Len(t, recent, 1)
	require.Equal(t, KindPlain, recent[0].Kind)
	require.Equal(t, "origin.example", recent[0].Host)
	require.Equal(t, "/upload", recent[0].Path)
	require.EqualValues(t, 5, recent[0].BytesIn)
	require.EqualValues(t, 3, recent[0].BytesOut)

	failing := &Transport{Agg: agg, Base: stubRoundTripper{err: errors.New("connection refused")}}
	_, err = failing.RoundTrip(httptest.NewRequest(http.MethodGet, "http://down.example/", nil))
	require.Error(t, err)
	require.Equal(t, "connection refused", agg.Recent()[1].Error)
}

func TestMuxAdmissionAndCA(t *testing.T) {
	policy := admission.New(admission.Unlimited)
	srv := httptest.NewServer(NewMux(NewAggregator(), policy, []byte("PEM")))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/admission")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "unlimited", string(b))

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/admission", strings.NewReader("limited\n"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, policy.IsOutboundAllowed())

	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/admission", strings.NewReader("sometimes"))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/admission", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/ca.pem")
	require.NoError(t, err)
	b, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, "PEM", string(b))
}

func TestMuxMetricsAndLogs(t *testing.T) {
	agg := NewAggregator()
	agg.Add(RequestEvent{Kind: KindMITM, Host: "a.example", Code: 200})
	srv := httptest.NewServer(NewMux(agg, admission.New(admission.Unlimited), nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	var snap Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	require.EqualValues(t, 1, snap.TotalRequests)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/logs", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))
	require.Contains(t, line, `"host":"a.example"`)
}
