package karma

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPUpstream_FetchScore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/agents/agent-a/karma", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"agent_id":"agent-a","karma":0.87}`))
	}))
	defer srv.Close()

	up := NewHTTPUpstream(srv.URL, time.Second, nil)
	score, err := up.Fetch(context.Background(), "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 0.87, score)
}

func TestHTTPUpstream_EscapesAgentID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		_, _ = w.Write([]byte(`{"karma":0.5}`))
	}))
	defer srv.Close()

	up := NewHTTPUpstream(srv.URL, time.Second, nil)
	_, err := up.Fetch(context.Background(), "agent/../x")
	require.NoError(t, err)
	assert.Equal(t, "/agents/agent%2F..%2Fx/karma", gotPath)
}

func TestHTTPUpstream_StatusErrors(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		outcome Outcome
	}{
		{name: "503 transient", code: http.StatusServiceUnavailable, outcome: OutcomeTransient},
		{name: "429 transient", code: http.StatusTooManyRequests, outcome: OutcomeTransient},
		{name: "404 permanent", code: http.StatusNotFound, outcome: OutcomePermanent},
		{name: "401 permanent", code: http.StatusUnauthorized, outcome: OutcomePermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			}))
			defer srv.Close()

			up := NewHTTPUpstream(srv.URL, time.Second, nil)
			_, err := up.Fetch(context.Background(), "agent-a")
			require.Error(t, err)
			assert.Equal(t, tt.outcome, Classify(err))
		})
	}
}

func TestHTTPUpstream_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"karma": not-json`))
	}))
	defer srv.Close()

	up := NewHTTPUpstream(srv.URL, time.Second, nil)
	_, err := up.Fetch(context.Background(), "agent-a")
	require.Error(t, err)
}

func TestHTTPUpstream_ClampsScore(t *testing.T) {
	tests := []struct {
		body string
		want float64
	}{
		{body: `{"karma":1.7}`, want: 1.0},
		{body: `{"karma":-0.2}`, want: 0.0},
		{body: `{"karma":0.42}`, want: 0.42},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(tt.body))
		}))
		up := NewHTTPUpstream(srv.URL, time.Second, nil)
		score, err := up.Fetch(context.Background(), "agent-a")
		srv.Close()
		require.NoError(t, err)
		assert.Equal(t, tt.want, score)
	}
}

func TestHTTPUpstream_ContextTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	up := NewHTTPUpstream(srv.URL, time.Minute, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := up.Fetch(ctx, "agent-a")
	require.Error(t, err)
	assert.Equal(t, OutcomeTransient, Classify(err), "超时按瞬时故障处理")
}
