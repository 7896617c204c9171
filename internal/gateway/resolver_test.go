package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	apperrors "github.com/nft-state-sync/internal/errors"
)

const (
	cidV0 = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	cidV1 = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"
)

type gatewayServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newGateway(t *testing.T, handler http.HandlerFunc) *gatewayServer {
	t.Helper()
	g := &gatewayServer{}
	g.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(g.Close)
	return g
}

func status(code int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(code) }
}

func newTestResolver(t *testing.T, timeout time.Duration, gateways ...string) *Resolver {
	t.Helper()
	r, err := NewResolver(&Config{
		Gateways:     gateways,
		ProbeTimeout: timeout,
		Placeholder:  "/static/placeholder.png",
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestParseLocator(t *testing.T) {
	tests := []struct {
		in     string
		path   string
		origin string
	}{
		{"ipfs://" + cidV0, cidV0, ""},
		{"ipfs://ipfs/" + cidV0 + "/1.png", cidV0 + "/1.png", ""},
		{"/ipfs/" + cidV1, cidV1, ""},
		{cidV1, cidV1, ""},
		{"https://gw.example/ipfs/" + cidV0 + "/meta.json", cidV0 + "/meta.json", "https://gw.example/ipfs/"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			loc, err := ParseLocator(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.path, loc.Path)
			assert.Equal(t, tt.origin, loc.Origin)
		})
	}

	for _, bad := range []string{"", "ipfs://not-a-cid", "https://example.com/image.png", "hello"} {
		_, err := ParseLocator(bad)
		assert.True(t, apperrors.IsUserError(err), "%q: %v", bad, err)
	}
}

func TestResolveStopsAtFirstSuccess(t *testing.T) {
	g1 := newGateway(t, status(http.StatusBadGateway))
	g2 := newGateway(t, status(http.StatusNotFound))
	g3 := newGateway(t, status(http.StatusOK))
	r := newTestResolver(t, time.Second, g1.URL+"/ipfs/", g2.URL+"/ipfs/", g3.URL+"/ipfs/")

	res := r.Resolve(context.Background(), "ipfs://"+cidV0)
	assert.Equal(t, g3.URL+"/ipfs/"+cidV0, res.URL)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.Placeholder)
	assert.Equal(t, int32(1), g1.hits.Load())
	assert.Equal(t, int32(1), g2.hits.Load())
	assert.Equal(t, int32(1), g3.hits.Load())
}

func TestResolveExhaustedServesPlaceholder(t *testing.T) {
	g1 := newGateway(t, status(http.StatusInternalServerError))
	g2 := newGateway(t, status(http.StatusServiceUnavailable))
	r := newTestResolver(t, time.Second, g1.URL, g2.URL)

	res := r.Resolve(context.Background(), cidV1)
	assert.True(t, res.Placeholder)
	assert.Equal(t, "/static/placeholder.png", res.URL)
	assert.Equal(t, 2, res.Attempts)
}

func TestResolveFallsBackToGet(t *testing.T) {
	var (
		mu      sync.Mutex
		methods []string
	)
	g := newGateway(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		methods = append(methods, r.Method)
		mu.Unlock()
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_, _ = w.Write([]byte("image bytes"))
	})
	r := newTestResolver(t, time.Second, g.URL+"/ipfs")

	res := r.Resolve(context.Background(), "ipfs://"+cidV0)
	assert.False(t, res.Placeholder)
	assert.Equal(t, 1, res.Attempts)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{http.MethodHead, http.MethodGet}, methods)
}

func TestResolveSkipsAlreadyTriedOrigin(t *testing.T) {
	origin := newGateway(t, status(http.StatusGatewayTimeout))
	backup := newGateway(t, status(http.StatusOK))
	r := newTestResolver(t, time.Second, origin.URL+"/ipfs/", backup.URL+"/ipfs/")

	res := r.Resolve(context.Background(), origin.URL+"/ipfs/"+cidV0)
	assert.Equal(t, backup.URL+"/ipfs/"+cidV0, res.URL)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, int32(1), origin.hits.Load(), "origin probed once")
}

func TestCandidatesCapAtGatewayCount(t *testing.T) {
	r := newTestResolver(t, time.Second, "https://a.example/ipfs/", "https://b.example/ipfs/")
	loc, err := ParseLocator("https://other.example/ipfs/" + cidV0)
	require.NoError(t, err)

	got := r.Candidates(loc)
	assert.Equal(t, []string{
		"https://other.example/ipfs/" + cidV0,
		"https://a.example/ipfs/" + cidV0,
	}, got)
}

func TestResolvePlainURLAndGarbage(t *testing.T) {
	r := newTestResolver(t, time.Second, "https://a.example/ipfs/")

	res := r.Resolve(context.Background(), "https://cdn.example/img.png")
	assert.Equal(t, "https://cdn.example/img.png", res.URL)
	assert.Zero(t, res.Attempts)

	res = r.Resolve(context.Background(), "not a locator")
	assert.True(t, res.Placeholder)
	assert.Zero(t, res.Attempts)
}

func TestProbeTimeoutCancelsRequest(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	release := make(chan struct{})
	var cancelled atomic.Bool
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			cancelled.Store(true)
		case <-release:
		}
	}))
	fast := httptest.NewServer(status(http.StatusOK))

	r, err := NewResolver(&Config{
		Gateways:     []string{slow.URL + "/ipfs/", fast.URL + "/ipfs/"},
		ProbeTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	res := r.Resolve(context.Background(), cidV0)
	assert.Equal(t, fast.URL+"/ipfs/"+cidV0, res.URL)
	assert.Equal(t, 2, res.Attempts)
	assert.Less(t, time.Since(start), time.Second)
	assert.Eventually(t, cancelled.Load, time.Second, 10*time.Millisecond)

	close(release)
	r.Close()
	slow.Close()
	fast.Close()
}

func TestResolveAllKeepsOrder(t *testing.T) {
	ok := newGateway(t, status(http.StatusOK))
	r := newTestResolver(t, time.Second, ok.URL+"/ipfs/")

	got := r.ResolveAll(context.Background(), []string{"ipfs://" + cidV0, "garbage", cidV1})
	assert.Equal(t, []string{
		ok.URL + "/ipfs/" + cidV0,
		"/static/placeholder.png",
		ok.URL + "/ipfs/" + cidV1,
	}, got)
}

func TestNewResolverValidates(t *testing.T) {
	_, err := NewResolver(&Config{})
	assert.Error(t, err)
	_, err = NewResolver(&Config{Gateways: []string{"ftp://x"}})
	assert.Error(t, err)
}
