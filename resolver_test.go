package strait

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func endpointURIs(endpoints []Endpoint) []string {
	out := make([]string, len(endpoints))
	for i, ep := range endpoints {
		out[i] = ep.String()
	}
	return out
}

func TestManualResolver(t *testing.T) {
	a := MustEndpoint("http://a:1")
	b := MustEndpoint("http://b:1")

	r := NewManualResolver(a, a, b)
	require.Equal(t, []string{"http://a:1", "http://b:1"}, endpointURIs(r.Endpoints()))

	r.Remove(a)
	require.Equal(t, []string{"http://b:1"}, endpointURIs(r.Endpoints()))

	r.Insert(a)
	r.Insert(b.WithTLS(ClientTLSConfig{}))
	require.Equal(t, []string{"http://b:1", "http://a:1"}, endpointURIs(r.Endpoints()))
	require.NotNil(t, r.Endpoints()[0].tls)
}

func TestManualResolverWatch(t *testing.T) {
	var r ManualResolver

	updates := make(chan []Endpoint, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Watch(ctx, func(eps []Endpoint) { updates <- eps })
	}()

	select {
	case <-updates:
		t.Fatal("the zero value must not resolve")
	case <-time.After(20 * time.Millisecond):
	}

	r.Set(MustEndpoint("http://a:1"))
	require.Equal(t, []string{"http://a:1"}, endpointURIs(<-updates))

	r.Insert(MustEndpoint("http://b:1"))
	require.Equal(t, []string{"http://a:1", "http://b:1"}, endpointURIs(<-updates))

	r.Set()
	require.Empty(t, <-updates)

	cancel()
	require.NoError(t, <-done)
}

func TestStaticResolverWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got []Endpoint
	err := StaticResolver{MustEndpoint("http://a:1")}.Watch(ctx, func(eps []Endpoint) { got = eps })
	require.NoError(t, err)
	require.Equal(t, []string{"http://a:1"}, endpointURIs(got))
}

func TestBalancers(t *testing.T) {
	candidates := []Candidate{
		{Endpoint: MustEndpoint("http://a:1"), Outstanding: 3},
		{Endpoint: MustEndpoint("http://b:1"), Outstanding: 1},
		{Endpoint: MustEndpoint("http://c:1"), Outstanding: 1},
	}

	t.Run("round robin", func(t *testing.T) {
		rr := &RoundRobin{}
		var picks []int
		for i := 0; i < 6; i++ {
			picks = append(picks, rr.Pick(candidates))
		}
		require.Equal(t, []int{0, 1, 2, 0, 1, 2}, picks)
	})

	t.Run("least outstanding", func(t *testing.T) {
		require.Equal(t, 1, LeastOutstanding{}.Pick(candidates))
		require.Equal(t, 0, LeastOutstanding{}.Pick(candidates[:1]))
	})
}
