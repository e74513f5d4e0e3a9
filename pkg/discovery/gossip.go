// Package discovery resolves strait endpoints from a serf cluster.
//
// Every member announces the URI of its RPC server in a serf tag. A
// `Gossip` is a `strait.Resolver` producing the endpoints of the alive
// members, so a `Channel` follows the cluster as members join, leave or
// fail.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"

	"github.com/raskyld/strait"
)

const (
	// TagEndpoint holds the endpoint URI of a member.
	TagEndpoint = "strait.ep"
	// TagServices holds the comma separated services of a member.
	TagServices = "strait.svc"
)

var (
	ErrInvalidCfg  = errors.New("discovery: invalid configuration")
	ErrJoinCluster = errors.New("discovery: could not join the cluster")
	ErrClosed      = errors.New("discovery: gossip was shut down")

	MetricMembers   = []string{"strait", "discovery", "members"}
	MetricEndpoints = []string{"strait", "discovery", "endpoints"}
)

// Gossip is a member of a serf cluster which announces the local endpoint
// and resolves the endpoints of the others.
type Gossip struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink

	serf    *serf.Serf
	eventCh chan serf.Event

	lk        sync.Mutex
	endpoints []strait.Endpoint
	changed   chan struct{}

	shutdown   bool
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

var _ strait.Resolver = (*Gossip)(nil)

// Create starts the local serf agent. Call `Gossip.JoinCluster` to meet
// the neighbours.
func Create(opts ...Option) (*Gossip, error) {
	g := &Gossip{
		eventCh:    make(chan serf.Event, 512),
		changed:    make(chan struct{}),
		shutdownCh: make(chan struct{}),
	}

	g.config.serfCfg = serf.DefaultConfig()
	g.config.serfCfg.LogOutput = nil
	g.config.serfCfg.MemberlistConfig.ProbeTimeout = 2 * time.Second
	g.config.serfCfg.QueueDepthWarning = 512
	// Endpoints are picked by the balancer, not by network coordinates.
	g.config.serfCfg.DisableCoordinates = true
	g.config.serfCfg.ValidateNodeNames = true
	g.config.serfCfg.CoalescePeriod = time.Second
	g.config.serfCfg.QuiescentPeriod = 250 * time.Millisecond

	for _, opt := range opts {
		if err := opt(&g.config); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	g.config.serfCfg.EventCh = g.eventCh
	g.config.serfCfg.Tags = g.tags()

	if g.config.logHandler != nil {
		g.logger = slog.New(g.config.logHandler)
		g.config.serfCfg.Logger = slog.NewLogLogger(g.config.logHandler, slog.LevelDebug)
	} else {
		g.logger = slog.Default()
		g.config.serfCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}
	g.config.serfCfg.MemberlistConfig.Logger = g.config.serfCfg.Logger

	if g.config.msink == nil {
		g.msink = metrics.Default()
	} else {
		g.msink = g.config.msink
	}

	s, err := serf.Create(g.config.serfCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	g.serf = s

	g.refresh()

	g.wg.Add(1)
	go g.handleEvents()
	return g, nil
}

func (g *Gossip) tags() map[string]string {
	tags := make(map[string]string)
	if g.config.endpoint != "" {
		tags[TagEndpoint] = g.config.endpoint
	}
	if len(g.config.services) > 0 {
		tags[TagServices] = strings.Join(g.config.services, ",")
	}
	return tags
}

// JoinCluster contacts the neighbours given by `WithNeighbours`. It
// succeeds as long as one of them answered.
func (g *Gossip) JoinCluster() error {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.shutdown {
		return ErrClosed
	}
	if len(g.config.neighbours) == 0 {
		return nil
	}

	joined, err := g.serf.Join(g.config.neighbours, true)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	g.logger.Info("cluster joined")
	if len(g.config.neighbours) != joined {
		g.logger.Warn(
			"not all neighbours are reachable",
			"joined", joined,
			"expected", len(g.config.neighbours),
		)
	}
	return nil
}

// Announce changes the endpoint and services advertised by this member.
func (g *Gossip) Announce(uri string, services ...string) error {
	if err := validateEndpoint(uri); err != nil {
		return err
	}

	g.lk.Lock()
	if g.shutdown {
		g.lk.Unlock()
		return ErrClosed
	}
	g.config.endpoint = uri
	g.config.services = services
	tags := g.tags()
	g.lk.Unlock()

	return g.serf.SetTags(tags)
}

// LocalAddr is the gossip address other members can join.
func (g *Gossip) LocalAddr() string {
	local := g.serf.LocalMember()
	return net.JoinHostPort(local.Addr.String(), strconv.Itoa(int(local.Port)))
}

func (g *Gossip) Members() []serf.Member {
	return g.serf.Members()
}

// Endpoints are the endpoints currently announced by alive members.
func (g *Gossip) Endpoints() []strait.Endpoint {
	g.lk.Lock()
	defer g.lk.Unlock()
	return slices.Clone(g.endpoints)
}

// Watch implements `strait.Resolver`.
func (g *Gossip) Watch(ctx context.Context, update func([]strait.Endpoint)) error {
	for {
		g.lk.Lock()
		endpoints := slices.Clone(g.endpoints)
		changed := g.changed
		g.lk.Unlock()

		update(endpoints)

		select {
		case <-changed:
		case <-ctx.Done():
			return nil
		case <-g.shutdownCh:
			return ErrClosed
		}
	}
}

func (g *Gossip) handleEvents() {
	defer g.wg.Done()
	for {
		var event serf.Event
		select {
		case event = <-g.eventCh:
		case <-g.shutdownCh:
			return
		}

		switch event := event.(type) {
		case serf.MemberEvent:
			for _, member := range event.Members {
				g.logger.Debug(event.EventType().String(), "member", member.Name, "addr", member.Addr)
			}
			g.refresh()
		default:
			g.logger.Debug("ignoring serf event", "event", event.String())
		}
	}
}

// refresh recomputes the endpoints from the member list and notifies the
// watchers when they changed.
func (g *Gossip) refresh() {
	members := g.serf.Members()

	var endpoints []strait.Endpoint
	alive := 0
	for _, member := range members {
		if member.Status != serf.StatusAlive {
			continue
		}
		alive++

		uri, ok := member.Tags[TagEndpoint]
		if !ok {
			continue
		}
		if g.config.watch != "" && !slices.Contains(strings.Split(member.Tags[TagServices], ","), g.config.watch) {
			continue
		}
		ep, err := strait.NewEndpoint(uri)
		if err != nil {
			g.logger.Warn("ignoring member with invalid endpoint",
				"member", member.Name, strait.LabelError.L(err))
			continue
		}
		endpoints = append(endpoints, ep)
	}
	slices.SortFunc(endpoints, func(a, b strait.Endpoint) int {
		return strings.Compare(a.String(), b.String())
	})

	g.msink.SetGaugeWithLabels(MetricMembers, float32(alive), g.config.metricLabels)
	g.msink.SetGaugeWithLabels(MetricEndpoints, float32(len(endpoints)), g.config.metricLabels)

	g.lk.Lock()
	defer g.lk.Unlock()
	if slices.EqualFunc(endpoints, g.endpoints, func(a, b strait.Endpoint) bool {
		return a.String() == b.String()
	}) {
		return
	}
	g.endpoints = endpoints
	close(g.changed)
	g.changed = make(chan struct{})
}

// Shutdown leaves the cluster gracefully then stops the serf agent.
func (g *Gossip) Shutdown() error {
	g.lk.Lock()
	if g.shutdown {
		g.lk.Unlock()
		return nil
	}
	g.shutdown = true
	close(g.shutdownCh)
	g.lk.Unlock()

	start := time.Now()
	g.logger.Info("shutdown: leave cluster")
	if err := g.serf.Leave(); err != nil {
		g.logger.Warn("could not leave the cluster gracefully", strait.LabelError.L(err))
	}

	err := g.serf.Shutdown()
	g.wg.Wait()
	<-g.serf.ShutdownCh()

	g.logger.Info("shutdown: completed", "duration", time.Since(start))
	return err
}

func validateEndpoint(uri string) error {
	if _, err := strait.NewEndpoint(uri); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	return nil
}
