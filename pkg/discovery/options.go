package discovery

import (
	"fmt"
	"log/slog"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/serf/serf"
)

// Profile selects memberlist timings suited to a network.
type Profile string

const (
	ProfileLAN   Profile = "lan"
	ProfileWAN   Profile = "wan"
	ProfileLocal Profile = "local"
)

type config struct {
	serfCfg      *serf.Config
	neighbours   []string
	endpoint     string
	services     []string
	watch        string
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label
}

// Option to pass to `Create`.
type Option func(*config) error

// WithProfile replaces the memberlist configuration by the defaults of a
// profile. Use it before any other option touching memberlist.
func WithProfile(profile Profile) Option {
	return func(c *config) error {
		var mlCfg *memberlist.Config
		switch profile {
		case ProfileLAN:
			mlCfg = memberlist.DefaultLANConfig()
		case ProfileWAN:
			mlCfg = memberlist.DefaultWANConfig()
		case ProfileLocal:
			mlCfg = memberlist.DefaultLocalConfig()
		default:
			return fmt.Errorf("unknown memberlist profile %q", profile)
		}
		c.serfCfg.MemberlistConfig = mlCfg
		return nil
	}
}

// WithListenOn specifies which interface the gossip protocol binds. A zero
// port lets the kernel choose.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.serfCfg.MemberlistConfig.BindAddr = addr
		c.serfCfg.MemberlistConfig.BindPort = port
		return nil
	}
}

// WithNodeName specifies the name exposed to other members. For a
// well-behaving cluster, the name MUST be unique.
func WithNodeName(name string) Option {
	return func(c *config) error {
		if name != "" {
			c.serfCfg.NodeName = name
		}
		return nil
	}
}

// WithNeighbours controls which members are tried initially by
// `Gossip.JoinCluster`.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

// WithEndpoint announces the URI other members should use to reach the
// RPC server of this member.
func WithEndpoint(uri string) Option {
	return func(c *config) error {
		if err := validateEndpoint(uri); err != nil {
			return err
		}
		c.endpoint = uri
		return nil
	}
}

// WithServices announces the services served behind the endpoint.
func WithServices(names ...string) Option {
	return func(c *config) error {
		c.services = names
		return nil
	}
}

// WithWatchService only resolves members announcing the service.
func WithWatchService(name string) Option {
	return func(c *config) error {
		c.watch = name
		return nil
	}
}

// WithCoalescePeriod controls how long member events are batched before
// endpoints are recomputed.
func WithCoalescePeriod(coalesce, quiescent time.Duration) Option {
	return func(c *config) error {
		if quiescent > coalesce {
			return fmt.Errorf("quiescent period %s exceeds coalesce period %s", quiescent, coalesce)
		}
		c.serfCfg.CoalescePeriod = coalesce
		c.serfCfg.QuiescentPeriod = quiescent
		return nil
	}
}

// WithLogHandler specifies which `slog.Handler` to use.
func WithLogHandler(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the resolver.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// resolver and by memberlist.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels

		// memberlist still emits through armon/go-metrics.
		mlLabels := make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			mlLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		c.serfCfg.MemberlistConfig.MetricLabels = mlLabels
		return nil
	}
}
