package relais

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// DiscoveryListener receives the services found or lost by an agent.
type DiscoveryListener interface {
	OnServiceAdd(uri *url.URL)
	OnServiceRemove(uri *url.URL)
}

// DiscoveryAgent finds broker URIs, e.g. by listening to multicast
// advertisements or gossiping with a cluster.
type DiscoveryAgent interface {
	// SetListener MUST be called before `Start`.
	SetListener(listener DiscoveryListener)
	Start(ctx context.Context) error
	Close() error
	// Suspend pauses the discovery, e.g. while connected.
	Suspend()
	Resume()
}

// AgentFactory builds a discovery agent for `uri`.
type AgentFactory func(uri *url.URL, tel Telemetry) (DiscoveryAgent, error)

var (
	agentsLk sync.RWMutex
	agents   = make(map[string]AgentFactory)
)

// RegisterAgent makes an agent available for URIs with `scheme`.
func RegisterAgent(scheme string, factory AgentFactory) {
	agentsLk.Lock()
	defer agentsLk.Unlock()
	if factory == nil {
		panic("relais: RegisterAgent factory is nil")
	}
	agents[strings.ToLower(scheme)] = factory
}

// AgentSchemes lists the registered agent schemes.
func AgentSchemes() []string {
	agentsLk.RLock()
	defer agentsLk.RUnlock()
	schemes := make([]string, 0, len(agents))
	for scheme := range agents {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// NewAgent builds the agent registered for the scheme of `uri`.
func NewAgent(uri *url.URL, tel Telemetry) (DiscoveryAgent, error) {
	if uri == nil {
		return nil, fmt.Errorf("%w: nil uri", ErrInvalidURI)
	}
	agentsLk.RLock()
	factory, ok := agents[strings.ToLower(uri.Scheme)]
	agentsLk.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, uri.Scheme)
	}
	return factory(uri, tel)
}

type discoveryEvent struct {
	uri  *url.URL
	lost bool
}

// DiscoveryProvider is a failover whose candidates come from discovery
// agents. The agents report through a single channel consumed by a single
// goroutine, so the candidate list has one writer.
type DiscoveryProvider struct {
	failover   *Failover
	agents     []DiscoveryAgent
	discovered url.Values
	suspend    bool
	tel        Telemetry

	found  chan discoveryEvent
	events chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewDiscoveryProvider wires `agents` into `failover`. `discovered` is
// applied to every discovered URI. With `suspendWhileConnected`, agents are
// suspended while a connection is established.
func NewDiscoveryProvider(
	failover *Failover,
	agents []DiscoveryAgent,
	discovered url.Values,
	suspendWhileConnected bool,
) (*DiscoveryProvider, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("%w: no discovery agent", ErrAgentConfig)
	}
	dp := &DiscoveryProvider{
		failover:   failover,
		agents:     agents,
		discovered: discovered,
		suspend:    suspendWhileConnected,
		tel:        failover.tel,
		found:      make(chan discoveryEvent, 64),
		events:     make(chan Event, 64),
	}
	dp.ctx, dp.cancel = context.WithCancel(context.Background())
	for _, agent := range agents {
		agent.SetListener(dp)
	}
	return dp, nil
}

// ParseDiscovery builds a discovery provider out of a
// `discovery:(agent1,agent2)?...` URI. `discovered.*` parameters go to the
// discovered URIs, `failover.*` ones to the underlying failover.
func ParseDiscovery(raw string, opts ...Option) (*DiscoveryProvider, error) {
	comp, err := ParseCompositeURI(raw)
	if err != nil {
		return nil, err
	}
	if comp.Scheme != "discovery" {
		return nil, fmt.Errorf("%w: expected discovery scheme, got %q", ErrInvalidURI, comp.Scheme)
	}

	discovered, rest := FilterOptions(comp.Params, "discovered.")
	_, own := FilterOptions(rest, "failover.")
	reader := NewOptions(own)
	suspend := reader.Bool("discovery.suspendWhileConnected", false)
	if unused := reader.Unused(); len(unused) > 0 {
		return nil, fmt.Errorf("%w: unknown discovery options %v", ErrInvalidCfg, unused)
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}

	uriOpts, err := OptionsFromURI(rest)
	if err != nil {
		return nil, err
	}
	fo, err := NewFailover(nil, append(uriOpts, opts...)...)
	if err != nil {
		return nil, err
	}

	var built []DiscoveryAgent
	for _, u := range comp.Components {
		agent, err := NewAgent(u, fo.tel)
		if err != nil {
			for _, a := range built {
				_ = a.Close()
			}
			return nil, err
		}
		built = append(built, agent)
	}
	return NewDiscoveryProvider(fo, built, discovered, suspend)
}

// Failover returns the underlying failover.
func (dp *DiscoveryProvider) Failover() *Failover {
	return dp.failover
}

func (dp *DiscoveryProvider) OnServiceAdd(uri *url.URL) {
	dp.notify(discoveryEvent{uri: uri})
}

func (dp *DiscoveryProvider) OnServiceRemove(uri *url.URL) {
	dp.notify(discoveryEvent{uri: uri, lost: true})
}

func (dp *DiscoveryProvider) notify(ev discoveryEvent) {
	if ev.uri == nil {
		return
	}
	select {
	case dp.found <- ev:
	case <-dp.ctx.Done():
	}
}

// Connect starts the agents, then the failover.
func (dp *DiscoveryProvider) Connect(ctx context.Context) error {
	if dp.ctx.Err() != nil {
		return ErrProviderClosed
	}
	var err error
	dp.startOnce.Do(func() {
		dp.wg.Add(2)
		go dp.handleDiscovery()
		go dp.handleEvents()

		for _, agent := range dp.agents {
			if startErr := agent.Start(ctx); startErr != nil {
				err = errors.Join(err, fmt.Errorf("%w: %w", ErrAgentConfig, startErr))
			}
		}
		if err != nil {
			return
		}
		err = dp.failover.Connect(ctx)
	})
	return err
}

func (dp *DiscoveryProvider) handleDiscovery() {
	defer dp.wg.Done()
	for {
		select {
		case <-dp.ctx.Done():
			return
		case ev := <-dp.found:
			dp.apply(ev)
		}
	}
}

func (dp *DiscoveryProvider) apply(ev discoveryEvent) {
	kind := "discovered"
	if ev.lost {
		kind = "lost"
	}
	dp.tel.Incr(MetricDiscoveryEvents, LabelEvent.M(kind))
	log := dp.tel.Log().With(LabelURI.L(NormalizeURI(ev.uri)), LabelEvent.L(kind))

	if !ev.lost {
		if dp.failover.AddCandidates(ApplyParameters(ev.uri, dp.discovered)) > 0 {
			log.Info("service discovered")
		}
		return
	}
	if err := dp.failover.RemoveCandidate(ev.uri); err != nil {
		log.Warn("service lost but kept", LabelError.L(err))
		return
	}
	log.Info("service lost")
}

func (dp *DiscoveryProvider) handleEvents() {
	defer dp.wg.Done()
	defer close(dp.events)
	for ev := range dp.failover.Events() {
		if dp.suspend {
			switch ev.Kind {
			case EventConnectionEstablished, EventConnectionRestored:
				for _, agent := range dp.agents {
					agent.Suspend()
				}
			case EventConnectionInterrupted:
				for _, agent := range dp.agents {
					agent.Resume()
				}
			}
		}
		dp.events <- ev
	}
}

func (dp *DiscoveryProvider) Close() error {
	var err error
	dp.closeOnce.Do(func() {
		dp.cancel()
		for _, agent := range dp.agents {
			if closeErr := agent.Close(); closeErr != nil {
				dp.tel.Log().Warn("discovery agent did not close cleanly", LabelError.L(closeErr))
			}
		}
		err = dp.failover.Close()
		started := true
		dp.startOnce.Do(func() {
			started = false
			close(dp.events)
		})
		if started {
			// events nobody reads anymore are dropped.
			go func() {
				for range dp.events {
				}
			}()
		}
		dp.wg.Wait()
	})
	return err
}

func (dp *DiscoveryProvider) Create(info *ResourceInfo, result *AsyncResult[*ResourceInfo]) {
	dp.failover.Create(info, result)
}

func (dp *DiscoveryProvider) Destroy(info *ResourceInfo, result *AsyncResult[struct{}]) {
	dp.failover.Destroy(info, result)
}

func (dp *DiscoveryProvider) Send(env *Envelope, result *AsyncResult[struct{}]) {
	dp.failover.Send(env, result)
}

func (dp *DiscoveryProvider) Acknowledge(delivery *Delivery, result *AsyncResult[struct{}]) {
	dp.failover.Acknowledge(delivery, result)
}

func (dp *DiscoveryProvider) Events() <-chan Event {
	return dp.events
}

func (dp *DiscoveryProvider) RemoteURI() *url.URL {
	return dp.failover.RemoteURI()
}

var _ Provider = (*DiscoveryProvider)(nil)
var _ DiscoveryListener = (*DiscoveryProvider)(nil)

func init() {
	RegisterProvider("failover", func(uri *url.URL, tel Telemetry) (Provider, error) {
		return ParseFailover(uri.String(), telemetryOptions(tel)...)
	})
	RegisterProvider("discovery", func(uri *url.URL, tel Telemetry) (Provider, error) {
		return ParseDiscovery(uri.String(), telemetryOptions(tel)...)
	})
}

func telemetryOptions(tel Telemetry) []Option {
	opts := []Option{WithMetricSink(tel.Sink), WithMetricLabels(tel.Labels)}
	if tel.Logger != nil {
		opts = append(opts, WithLog(tel.Logger.Handler()))
	}
	return opts
}
