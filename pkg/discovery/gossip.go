package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"github.com/raskyld/relais"
)

const (
	DefaultGossipPort   = 7946
	DefaultLeaveTimeout = 5 * time.Second
)

var ErrJoinCluster = errors.New("discovery: could not join the gossip cluster")

// GossipConfig describes a `gossip://` agent.
type GossipConfig struct {
	Name     string
	BindAddr string
	BindPort int
	// Seeds are the members contacted to join the cluster.
	Seeds []string
	// Advertise is published as the member metadata, members without one
	// only watch the cluster.
	Advertise    *url.URL
	LeaveTimeout time.Duration
}

// GossipConfigFromURI reads
// `gossip://seed:7946?seed=other:7946&bind=0.0.0.0:7946&advertise=tcp://me:61616&name=&leaveTimeout=`.
func GossipConfigFromURI(uri *url.URL) (GossipConfig, error) {
	cfg := GossipConfig{}
	if uri.Host != "" {
		cfg.Seeds = append(cfg.Seeds, withDefaultPort(uri.Host))
	}
	query := uri.Query()
	for _, seed := range query["seed"] {
		cfg.Seeds = append(cfg.Seeds, withDefaultPort(seed))
	}
	delete(query, "seed")

	opts := relais.NewOptions(query)
	cfg.Name = opts.String("name", "")
	bind := opts.String("bind", net.JoinHostPort("0.0.0.0", strconv.Itoa(DefaultGossipPort)))
	advertise := opts.String("advertise", "")
	cfg.LeaveTimeout = opts.Duration("leaveTimeout", DefaultLeaveTimeout)
	if err := opts.Err(); err != nil {
		return cfg, err
	}
	if unused := opts.Unused(); len(unused) > 0 {
		return cfg, fmt.Errorf("%w: unknown gossip options %v", relais.ErrAgentConfig, unused)
	}

	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return cfg, fmt.Errorf("%w: bind %q: %w", relais.ErrAgentConfig, bind, err)
	}
	cfg.BindAddr = host
	if cfg.BindPort, err = strconv.Atoi(port); err != nil {
		return cfg, fmt.Errorf("%w: bind port %q: %w", relais.ErrAgentConfig, port, err)
	}

	if advertise != "" {
		u, err := relais.ParseURI(advertise)
		if err != nil {
			return cfg, fmt.Errorf("%w: %w", relais.ErrAgentConfig, err)
		}
		if len(u.String()) > memberlist.MetaMaxSize {
			return cfg, fmt.Errorf("%w: advertised uri longer than %d bytes", relais.ErrAgentConfig, memberlist.MetaMaxSize)
		}
		cfg.Advertise = u
	}
	if cfg.Name == "" {
		cfg.Name = uuid.NewString()
	}
	return cfg, nil
}

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, strconv.Itoa(DefaultGossipPort))
	}
	return addr
}

// Gossip takes part in a memberlist cluster where brokers publish their
// URI as member metadata.
type Gossip struct {
	cfg   GossipConfig
	mlCfg *memberlist.Config
	tel   relais.Telemetry
	reg   *registry

	lk      sync.Mutex
	ml      *memberlist.Memberlist
	members map[string]*url.URL
	closed  bool
}

func NewGossip(cfg GossipConfig, tel relais.Telemetry) *Gossip {
	tel.Logger = tel.Log().With(relais.LabelAgent.L("gossip"))
	g := &Gossip{
		cfg:     cfg,
		tel:     tel,
		reg:     newRegistry("gossip", tel),
		members: make(map[string]*url.URL),
	}

	g.mlCfg = memberlist.DefaultLANConfig()
	g.mlCfg.Name = cfg.Name
	g.mlCfg.BindAddr = cfg.BindAddr
	g.mlCfg.BindPort = cfg.BindPort
	g.mlCfg.AdvertisePort = cfg.BindPort
	g.mlCfg.Delegate = &gossipDelegate{g: g}
	g.mlCfg.Events = &gossipEvents{g: g}
	g.mlCfg.LogOutput = nil
	g.mlCfg.Logger = slog.NewLogLogger(tel.Log().Handler(), slog.LevelDebug)

	// memberlist still reports through the armon module.
	g.mlCfg.MetricLabels = make([]leg_metrics.Label, len(tel.Labels))
	for i, label := range tel.Labels {
		g.mlCfg.MetricLabels[i] = leg_metrics.Label{
			Name:  label.Name,
			Value: label.Value,
		}
	}
	return g
}

func (g *Gossip) SetListener(lst relais.DiscoveryListener) {
	g.reg.setListener(lst)
}

// Start creates the local member and joins the seeds. Unreachable seeds
// are only fatal when none could be joined.
func (g *Gossip) Start(ctx context.Context) error {
	g.lk.Lock()
	if g.closed {
		g.lk.Unlock()
		return relais.ErrAgentClosed
	}
	if g.ml != nil {
		g.lk.Unlock()
		return nil
	}
	ml, err := memberlist.Create(g.mlCfg)
	if err != nil {
		g.lk.Unlock()
		return fmt.Errorf("%w: %w", relais.ErrAgentConfig, err)
	}
	g.ml = ml
	g.lk.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(g.cfg.Seeds) == 0 {
		g.tel.Log().Info("gossip started without seeds", "name", g.cfg.Name)
		return nil
	}
	joined, err := ml.Join(g.cfg.Seeds)
	if err != nil && joined == 0 {
		return fmt.Errorf("%w: %w", ErrJoinCluster, err)
	}
	g.tel.Log().Info("cluster joined", "name", g.cfg.Name)
	if joined != len(g.cfg.Seeds) {
		g.tel.Log().Warn(
			"not all seeds are reachable",
			"joined", joined,
			"expected", len(g.cfg.Seeds),
		)
	}
	return nil
}

// LocalAddr is the address other members can join, nil before `Start`.
func (g *Gossip) LocalAddr() *net.TCPAddr {
	g.lk.Lock()
	defer g.lk.Unlock()
	if g.ml == nil {
		return nil
	}
	node := g.ml.LocalNode()
	return &net.TCPAddr{IP: node.Addr, Port: int(node.Port)}
}

// Close leaves the cluster, waiting at most `LeaveTimeout` for the
// others to know. Network failures are only logged.
func (g *Gossip) Close() error {
	g.lk.Lock()
	if g.closed {
		g.lk.Unlock()
		return nil
	}
	g.closed = true
	ml := g.ml
	g.lk.Unlock()

	if ml == nil {
		return nil
	}
	start := time.Now()
	if err := ml.Leave(g.cfg.LeaveTimeout); err != nil {
		g.tel.Log().Warn("could not leave the cluster gracefully", relais.LabelError.L(err))
	}
	if err := ml.Shutdown(); err != nil {
		g.tel.Log().Warn("could not shut gossip down", relais.LabelError.L(err))
	}
	g.tel.Log().Info("gossip stopped", relais.LabelDuration.L(time.Since(start)))
	return nil
}

func (g *Gossip) Suspend() { g.reg.suspend() }
func (g *Gossip) Resume()  { g.reg.resume() }

func (g *Gossip) nodeJoined(node *memberlist.Node) {
	if node.Name == g.cfg.Name {
		return
	}
	uri := g.parseMeta(node)
	if uri == nil {
		return
	}
	g.lk.Lock()
	g.members[node.Name] = uri
	g.lk.Unlock()
	g.reg.seen(uri, time.Now())
}

func (g *Gossip) nodeLeft(node *memberlist.Node) {
	g.lk.Lock()
	uri, ok := g.members[node.Name]
	delete(g.members, node.Name)
	g.lk.Unlock()
	if ok {
		g.reg.lost(uri)
	}
}

func (g *Gossip) nodeUpdated(node *memberlist.Node) {
	if node.Name == g.cfg.Name {
		return
	}
	uri := g.parseMeta(node)
	g.lk.Lock()
	old, ok := g.members[node.Name]
	g.lk.Unlock()
	if ok && uri != nil && relais.NormalizeURI(old) == relais.NormalizeURI(uri) {
		return
	}
	g.nodeLeft(node)
	if uri != nil {
		g.nodeJoined(node)
	}
}

func (g *Gossip) parseMeta(node *memberlist.Node) *url.URL {
	if len(node.Meta) == 0 {
		return nil
	}
	uri, err := relais.ParseURI(string(node.Meta))
	if err != nil {
		withLogNode(g.tel.Log(), node).Warn("member advertises an invalid uri", relais.LabelError.L(err))
		return nil
	}
	return uri
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		"node", node.Name,
		"node_addr", node.Address(),
	)
}

// gossipEvents receives the membership changes.
type gossipEvents struct {
	g *Gossip
}

func (ev *gossipEvents) NotifyJoin(node *memberlist.Node) {
	withLogNode(ev.g.tel.Log(), node).Debug("member joined cluster")
	ev.g.nodeJoined(node)
}

func (ev *gossipEvents) NotifyLeave(node *memberlist.Node) {
	withLogNode(ev.g.tel.Log(), node).Debug("member left cluster")
	ev.g.nodeLeft(node)
}

func (ev *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	withLogNode(ev.g.tel.Log(), node).Debug("member updated")
	ev.g.nodeUpdated(node)
}

// gossipDelegate publishes the advertised URI, we have no user state.
type gossipDelegate struct {
	g *Gossip
}

func (d *gossipDelegate) NodeMeta(limit int) []byte {
	if d.g.cfg.Advertise == nil {
		return nil
	}
	meta := []byte(d.g.cfg.Advertise.String())
	if len(meta) > limit {
		return nil
	}
	return meta
}

func (d *gossipDelegate) NotifyMsg([]byte)                           {}
func (d *gossipDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *gossipDelegate) LocalState(join bool) []byte                { return nil }
func (d *gossipDelegate) MergeRemoteState(buf []byte, join bool)     {}

var (
	_ relais.DiscoveryAgent    = (*Gossip)(nil)
	_ memberlist.Delegate      = (*gossipDelegate)(nil)
	_ memberlist.EventDelegate = (*gossipEvents)(nil)
)

func init() {
	relais.RegisterAgent("gossip", func(uri *url.URL, tel relais.Telemetry) (relais.DiscoveryAgent, error) {
		cfg, err := GossipConfigFromURI(uri)
		if err != nil {
			return nil, err
		}
		return NewGossip(cfg, tel), nil
	})
}
