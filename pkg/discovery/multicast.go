package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/raskyld/relais"
	"golang.org/x/net/ipv4"
)

const (
	DefaultMulticastGroup   = "239.255.2.3"
	DefaultMulticastPort    = 6155
	DefaultKeepAlive        = time.Second
	DefaultKeepAliveMisses  = 3
	DefaultAdvertisingGroup = "default"

	advertisementType = "relais"
	maxPacketSize     = 8192
)

var MetricMulticastPackets = []string{"relais", "discovery", "multicast", "packet", "count"}

// MulticastConfig describes a `multicast://` agent.
type MulticastConfig struct {
	Addr *net.UDPAddr
	// Group namespaces the advertisements, agents of different groups
	// ignore each other.
	Group     string
	Interface *net.Interface
	TTL       int
	KeepAlive time.Duration
	// Timeout is how long a service can stay silent before being lost.
	Timeout time.Duration
	// Advertise, when set, is periodically announced to the group.
	Advertise  *url.URL
	BrokerName string
}

// MulticastConfigFromURI reads
// `multicast://239.255.2.3:6155?group=&keepAlive=&timeout=&advertise=&name=&iface=&ttl=`.
// The host `default` stands for the default group address.
func MulticastConfigFromURI(uri *url.URL) (MulticastConfig, error) {
	cfg := MulticastConfig{}

	host, port := uri.Hostname(), uri.Port()
	if host == "" || host == "default" {
		host = DefaultMulticastGroup
	}
	portNum := DefaultMulticastPort
	if port != "" {
		var err error
		if portNum, err = strconv.Atoi(port); err != nil {
			return cfg, fmt.Errorf("%w: port %q: %w", relais.ErrAgentConfig, port, err)
		}
	}
	ip := net.ParseIP(host).To4()
	if ip == nil || !ip.IsMulticast() {
		return cfg, fmt.Errorf("%w: %q is not an IPv4 multicast address", relais.ErrAgentConfig, host)
	}
	cfg.Addr = &net.UDPAddr{IP: ip, Port: portNum}

	opts := relais.NewOptions(uri.Query())
	cfg.Group = opts.String("group", DefaultAdvertisingGroup)
	cfg.TTL = opts.Int("ttl", 1)
	cfg.KeepAlive = opts.Duration("keepAlive", DefaultKeepAlive)
	cfg.Timeout = opts.Duration("timeout", DefaultKeepAliveMisses*cfg.KeepAlive)
	cfg.BrokerName = opts.String("name", "")
	advertise := opts.String("advertise", "")
	iface := opts.String("iface", "")
	if err := opts.Err(); err != nil {
		return cfg, err
	}
	if unused := opts.Unused(); len(unused) > 0 {
		return cfg, fmt.Errorf("%w: unknown multicast options %v", relais.ErrAgentConfig, unused)
	}

	if cfg.KeepAlive <= 0 || cfg.Timeout < cfg.KeepAlive {
		return cfg, fmt.Errorf("%w: timeout must be greater than keepAlive", relais.ErrAgentConfig)
	}
	if strings.ContainsAny(cfg.Group, "%") {
		return cfg, fmt.Errorf("%w: group %q contains %%", relais.ErrAgentConfig, cfg.Group)
	}
	if advertise != "" {
		u, err := relais.ParseURI(advertise)
		if err != nil {
			return cfg, fmt.Errorf("%w: %w", relais.ErrAgentConfig, err)
		}
		cfg.Advertise = u
	}
	if cfg.BrokerName == "" {
		cfg.BrokerName, _ = os.Hostname()
	}
	cfg.BrokerName = strings.ReplaceAll(cfg.BrokerName, "%", "")
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return cfg, fmt.Errorf("%w: interface %q: %w", relais.ErrAgentConfig, iface, err)
		}
		cfg.Interface = ifi
	}
	return cfg, nil
}

// advertisement is `<group>.relais.<alive|dead>.<broker>%<uri>`.
type advertisement struct {
	group  string
	alive  bool
	broker string
	uri    *url.URL
}

func (ad advertisement) MarshalText() ([]byte, error) {
	state := "dead"
	if ad.alive {
		state = "alive"
	}
	return []byte(ad.group + "." + advertisementType + "." + state + "." + ad.broker + "%" + ad.uri.String()), nil
}

func (ad *advertisement) UnmarshalText(text []byte) error {
	raw := string(text)
	meta, uri, ok := strings.Cut(raw, "%")
	if !ok {
		return fmt.Errorf("%w: no uri in %q", relais.ErrDiscoveryFormat, raw)
	}
	for _, state := range []string{".alive.", ".dead."} {
		prefix, broker, found := strings.Cut(meta, "."+advertisementType+state)
		if !found {
			continue
		}
		u, err := relais.ParseURI(uri)
		if err != nil {
			return fmt.Errorf("%w: %w", relais.ErrDiscoveryFormat, err)
		}
		*ad = advertisement{group: prefix, alive: state == ".alive.", broker: broker, uri: u}
		return nil
	}
	return fmt.Errorf("%w: unknown header %q", relais.ErrDiscoveryFormat, meta)
}

// Multicast finds services announcing themselves on a UDP multicast
// group, and optionally announces one.
type Multicast struct {
	cfg MulticastConfig
	tel relais.Telemetry
	reg *registry

	lk     sync.Mutex
	pc     *ipv4.PacketConn
	closed bool

	cancel  context.CancelFunc
	ticking sync.WaitGroup
	wg      sync.WaitGroup
}

func NewMulticast(cfg MulticastConfig, tel relais.Telemetry) *Multicast {
	tel.Logger = tel.Log().With(relais.LabelAgent.L("multicast"))
	return &Multicast{
		cfg: cfg,
		tel: tel,
		reg: newRegistry("multicast", tel),
	}
}

func (mc *Multicast) SetListener(lst relais.DiscoveryListener) {
	mc.reg.setListener(lst)
}

// Start joins the group. The context only bounds the setup.
func (mc *Multicast) Start(ctx context.Context) error {
	mc.lk.Lock()
	defer mc.lk.Unlock()
	if mc.closed {
		return relais.ErrAgentClosed
	}
	if mc.pc != nil {
		return nil
	}

	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(mc.cfg.Addr.Port)))
	if err != nil {
		return fmt.Errorf("multicast: listen: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(mc.cfg.Interface, &net.UDPAddr{IP: mc.cfg.Addr.IP}); err != nil {
		_ = pc.Close()
		return fmt.Errorf("multicast: join %s: %w", mc.cfg.Addr.IP, err)
	}
	if mc.cfg.Interface != nil {
		if err := pc.SetMulticastInterface(mc.cfg.Interface); err != nil {
			_ = pc.Close()
			return fmt.Errorf("multicast: interface: %w", err)
		}
	}
	if err := pc.SetMulticastTTL(mc.cfg.TTL); err != nil {
		mc.tel.Log().Warn("could not set multicast TTL", relais.LabelError.L(err))
	}
	if err := pc.SetMulticastLoopback(true); err != nil {
		mc.tel.Log().Warn("could not enable multicast loopback", relais.LabelError.L(err))
	}
	// not every platform reports the destination address.
	_ = pc.SetControlMessage(ipv4.FlagDst, true)
	mc.pc = pc

	loopCtx, cancel := context.WithCancel(context.Background())
	mc.cancel = cancel
	mc.wg.Add(1)
	mc.ticking.Add(1)
	go mc.readLoop(pc)
	go mc.tickLoop(loopCtx, pc)

	mc.tel.Log().Info("multicast discovery started",
		"group", mc.cfg.Group,
		"addr", mc.cfg.Addr.String(),
	)
	return nil
}

func (mc *Multicast) readLoop(pc *ipv4.PacketConn) {
	defer mc.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, cm, _, err := pc.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				mc.tel.Log().Warn("multicast read failed", relais.LabelError.L(err))
			}
			return
		}
		if cm != nil && cm.Dst != nil && !cm.Dst.Equal(mc.cfg.Addr.IP) {
			continue
		}
		mc.handle(buf[:n], time.Now())
	}
}

func (mc *Multicast) handle(packet []byte, now time.Time) {
	var ad advertisement
	if err := ad.UnmarshalText(packet); err != nil {
		mc.tel.Incr(MetricMulticastPackets, relais.LabelEvent.M("invalid"))
		mc.tel.Log().Debug("ignored advertisement", relais.LabelError.L(err))
		return
	}
	if ad.group != mc.cfg.Group {
		return
	}
	if mc.cfg.Advertise != nil && relais.NormalizeURI(ad.uri) == relais.NormalizeURI(mc.cfg.Advertise) {
		return
	}
	if ad.alive {
		mc.tel.Incr(MetricMulticastPackets, relais.LabelEvent.M("alive"))
		mc.reg.seen(ad.uri, now)
		return
	}
	mc.tel.Incr(MetricMulticastPackets, relais.LabelEvent.M("dead"))
	mc.reg.lost(ad.uri)
}

func (mc *Multicast) tickLoop(ctx context.Context, pc *ipv4.PacketConn) {
	defer mc.ticking.Done()
	ticker := time.NewTicker(mc.cfg.KeepAlive)
	defer ticker.Stop()

	mc.advertise(pc, true)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			mc.advertise(pc, true)
			mc.reg.expire(now.Add(-mc.cfg.Timeout))
		}
	}
}

func (mc *Multicast) advertise(pc *ipv4.PacketConn, alive bool) {
	if mc.cfg.Advertise == nil {
		return
	}
	packet, _ := advertisement{
		group:  mc.cfg.Group,
		alive:  alive,
		broker: mc.cfg.BrokerName,
		uri:    mc.cfg.Advertise,
	}.MarshalText()
	if _, err := pc.WriteTo(packet, nil, mc.cfg.Addr); err != nil {
		mc.tel.Log().Warn("could not advertise", relais.LabelError.L(err))
	}
}

// Close announces our departure, if advertising, and leaves the group.
// Network failures are only logged.
func (mc *Multicast) Close() error {
	mc.lk.Lock()
	if mc.closed {
		mc.lk.Unlock()
		return nil
	}
	mc.closed = true
	pc := mc.pc
	mc.lk.Unlock()

	if pc == nil {
		return nil
	}
	mc.cancel()
	mc.ticking.Wait()
	mc.advertise(pc, false)
	if err := pc.LeaveGroup(mc.cfg.Interface, &net.UDPAddr{IP: mc.cfg.Addr.IP}); err != nil {
		mc.tel.Log().Warn("could not leave multicast group", relais.LabelError.L(err))
	}
	if err := pc.Close(); err != nil {
		mc.tel.Log().Warn("could not close multicast socket", relais.LabelError.L(err))
	}
	mc.wg.Wait()
	return nil
}

func (mc *Multicast) Suspend() { mc.reg.suspend() }
func (mc *Multicast) Resume()  { mc.reg.resume() }

var _ relais.DiscoveryAgent = (*Multicast)(nil)

func init() {
	relais.RegisterAgent("multicast", func(uri *url.URL, tel relais.Telemetry) (relais.DiscoveryAgent, error) {
		cfg, err := MulticastConfigFromURI(uri)
		if err != nil {
			return nil, err
		}
		return NewMulticast(cfg, tel), nil
	})
}
