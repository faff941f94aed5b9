package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/raskyld/relais"
	"github.com/stretchr/testify/require"
)

func TestGossipConfigFromURI(t *testing.T) {
	cfg, err := GossipConfigFromURI(mustURL(t, "gossip://seed1?seed=seed2:8000&bind=127.0.0.1:0&advertise=tcp://me:61616&name=n1&leaveTimeout=1s"))
	require.NoError(t, err)
	require.Equal(t, []string{"seed1:7946", "seed2:8000"}, cfg.Seeds)
	require.Equal(t, "127.0.0.1", cfg.BindAddr)
	require.Equal(t, 0, cfg.BindPort)
	require.Equal(t, "tcp://me:61616", cfg.Advertise.String())
	require.Equal(t, "n1", cfg.Name)
	require.Equal(t, time.Second, cfg.LeaveTimeout)

	cfg, err = GossipConfigFromURI(mustURL(t, "gossip://"))
	require.NoError(t, err)
	require.Empty(t, cfg.Seeds)
	require.Equal(t, DefaultGossipPort, cfg.BindPort)
	require.NotEmpty(t, cfg.Name)

	for _, raw := range []string{
		"gossip://?bogus=1",
		"gossip://?bind=nowhere",
		"gossip://?advertise=no-scheme",
	} {
		_, err := GossipConfigFromURI(mustURL(t, raw))
		require.ErrorIs(t, err, relais.ErrAgentConfig, raw)
	}
}

func TestGossip_DelegateMeta(t *testing.T) {
	cfg, err := GossipConfigFromURI(mustURL(t, "gossip://?advertise=tcp://me:61616"))
	require.NoError(t, err)
	d := &gossipDelegate{g: NewGossip(cfg, testTelemetry())}
	require.Equal(t, []byte("tcp://me:61616"), d.NodeMeta(memberlist.MetaMaxSize))
	require.Nil(t, d.NodeMeta(4))
}

func TestGossip_MembershipUpdates(t *testing.T) {
	cfg, err := GossipConfigFromURI(mustURL(t, "gossip://?name=me"))
	require.NoError(t, err)
	g := NewGossip(cfg, testTelemetry())
	rec := newRecorder()
	g.SetListener(rec)
	events := &gossipEvents{g: g}

	events.NotifyJoin(&memberlist.Node{Name: "me", Meta: []byte("tcp://me:61616")})
	events.NotifyJoin(&memberlist.Node{Name: "client"})
	events.NotifyJoin(&memberlist.Node{Name: "bad", Meta: []byte("::")})
	rec.none(t)

	events.NotifyJoin(&memberlist.Node{Name: "b1", Meta: []byte("tcp://b1:61616")})
	require.Equal(t, found{uri: "tcp://b1:61616"}, rec.next(t, time.Second))

	events.NotifyUpdate(&memberlist.Node{Name: "b1", Meta: []byte("tcp://b1:61616")})
	rec.none(t)

	events.NotifyUpdate(&memberlist.Node{Name: "b1", Meta: []byte("ssl://b1:61617")})
	require.Equal(t, found{uri: "tcp://b1:61616", lost: true}, rec.next(t, time.Second))
	require.Equal(t, found{uri: "ssl://b1:61617"}, rec.next(t, time.Second))

	events.NotifyLeave(&memberlist.Node{Name: "b1"})
	require.Equal(t, found{uri: "ssl://b1:61617", lost: true}, rec.next(t, time.Second))
	events.NotifyLeave(&memberlist.Node{Name: "client"})
	rec.none(t)
}

func TestGossip_Cluster(t *testing.T) {
	brokerCfg, err := GossipConfigFromURI(mustURL(t, "gossip://?bind=127.0.0.1:0&name=broker&advertise=tcp://broker:61616&leaveTimeout=2s"))
	require.NoError(t, err)
	broker := NewGossip(brokerCfg, testTelemetry())
	broker.SetListener(newRecorder())
	require.NoError(t, broker.Start(context.Background()))
	defer broker.Close()

	addr := broker.LocalAddr()
	require.NotNil(t, addr)

	clientCfg, err := GossipConfigFromURI(mustURL(t, "gossip://"+addr.String()+"?bind=127.0.0.1:0&name=client"))
	require.NoError(t, err)
	client := NewGossip(clientCfg, testTelemetry())
	rec := newRecorder()
	client.SetListener(rec)
	require.NoError(t, client.Start(context.Background()))
	defer client.Close()

	require.Equal(t, found{uri: "tcp://broker:61616"}, rec.next(t, 5*time.Second))

	client.Suspend()
	client.Resume()
	require.Equal(t, found{uri: "tcp://broker:61616"}, rec.next(t, time.Second))

	require.NoError(t, broker.Close())
	require.Equal(t, found{uri: "tcp://broker:61616", lost: true}, rec.next(t, 10*time.Second))

	require.NoError(t, client.Close())
	require.ErrorIs(t, client.Start(context.Background()), relais.ErrAgentClosed)
}

func TestGossip_UnreachableSeed(t *testing.T) {
	cfg, err := GossipConfigFromURI(mustURL(t, "gossip://127.0.0.1:1?bind=127.0.0.1:0"))
	require.NoError(t, err)
	g := NewGossip(cfg, testTelemetry())
	g.SetListener(newRecorder())
	require.ErrorIs(t, g.Start(context.Background()), ErrJoinCluster)
	require.NoError(t, g.Close())
}
