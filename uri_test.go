package relais

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseCompositeURI(t *testing.T) {
	comp, err := ParseCompositeURI("FAILOVER:(tcp://a:61616?x=1, ssl://b:61617,discovery:(static:(tcp://c:1,tcp://d:2)))?failover.randomize=false")
	require.NoError(t, err)
	require.Equal(t, "failover", comp.Scheme)
	require.Len(t, comp.Components, 3)
	require.Equal(t, "tcp://a:61616?x=1", comp.Components[0].String())
	require.Equal(t, "ssl", comp.Components[1].Scheme)
	require.Equal(t, "discovery:(static:(tcp://c:1,tcp://d:2))", comp.Components[2].String())
	require.Equal(t, "false", comp.Params.Get("failover.randomize"))

	single, err := ParseCompositeURI("failover:tcp://a:61616?wireFormat.version=2")
	require.NoError(t, err)
	require.Len(t, single.Components, 1)
	require.Equal(t, "2", single.Components[0].Query().Get("wireFormat.version"))
	require.Empty(t, single.Params)

	for _, raw := range []string{"no-scheme", "failover:(tcp://a:1", "failover:(tcp://a:1)?%zz"} {
		_, err := ParseCompositeURI(raw)
		require.ErrorIs(t, err, ErrInvalidURI, raw)
	}
}

func TestCompositeURI_String(t *testing.T) {
	comp, err := ParseCompositeURI("failover:(tcp://a:1,tcp://b:2)?failover.maxReconnectAttempts=3")
	require.NoError(t, err)
	require.Equal(t, "failover:(tcp://a:1,tcp://b:2)?failover.maxReconnectAttempts=3", comp.String())
}

func TestFilterAndApplyParameters(t *testing.T) {
	params := url.Values{
		"failover.randomize":        {"true"},
		"failover.nested.trace":     {"1"},
		"discovered.connectTimeout": {"5s"},
	}
	matched, rest := FilterOptions(params, "failover.")
	require.Equal(t, url.Values{"randomize": {"true"}, "nested.trace": {"1"}}, matched)
	require.Equal(t, url.Values{"discovered.connectTimeout": {"5s"}}, rest)

	u, err := ParseURI("tcp://a:61616?trace=0")
	require.NoError(t, err)
	applied := ApplyParameters(u, url.Values{"trace": {"1"}, "keepAlive": {"true"}})
	require.Equal(t, "0", applied.Query().Get("trace"))
	require.Equal(t, "true", applied.Query().Get("keepAlive"))
	require.Equal(t, "trace=0", u.RawQuery)
}

func TestNormalizeURI(t *testing.T) {
	for raw, want := range map[string]string{
		"TCP://Broker:61616/?trace=1": "tcp://broker:61616",
		"tcp://broker:61616#frag":     "tcp://broker:61616",
		"static:(tcp://a:1)":          "static:(tcp://a:1)",
	} {
		u, err := ParseURI(raw)
		require.NoError(t, err)
		require.Equal(t, want, NormalizeURI(u), raw)
	}
	require.Empty(t, NormalizeURI(nil))
}

func TestOptions(t *testing.T) {
	opts := NewOptions(url.Values{
		"name":    {"first", "last"},
		"count":   {"12"},
		"ratio":   {"1.5"},
		"enabled": {"true"},
		"delay":   {"250"},
		"timeout": {"1.5s"},
		"broken":  {"yes please"},
		"extra":   {"1"},
	})
	require.Equal(t, "last", opts.String("name", ""))
	require.Equal(t, 12, opts.Int("count", 0))
	require.Equal(t, 1.5, opts.Float("ratio", 0))
	require.True(t, opts.Bool("enabled", false))
	require.Equal(t, 250*time.Millisecond, opts.Duration("delay", 0))
	require.Equal(t, 1500*time.Millisecond, opts.Duration("timeout", 0))
	require.Equal(t, 7, opts.Int("missing", 7))
	require.NoError(t, opts.Err())

	require.False(t, opts.Bool("broken", false))
	require.ErrorIs(t, opts.Err(), ErrInvalidCfg)
	require.Equal(t, []string{"extra"}, opts.Unused())
}
