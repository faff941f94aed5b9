package discovery

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/raskyld/relais"
)

// Static reports a fixed list of services, e.g.
// `static:(tcp://a:61616,tcp://b:61616)`.
type Static struct {
	reg      *registry
	services []*url.URL
	started  atomic.Bool
	closed   atomic.Bool
}

func NewStatic(uri *url.URL, tel relais.Telemetry) (*Static, error) {
	comp, err := relais.ParseCompositeURI(uri.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", relais.ErrAgentConfig, err)
	}
	if len(comp.Components) == 0 {
		return nil, fmt.Errorf("%w: static agent without services", relais.ErrAgentConfig)
	}
	for _, svc := range comp.Components {
		if svc.Host == "" && svc.Opaque == "" {
			return nil, fmt.Errorf("%w: %q has no address", relais.ErrAgentConfig, svc)
		}
	}
	return &Static{
		reg:      newRegistry("static", tel),
		services: comp.Components,
	}, nil
}

func (st *Static) SetListener(lst relais.DiscoveryListener) {
	st.reg.setListener(lst)
}

func (st *Static) Start(context.Context) error {
	if st.closed.Load() {
		return relais.ErrAgentClosed
	}
	if !st.started.CompareAndSwap(false, true) {
		return nil
	}
	now := time.Now()
	for _, svc := range st.services {
		st.reg.seen(svc, now)
	}
	return nil
}

func (st *Static) Close() error {
	st.closed.Store(true)
	return nil
}

func (st *Static) Suspend() { st.reg.suspend() }
func (st *Static) Resume()  { st.reg.resume() }

var _ relais.DiscoveryAgent = (*Static)(nil)

func init() {
	relais.RegisterAgent("static", func(uri *url.URL, tel relais.Telemetry) (relais.DiscoveryAgent, error) {
		return NewStatic(uri, tel)
	})
}
