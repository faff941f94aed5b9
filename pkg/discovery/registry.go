// Package discovery holds the agents feeding a `discovery:` provider with
// broker URIs. Importing it registers the `static`, `multicast` and
// `gossip` schemes.
package discovery

import (
	"net/url"
	"sync"
	"time"

	"github.com/raskyld/relais"
)

type service struct {
	uri      *url.URL
	lastSeen time.Time
}

// registry tracks the services an agent knows about and forwards changes
// to the listener unless suspended. On resume, the services still known
// are reported again.
type registry struct {
	tel    relais.Telemetry
	agent  string
	lk     sync.Mutex
	known  map[string]*service
	lst    relais.DiscoveryListener
	paused bool
}

func newRegistry(agent string, tel relais.Telemetry) *registry {
	return &registry{
		tel:   tel,
		agent: agent,
		known: make(map[string]*service),
	}
}

func (reg *registry) setListener(lst relais.DiscoveryListener) {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	reg.lst = lst
}

// seen records `uri` as alive and reports it if it is new.
func (reg *registry) seen(uri *url.URL, now time.Time) {
	key := relais.NormalizeURI(uri)
	reg.lk.Lock()
	svc, ok := reg.known[key]
	if ok {
		svc.lastSeen = now
		reg.lk.Unlock()
		return
	}
	reg.known[key] = &service{uri: uri, lastSeen: now}
	lst, paused := reg.lst, reg.paused
	reg.lk.Unlock()

	reg.tel.Log().Debug("service found", relais.LabelAgent.L(reg.agent), relais.LabelURI.L(key))
	if lst != nil && !paused {
		lst.OnServiceAdd(uri)
	}
}

// lost forgets `uri` and reports it if it was known.
func (reg *registry) lost(uri *url.URL) {
	key := relais.NormalizeURI(uri)
	reg.lk.Lock()
	svc, ok := reg.known[key]
	if !ok {
		reg.lk.Unlock()
		return
	}
	delete(reg.known, key)
	lst, paused := reg.lst, reg.paused
	reg.lk.Unlock()

	reg.tel.Log().Debug("service gone", relais.LabelAgent.L(reg.agent), relais.LabelURI.L(key))
	if lst != nil && !paused {
		lst.OnServiceRemove(svc.uri)
	}
}

// expire drops the services not seen since `deadline`.
func (reg *registry) expire(deadline time.Time) {
	var expired []*url.URL
	reg.lk.Lock()
	for _, svc := range reg.known {
		if svc.lastSeen.Before(deadline) {
			expired = append(expired, svc.uri)
		}
	}
	reg.lk.Unlock()
	for _, uri := range expired {
		reg.lost(uri)
	}
}

func (reg *registry) suspend() {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	reg.paused = true
}

func (reg *registry) resume() {
	reg.lk.Lock()
	if !reg.paused {
		reg.lk.Unlock()
		return
	}
	reg.paused = false
	lst := reg.lst
	uris := make([]*url.URL, 0, len(reg.known))
	for _, svc := range reg.known {
		uris = append(uris, svc.uri)
	}
	reg.lk.Unlock()

	if lst == nil {
		return
	}
	for _, uri := range uris {
		lst.OnServiceAdd(uri)
	}
}

func (reg *registry) size() int {
	reg.lk.Lock()
	defer reg.lk.Unlock()
	return len(reg.known)
}
