package relais

import (
	"fmt"
	"math/rand"
	"net/url"
	"sync"
)

// candidatePool is the ordered, de-duplicated list of URIs failover picks
// from. Every mutation goes through its lock, whether it comes from the
// user, the remote or a discovery agent.
type candidatePool struct {
	lk        sync.Mutex
	uris      []*url.URL
	nested    url.Values
	randomize bool
	rng       *rand.Rand
	// next is the index a sequential pass starts from.
	next   int
	active string
}

func newCandidatePool(nested url.Values, randomize bool, rng *rand.Rand) *candidatePool {
	return &candidatePool{
		nested:    nested,
		randomize: randomize,
		rng:       rng,
	}
}

func (pool *candidatePool) indexOf(key string) int {
	for i, u := range pool.uris {
		if NormalizeURI(u) == key {
			return i
		}
	}
	return -1
}

// add appends the URIs not already present and returns how many were.
func (pool *candidatePool) add(uris ...*url.URL) int {
	pool.lk.Lock()
	defer pool.lk.Unlock()
	added := 0
	for _, u := range uris {
		if u == nil || pool.indexOf(NormalizeURI(u)) >= 0 {
			continue
		}
		cloned := *u
		pool.uris = append(pool.uris, &cloned)
		added++
	}
	return added
}

// remove drops `u`. The last candidate is never removed.
func (pool *candidatePool) remove(u *url.URL) (wasActive bool, err error) {
	pool.lk.Lock()
	defer pool.lk.Unlock()
	key := NormalizeURI(u)
	idx := pool.indexOf(key)
	if idx < 0 {
		return false, nil
	}
	if len(pool.uris) == 1 {
		return false, fmt.Errorf("%w: refusing to remove the last candidate %s", ErrNoCandidates, key)
	}
	pool.uris = append(pool.uris[:idx], pool.uris[idx+1:]...)
	if pool.next > idx {
		pool.next--
	}
	if pool.next >= len(pool.uris) {
		pool.next = 0
	}
	wasActive = key == pool.active
	if wasActive {
		pool.active = ""
	}
	return wasActive, nil
}

// pass returns the order of the next pass, with the nested options applied.
func (pool *candidatePool) pass() []*url.URL {
	pool.lk.Lock()
	defer pool.lk.Unlock()
	n := len(pool.uris)
	order := make([]*url.URL, 0, n)
	if pool.randomize && pool.rng != nil {
		for _, i := range pool.rng.Perm(n) {
			order = append(order, ApplyParameters(pool.uris[i], pool.nested))
		}
		return order
	}
	for i := 0; i < n; i++ {
		order = append(order, ApplyParameters(pool.uris[(pool.next+i)%n], pool.nested))
	}
	return order
}

// connected records `u` as active. The next sequential pass starts right
// after it.
func (pool *candidatePool) connected(u *url.URL) {
	pool.lk.Lock()
	defer pool.lk.Unlock()
	pool.active = NormalizeURI(u)
	if idx := pool.indexOf(pool.active); idx >= 0 && len(pool.uris) > 0 {
		pool.next = (idx + 1) % len(pool.uris)
	}
}

func (pool *candidatePool) isActive(u *url.URL) bool {
	pool.lk.Lock()
	defer pool.lk.Unlock()
	return pool.active != "" && pool.active == NormalizeURI(u)
}

func (pool *candidatePool) list() []*url.URL {
	pool.lk.Lock()
	defer pool.lk.Unlock()
	out := make([]*url.URL, len(pool.uris))
	for i, u := range pool.uris {
		cloned := *u
		out[i] = &cloned
	}
	return out
}

func (pool *candidatePool) len() int {
	pool.lk.Lock()
	defer pool.lk.Unlock()
	return len(pool.uris)
}
