package relais

import (
	"fmt"
	"iter"
	"slices"
	"time"
)

// Resource is a handshake-backed protocol entity tracked by a `Lifecycle`.
type Resource struct {
	Info     *ResourceInfo
	Endpoint Endpoint

	state        ResourceState
	hooks        resourceHooks
	openResult   *AsyncResult[*ResourceInfo]
	closeResult  *AsyncResult[struct{}]
	closingSince time.Time
}

// State returns the lifecycle state. Only meaningful on the I/O goroutine.
func (r *Resource) State() ResourceState {
	return r.state
}

// resourceHooks carries what differs between kinds of resources.
type resourceHooks interface {
	// configure prepares the endpoint before the local open is emitted.
	configure(r *Resource)
	// opened runs when the remote acknowledged the open.
	opened(r *Resource)
}

func hooksFor(kind ResourceKind) resourceHooks {
	switch kind {
	case KindConsumer, KindProducer:
		return linkHooks{}
	case KindTemporaryDestination:
		return temporaryDestinationHooks{}
	default:
		return noopHooks{}
	}
}

type noopHooks struct{}

func (noopHooks) configure(*Resource) {}
func (noopHooks) opened(*Resource)    {}

type linkHooks struct{}

func (linkHooks) configure(r *Resource) {
	link, ok := r.Endpoint.(LinkEndpoint)
	if !ok {
		return
	}
	if r.Info.Destination != nil {
		link.SetAddress(r.Info.Destination.Address())
	}
	if r.Info.Kind == KindConsumer {
		link.SetSettleMode(r.Info.SettleMode)
	} else {
		// producers always wait for the broker to settle.
		link.SetSettleMode(SettleOnAck)
	}
}

func (linkHooks) opened(*Resource) {}

type temporaryDestinationHooks struct{}

func (temporaryDestinationHooks) configure(r *Resource) {
	link, ok := r.Endpoint.(LinkEndpoint)
	if !ok {
		return
	}
	link.SetDynamic(true)
	link.SetAddress("")
}

// opened replaces the requested name with the broker-assigned address.
func (temporaryDestinationHooks) opened(r *Resource) {
	link, ok := r.Endpoint.(LinkEndpoint)
	if !ok {
		return
	}
	assigned := link.RemoteAddress()
	if assigned == "" {
		return
	}
	if parsed, err := ParseAddress(assigned); err == nil {
		assigned = parsed.Name
	}
	r.Info.Destination.Name = assigned
}

// Lifecycle drives the open/close state machine of every resource of one
// connection.
//
// It is NOT thread-safe: it MUST only be used from the single I/O goroutine
// of the connection, which is also the only goroutine completing the
// futures it holds.
type Lifecycle struct {
	tel          Telemetry
	closeTimeout time.Duration
	now          func() time.Time

	index        *Tree[*Resource]
	pendingOpen  []*Resource
	pendingClose []*Resource
	touched      map[ResourceID]struct{}
	failure      error
}

// NewLifecycle returns a Lifecycle. A zero `closeTimeout` waits for the
// remote close acknowledgement forever.
func NewLifecycle(tel Telemetry, closeTimeout time.Duration) *Lifecycle {
	return &Lifecycle{
		tel:          tel,
		closeTimeout: closeTimeout,
		now:          time.Now,
		index:        NewTree[*Resource](),
		touched:      make(map[ResourceID]struct{}),
	}
}

// Open registers the resource, configures its endpoint, emits the local open
// and queues it until the remote acknowledges. It never blocks.
//
// When an error is returned, `result` has been failed with it.
func (lc *Lifecycle) Open(info *ResourceInfo, ep Endpoint, result *AsyncResult[*ResourceInfo]) (*Resource, error) {
	if result == nil {
		result = NewAsyncResult[*ResourceInfo]()
	}
	if err := lc.checkOpen(info, ep); err != nil {
		result.Fail(err)
		return nil, err
	}

	r := &Resource{
		Info:       info,
		Endpoint:   ep,
		state:      StateOpening,
		hooks:      hooksFor(info.Kind),
		openResult: result,
	}
	r.hooks.configure(r)
	lc.index.Insert(string(info.ID), r)
	ep.Open()
	lc.pendingOpen = append(lc.pendingOpen, r)
	lc.tel.Log().Debug(
		"resource opening",
		LabelResourceID.L(info.ID),
		LabelResourceKind.L(info.Kind.String()),
	)
	return r, nil
}

func (lc *Lifecycle) checkOpen(info *ResourceInfo, ep Endpoint) error {
	if lc.failure != nil {
		return lc.failure
	}
	if err := info.Validate(); err != nil {
		return err
	}
	if ep == nil {
		return fmt.Errorf("%w: no endpoint for %s", ErrInvalidResource, info.ID)
	}
	if _, exists := lc.index.Get(string(info.ID)); exists {
		return fmt.Errorf("%w: %s", ErrResourceExists, info.ID)
	}
	if parentID := info.ID.Parent(); parentID != "" {
		parent, ok := lc.index.Get(string(parentID))
		if !ok {
			return fmt.Errorf("%w: parent %s of %s", ErrNoSuchResource, parentID, info.ID)
		}
		if parent.state != StateOpening && parent.state != StateOpened {
			return fmt.Errorf("%w: parent %s is %s", ErrResourceState, parentID, parent.state)
		}
	}
	return nil
}

// Close closes the resource after its descendants, deepest first. The
// result completes once the remote acknowledged, or once the close timeout
// elapsed.
func (lc *Lifecycle) Close(id ResourceID, result *AsyncResult[struct{}]) error {
	if result == nil {
		result = NewAsyncResult[struct{}]()
	}
	r, ok := lc.index.Get(string(id))
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNoSuchResource, id)
		result.Fail(err)
		return err
	}
	if r.state == StateClosing {
		Chain(r.closeResult, result, func(v struct{}) struct{} { return v })
		return nil
	}

	for _, child := range lc.Children(id) {
		if child.state == StateClosing {
			continue
		}
		lc.closeLocal(child, NewAsyncResult[struct{}]())
	}
	lc.closeLocal(r, result)
	return nil
}

func (lc *Lifecycle) closeLocal(r *Resource, result *AsyncResult[struct{}]) {
	if r.state == StateOpening {
		lc.pendingOpen = slices.DeleteFunc(lc.pendingOpen, func(o *Resource) bool { return o == r })
		r.openResult.Fail(fmt.Errorf("%w: %s closed before it was opened", ErrResourceState, r.Info.ID))
	}
	r.state = StateClosing
	r.closeResult = result
	r.closingSince = lc.now()
	r.Endpoint.Close()
	lc.pendingClose = append(lc.pendingClose, r)
	lc.tel.Log().Debug(
		"resource closing",
		LabelResourceID.L(r.Info.ID),
		LabelResourceKind.L(r.Info.Kind.String()),
	)
}

// Children returns the descendants of `id`, deepest first.
func (lc *Lifecycle) Children(id ResourceID) []*Resource {
	var found []*Resource
	for _, r := range lc.index.WalkPrefix(id.childPrefix()) {
		found = append(found, r)
	}
	slices.SortStableFunc(found, func(a, b *Resource) int {
		return b.Info.ID.Depth() - a.Info.ID.Depth()
	})
	return found
}

func (lc *Lifecycle) hasChildren(id ResourceID) bool {
	for range lc.index.WalkPrefix(id.childPrefix()) {
		return true
	}
	return false
}

// Touch flags an opened resource whose remote state changed outside of a
// pending handshake, so the next `Update` inspects it.
func (lc *Lifecycle) Touch(id ResourceID) {
	lc.touched[id] = struct{}{}
}

// Update is the engine tick. It completes the handshakes which the remote
// acknowledged since the last tick and returns the opened resources the
// remote closed on its own.
func (lc *Lifecycle) Update() (remotelyClosed []*Resource) {
	now := lc.now()

	opening := lc.pendingOpen
	lc.pendingOpen = nil
	for _, r := range opening {
		if r.state != StateOpening {
			continue
		}
		switch r.Endpoint.RemoteState() {
		case EndpointActive:
			if err := r.Endpoint.RemoteError(); err != nil {
				lc.fail(r, err)
				continue
			}
			r.hooks.opened(r)
			r.state = StateOpened
			lc.tel.Incr(MetricResourceOpened, LabelResourceKind.M(r.Info.Kind.String()))
			lc.tel.Log().Debug("resource opened", LabelResourceID.L(r.Info.ID))
			r.openResult.Succeed(r.Info)
		case EndpointClosed:
			lc.fail(r, r.Endpoint.RemoteError())
		default:
			lc.pendingOpen = append(lc.pendingOpen, r)
		}
	}

	closing := lc.pendingClose
	lc.pendingClose = nil
	for _, r := range closing {
		if lc.hasChildren(r.Info.ID) {
			lc.pendingClose = append(lc.pendingClose, r)
			continue
		}
		acked := r.Endpoint.RemoteState() == EndpointClosed
		expired := lc.closeTimeout > 0 && now.Sub(r.closingSince) >= lc.closeTimeout
		if !acked && !expired {
			lc.pendingClose = append(lc.pendingClose, r)
			continue
		}
		if expired && !acked {
			lc.tel.Incr(MetricResourceCloseExpire, LabelResourceKind.M(r.Info.Kind.String()))
			lc.tel.Log().Warn(
				"remote did not acknowledge close in time",
				LabelResourceID.L(r.Info.ID),
				LabelDuration.L(lc.closeTimeout),
			)
		}
		r.state = StateClosed
		lc.index.Delete(string(r.Info.ID))
		lc.tel.Incr(MetricResourceClosed, LabelResourceKind.M(r.Info.Kind.String()))
		r.closeResult.Succeed(struct{}{})
	}

	for id := range lc.touched {
		delete(lc.touched, id)
		r, ok := lc.index.Get(string(id))
		if !ok || r.state != StateOpened {
			continue
		}
		if r.Endpoint.RemoteState() != EndpointClosed {
			continue
		}
		err := r.Endpoint.RemoteError()
		if err == nil {
			err = ErrRemoteClosed
		}
		lc.tel.Log().Warn("resource closed by remote", LabelResourceID.L(id), LabelError.L(err))
		for _, child := range lc.Children(id) {
			if child.state == StateOpened {
				child.state = StateClosed
				lc.index.Delete(string(child.Info.ID))
				remotelyClosed = append(remotelyClosed, child)
				continue
			}
			// opening children fail, closing ones are done.
			lc.abandon(child, err)
		}
		r.state = StateClosed
		lc.index.Delete(string(id))
		remotelyClosed = append(remotelyClosed, r)
	}
	return remotelyClosed
}

// fail moves a resource which never reached Opened to Failed. Its
// descendants share its fate.
func (lc *Lifecycle) fail(r *Resource, cause error) {
	if cause == nil {
		cause = NewProtocolError("refused", fmt.Sprintf("remote refused %s %s", r.Info.Kind, r.Info.ID))
	}
	for _, child := range lc.Children(r.Info.ID) {
		lc.abandon(child, cause)
	}
	lc.abandon(r, cause)
	lc.tel.Incr(MetricResourceFailed, LabelResourceKind.M(r.Info.Kind.String()))
	lc.tel.Log().Warn(
		"resource refused by remote",
		LabelResourceID.L(r.Info.ID),
		LabelResourceKind.L(r.Info.Kind.String()),
		LabelError.L(cause),
	)
}

func (lc *Lifecycle) abandon(r *Resource, cause error) {
	wasClosing := r.state == StateClosing
	r.state = StateFailed
	lc.index.Delete(string(r.Info.ID))
	lc.pendingOpen = slices.DeleteFunc(lc.pendingOpen, func(o *Resource) bool { return o == r })
	lc.pendingClose = slices.DeleteFunc(lc.pendingClose, func(o *Resource) bool { return o == r })
	r.openResult.Fail(cause)
	if wasClosing && r.closeResult != nil {
		r.closeResult.Succeed(struct{}{})
	}
}

// FailAll tears the state machine down after a connection loss. Pending
// opens fail with `cause`, pending closes succeed since nothing is left to
// close, and further opens are refused.
func (lc *Lifecycle) FailAll(cause error) {
	if cause == nil {
		cause = ErrConnectionLost
	}
	if lc.failure == nil {
		lc.failure = cause
	}
	for _, r := range lc.index.Walk() {
		switch r.state {
		case StateOpening:
			r.openResult.Fail(cause)
		case StateClosing:
			r.closeResult.Succeed(struct{}{})
		}
		r.state = StateClosed
		lc.index.Delete(string(r.Info.ID))
	}
	lc.pendingOpen = nil
	lc.pendingClose = nil
	clear(lc.touched)
}

// Lookup returns the resource registered under `id`.
func (lc *Lifecycle) Lookup(id ResourceID) (*Resource, bool) {
	return lc.index.Get(string(id))
}

// Resources iterates over every tracked resource, parents before children.
func (lc *Lifecycle) Resources() iter.Seq[*Resource] {
	return func(yield func(*Resource) bool) {
		for _, r := range lc.index.Walk() {
			if !yield(r) {
				return
			}
		}
	}
}

// Len returns how many resources are tracked.
func (lc *Lifecycle) Len() int {
	return lc.index.Len()
}

// Pending returns how many handshakes are in flight.
func (lc *Lifecycle) Pending() (opening, closing int) {
	return len(lc.pendingOpen), len(lc.pendingClose)
}

// Failure is the cause `FailAll` was called with, nil otherwise.
func (lc *Lifecycle) Failure() error {
	return lc.failure
}
