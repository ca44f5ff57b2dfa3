package server

import (
	"fmt"
	"sync"
	"time"

	"cpgw/internal"
	"cpgw/metrics/counters"
	"cpgw/utility"
)

var ErrNoSession = utility.Err("no live session for charge point")

// staleness threshold as a multiple of the declared heartbeat interval
const staleFactor = 2.5

// Client is the per-identity aggregate: the live session, the charger state
// and the set of outstanding outbound calls, all guarded by one mutex so the
// registry invariants stay atomic without a global bottleneck.
type Client struct {
	id       string
	mux      sync.Mutex
	ws       *WebSocket
	lastSeen time.Time
	interval time.Duration
	protocol string
	pending  map[string]*PendingCall
	state    ChargerState
}

func newClient(id string, interval time.Duration) *Client {
	return &Client{
		id:       id,
		interval: interval,
		pending:  make(map[string]*PendingCall),
		state:    StateOffline,
	}
}

// socket returns the live connection, nil while the identity is offline.
func (c *Client) socket() *WebSocket {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.ws
}

func (c *Client) State() ChargerState {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.state
}

func (c *Client) addPending(call *PendingCall) error {
	c.mux.Lock()
	defer c.mux.Unlock()
	if c.ws == nil {
		return ErrNoSession
	}
	if _, ok := c.pending[call.UniqueId]; ok {
		return utility.Err(fmt.Sprintf("unique id %s is already outstanding", call.UniqueId))
	}
	c.pending[call.UniqueId] = call
	return nil
}

func (c *Client) removePending(uniqueId string) {
	c.mux.Lock()
	defer c.mux.Unlock()
	delete(c.pending, uniqueId)
}

// takePending removes and returns the matching call; nil when the reply does
// not correlate with anything outstanding.
func (c *Client) takePending(uniqueId string) *PendingCall {
	c.mux.Lock()
	defer c.mux.Unlock()
	call, ok := c.pending[uniqueId]
	if !ok {
		return nil
	}
	delete(c.pending, uniqueId)
	return call
}

// Registry owns the set of charge point records, keyed by identity. At most
// one live session exists per identity at any instant; a newer connection
// replaces the older one, which is closed abruptly.
type Registry struct {
	mux             sync.RWMutex
	clients         map[string]*Client
	logger          internal.LogHandler
	defaultInterval time.Duration
	stateListener   func(id string, state ChargerState)
}

func NewRegistry(logger internal.LogHandler, defaultInterval time.Duration) *Registry {
	return &Registry{
		clients:         make(map[string]*Client),
		logger:          logger,
		defaultInterval: defaultInterval,
	}
}

// SetStateListener registers the callback fired on every charger state
// change, including the transition to Offline on session removal.
func (r *Registry) SetStateListener(listener func(id string, state ChargerState)) {
	r.stateListener = listener
}

func (r *Registry) client(id string) *Client {
	r.mux.Lock()
	defer r.mux.Unlock()
	c, ok := r.clients[id]
	if !ok {
		c = newClient(id, r.defaultInterval)
		r.clients[id] = c
	}
	return c
}

func (r *Registry) lookup(id string) (*Client, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

// Admit registers a live connection for the identity. An existing session is
// replaced; the displaced socket is closed without a handshake so its reader
// fails over immediately. After Admit exactly one session exists for the id.
func (r *Registry) Admit(id string, ws *WebSocket) (replaced bool) {
	c := r.client(id)
	c.mux.Lock()
	old := c.ws
	c.ws = ws
	c.lastSeen = time.Now()
	c.protocol = ws.Protocol()
	c.mux.Unlock()
	if old != nil {
		replaced = true
		old.Close()
		r.logger.Warn(fmt.Sprintf("replaced live session for %s", id))
	}
	counters.ObserveConnections(r.countLive())
	return replaced
}

// Lookup returns the client if it currently holds a live connection.
func (r *Registry) Lookup(id string) (*Client, error) {
	c, ok := r.lookup(id)
	if !ok || c.socket() == nil {
		return nil, ErrNoSession
	}
	return c, nil
}

// Remove drops the session. A no-op when ws is no longer the registered
// connection, which guards against a stale disconnect callback racing with a
// newer Admit. All outstanding calls for the identity fail with
// ConnectionLost and the charger state falls back to Offline.
func (r *Registry) Remove(id string, ws *WebSocket) {
	c, ok := r.lookup(id)
	if !ok {
		return
	}
	c.mux.Lock()
	if c.ws != ws {
		c.mux.Unlock()
		return
	}
	c.ws = nil
	orphaned := c.pending
	c.pending = make(map[string]*PendingCall)
	changed := c.state != StateOffline
	c.state = StateOffline
	c.mux.Unlock()

	ws.Close()
	for _, call := range orphaned {
		call.resolve(CallOutcome{Kind: OutcomeConnectionLost})
	}
	if len(orphaned) > 0 {
		r.logger.Warn(fmt.Sprintf("failed %d pending calls for %s on disconnect", len(orphaned), id))
	}
	counters.ObserveConnections(r.countLive())
	if changed && r.stateListener != nil {
		r.stateListener(id, StateOffline)
	}
}

// Touch updates the liveness mark; called on any inbound traffic.
func (r *Registry) Touch(id string) {
	if c, ok := r.lookup(id); ok {
		c.mux.Lock()
		c.lastSeen = time.Now()
		c.mux.Unlock()
	}
}

// SetInterval records the heartbeat period the charge point was told to
// honor; the staleness sweep keys off it.
func (r *Registry) SetInterval(id string, interval time.Duration) {
	c := r.client(id)
	c.mux.Lock()
	c.interval = interval
	c.mux.Unlock()
}

func (r *Registry) State(id string) ChargerState {
	c, ok := r.lookup(id)
	if !ok {
		return StateOffline
	}
	return c.State()
}

func (r *Registry) SetState(id string, state ChargerState) {
	c := r.client(id)
	c.mux.Lock()
	changed := c.state != state
	c.state = state
	c.mux.Unlock()
	if changed && r.stateListener != nil {
		r.stateListener(id, state)
	}
}

// advance applies a guarded transition and reports whether it fired.
func (r *Registry) advance(id string, next func(ChargerState) (ChargerState, bool)) bool {
	c := r.client(id)
	c.mux.Lock()
	state, ok := next(c.state)
	changed := ok && state != c.state
	if ok {
		c.state = state
	}
	c.mux.Unlock()
	if changed && r.stateListener != nil {
		r.stateListener(id, state)
	}
	return ok
}

func (r *Registry) countLive() int {
	r.mux.RLock()
	defer r.mux.RUnlock()
	count := 0
	for _, c := range r.clients {
		if c.socket() != nil {
			count++
		}
	}
	return count
}

// Sweep removes sessions with no inbound traffic for longer than the
// configured multiple of their declared heartbeat interval.
func (r *Registry) Sweep(now time.Time) {
	type stale struct {
		id string
		ws *WebSocket
	}
	var victims []stale
	r.mux.RLock()
	for id, c := range r.clients {
		c.mux.Lock()
		if c.ws != nil && c.interval > 0 && now.Sub(c.lastSeen) > time.Duration(staleFactor*float64(c.interval)) {
			victims = append(victims, stale{id: id, ws: c.ws})
		}
		c.mux.Unlock()
	}
	r.mux.RUnlock()
	for _, v := range victims {
		r.logger.Warn(fmt.Sprintf("removing stale session for %s", v.id))
		r.Remove(v.id, v.ws)
	}
}

// StartSweeper runs the staleness sweep in the background.
func (r *Registry) StartSweeper(period time.Duration) {
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for range ticker.C {
			r.Sweep(time.Now())
		}
	}()
}
