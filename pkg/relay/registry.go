package relay

import (
	"sync"

	wsrshare "github.com/sammck-go/wsrelay/share"
)

// Registry is the only state shared between Sessions. It maps each side's
// connection key to the Session that owns it. Every mutation is atomic with
// respect to both maps, so a Session is never reachable from its outbound key
// after it stops being reachable from its inbound key.
type Registry struct {
	logger wsrshare.Logger

	lock       sync.RWMutex
	byInbound  map[InboundKey]*Session
	byOutbound map[OutboundKey]*Session
	closed     bool

	stats wsrshare.ConnStats
}

// NewRegistry creates an empty Registry
func NewRegistry(logger wsrshare.Logger) *Registry {
	return &Registry{
		logger:     logger.Fork("registry"),
		byInbound:  make(map[InboundKey]*Session),
		byOutbound: make(map[OutboundKey]*Session),
	}
}

// add inserts a Session under its inbound key. It fails once the registry is closed.
func (r *Registry) add(s *Session) error {
	key := s.inbound.Key()
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.closed {
		return ErrServerClosing
	}
	if _, ok := r.byInbound[key]; ok {
		r.logger.Panicf("inbound key %d registered twice", key)
	}
	r.byInbound[key] = s
	r.stats.New()
	r.stats.Open()
	r.logger.TLogf("%s added %s", &r.stats, s)
	return nil
}

// bindOutbound inserts the outbound key of a Session that is still registered.
// It reports false if the Session has already been removed.
func (r *Registry) bindOutbound(s *Session, out OutboundConn) bool {
	key := out.Key()
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.byInbound[s.inbound.Key()] != s {
		return false
	}
	if _, ok := r.byOutbound[key]; ok {
		r.logger.Panicf("outbound key %d registered twice", key)
	}
	r.byOutbound[key] = s
	return true
}

// remove deletes both keys of a Session. It reports whether the Session was
// registered; removing twice is a no-op.
func (r *Registry) remove(s *Session, out *OutboundConn) bool {
	r.lock.Lock()
	defer r.lock.Unlock()
	key := s.inbound.Key()
	if r.byInbound[key] != s {
		return false
	}
	delete(r.byInbound, key)
	if out != nil && r.byOutbound[out.Key()] == s {
		delete(r.byOutbound, out.Key())
	}
	r.stats.Close()
	r.logger.TLogf("%s removed %s", &r.stats, s)
	return true
}

// LookupInbound resolves the Session owning an inbound connection
func (r *Registry) LookupInbound(key InboundKey) (*Session, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	s, ok := r.byInbound[key]
	return s, ok
}

// LookupOutbound resolves the Session owning an outbound connection
func (r *Registry) LookupOutbound(key OutboundKey) (*Session, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	s, ok := r.byOutbound[key]
	return s, ok
}

// Len returns the number of live Sessions
func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.byInbound)
}

// NumOutbound returns the number of live Sessions that have an upstream connection
func (r *Registry) NumOutbound() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.byOutbound)
}

// Sessions returns a snapshot of the live Sessions
func (r *Registry) Sessions() []*Session {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]*Session, 0, len(r.byInbound))
	for _, s := range r.byInbound {
		result = append(result, s)
	}
	return result
}

// Close stops the registry from accepting new Sessions and returns the Sessions
// that were live at that moment
func (r *Registry) Close() []*Session {
	r.lock.Lock()
	r.closed = true
	r.lock.Unlock()
	return r.Sessions()
}

// Stats returns the open/total Session counters
func (r *Registry) Stats() *wsrshare.ConnStats {
	return &r.stats
}
