package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// bareSession is enough of a Session for the Registry, which only reads keys
func bareSession() *Session {
	s := &Session{
		id:      allocSessionID(),
		inbound: InboundConn{&Conn{id: allocConnID(), role: RoleInbound}},
	}
	s.strname = "bare"
	return s
}

func bareOutbound() OutboundConn {
	return OutboundConn{&Conn{id: allocConnID(), role: RoleOutbound}}
}

func TestRegistryAddBindRemove(t *testing.T) {
	r := NewRegistry(testLogger())
	s := bareSession()
	out := bareOutbound()

	require.NoError(t, r.add(s))
	got, ok := r.LookupInbound(s.inbound.Key())
	require.True(t, ok)
	assert.Same(t, s, got)
	_, ok = r.LookupOutbound(out.Key())
	assert.False(t, ok)

	require.True(t, r.bindOutbound(s, out))
	got, ok = r.LookupOutbound(out.Key())
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, r.NumOutbound())

	assert.True(t, r.remove(s, &out))
	_, ok = r.LookupInbound(s.inbound.Key())
	assert.False(t, ok)
	_, ok = r.LookupOutbound(out.Key())
	assert.False(t, ok)

	assert.False(t, r.remove(s, &out))
	assert.False(t, r.bindOutbound(s, bareOutbound()))
	assert.Equal(t, 0, r.NumOutbound())
	assert.Equal(t, int32(0), r.Stats().NumOpen())
	assert.Equal(t, int32(1), r.Stats().NumTotal())
}

func TestRegistryKeysAreTyped(t *testing.T) {
	r := NewRegistry(testLogger())
	s := bareSession()
	require.NoError(t, r.add(s))

	// an outbound lookup with the numeric value of an inbound key finds nothing
	_, ok := r.LookupOutbound(OutboundKey(s.inbound.Key()))
	assert.False(t, ok)
}

func TestRegistryClosedRejectsAdd(t *testing.T) {
	r := NewRegistry(testLogger())
	live := bareSession()
	require.NoError(t, r.add(live))

	sessions := r.Close()
	require.Len(t, sessions, 1)
	assert.Same(t, live, sessions[0])

	assert.ErrorIs(t, r.add(bareSession()), ErrServerClosing)
	assert.True(t, r.remove(live, nil))
}

func TestRegistryConcurrentMutation(t *testing.T) {
	r := NewRegistry(testLogger())
	var g errgroup.Group
	for i := 0; i < 100; i++ {
		g.Go(func() error {
			s := bareSession()
			out := bareOutbound()
			if err := r.add(s); err != nil {
				return err
			}
			if !r.bindOutbound(s, out) {
				t.Errorf("bind failed for live session")
			}
			if got, ok := r.LookupOutbound(out.Key()); !ok || got != s {
				t.Errorf("outbound key resolved to the wrong session")
			}
			r.remove(s, &out)
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, r.NumOutbound())
	assert.Equal(t, int32(100), r.Stats().NumTotal())
}

func TestForwarderUnknownCorrelation(t *testing.T) {
	r := NewRegistry(testLogger())
	f := NewForwarder(testLogger(), r)
	m := Message{Type: 1, Data: []byte("stray")}

	assert.ErrorIs(t, f.FromInbound(InboundKey(1<<40), m), ErrUnknownCorrelation)
	assert.ErrorIs(t, f.FromOutbound(OutboundKey(1<<40), m), ErrUnknownCorrelation)

	assert.NotPanics(t, func() {
		f.InboundFailed(InboundKey(1<<40), nil)
		f.OutboundFailed(OutboundKey(1<<40), nil)
	})
}
