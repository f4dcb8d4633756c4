package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubHandle struct {
	id     string
	closed atomic.Int32
}

func (h *stubHandle) ID() string   { return h.id }
func (h *stubHandle) Close() error { h.closed.Add(1); return nil }

type stubTransport struct {
	stubHandle
}

func (t *stubTransport) Parameters() domain.TransportParameters { return domain.TransportParameters{} }
func (t *stubTransport) Connect(context.Context, domain.DtlsParameters) error {
	return nil
}
func (t *stubTransport) Produce(context.Context, domain.MediaKind, domain.RtpParameters) (ports.ProducerHandle, error) {
	return nil, nil
}
func (t *stubTransport) Consume(context.Context, string, domain.RtpCapabilities, bool) (ports.ConsumerHandle, error) {
	return nil, nil
}
func (t *stubTransport) OnStateChange(func(domain.TransportState)) {}

type stubProducer struct {
	stubHandle
	kind domain.MediaKind
}

func (p *stubProducer) Kind() domain.MediaKind     { return p.kind }
func (p *stubProducer) WriteRTP(*rtp.Packet) error { return nil }
func (p *stubProducer) RTCP() <-chan []rtcp.Packet { return nil }

type stubConsumer struct {
	stubHandle
	kind domain.MediaKind
}

func (c *stubConsumer) Kind() domain.MediaKind              { return c.kind }
func (c *stubConsumer) RtpParameters() domain.RtpParameters { return domain.RtpParameters{} }
func (c *stubConsumer) Resume(context.Context) error        { return nil }
func (c *stubConsumer) Pause(context.Context) error         { return nil }
func (c *stubConsumer) SetSink(func(*rtp.Packet) error)     {}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (s *recordingSink) Publish(_ context.Context, ev domain.SessionEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) ofType(t domain.SessionEventType) []domain.SessionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SessionEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func sequentialIDs() func(string) string {
	var n int
	return func(prefix string) string {
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

func newTestRegistry() (*SessionRegistry, *recordingSink) {
	sink := &recordingSink{}
	return NewSessionRegistry(WithEventSink(sink), WithIDGenerator(sequentialIDs())), sink
}

// connectedTransport registers a transport and marks it connected.
func connectedTransport(t *testing.T, r *SessionRegistry, room domain.RoomID, peer domain.PeerID, role domain.TransportRole) (domain.TransportID, *stubTransport) {
	t.Helper()
	h := &stubTransport{}
	id, err := r.RegisterTransport(room, peer, role, h)
	require.NoError(t, err)
	require.NoError(t, r.SetTransportState(context.Background(), id, domain.TransportConnected))
	return id, h
}

func TestSessionRegistry_RegisterTransport(t *testing.T) {
	r, _ := newTestRegistry()

	id, err := r.RegisterTransport("room", "p1", domain.RoleSend, &stubTransport{})
	require.NoError(t, err)

	tr, err := r.GetTransport(id)
	require.NoError(t, err)
	assert.Equal(t, domain.TransportNew, tr.State)
	assert.Equal(t, domain.PeerID("p1"), tr.PeerID)
	assert.Equal(t, domain.RoleSend, tr.Role)

	_, err = r.RegisterTransport("room", "p1", domain.RoleSend, &stubTransport{})
	assert.ErrorIs(t, err, domain.ErrDuplicateRole)

	_, err = r.RegisterTransport("room", "p1", domain.RoleRecv, &stubTransport{})
	assert.NoError(t, err)

	_, err = r.RegisterTransport("room", "p1", "sideways", &stubTransport{})
	assert.ErrorIs(t, err, domain.ErrTransportRole)
}

func TestSessionRegistry_RegisterTransport_RoleFreedAfterClose(t *testing.T) {
	r, _ := newTestRegistry()

	id, err := r.RegisterTransport("room", "p1", domain.RoleSend, &stubTransport{})
	require.NoError(t, err)
	require.NoError(t, r.CloseTransport(context.Background(), id))

	id2, err := r.RegisterTransport("room", "p1", domain.RoleSend, &stubTransport{})
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestSessionRegistry_GetTransport_NotFound(t *testing.T) {
	r, _ := newTestRegistry()

	_, err := r.GetTransport("missing")
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestSessionRegistry_RegisterProducer_Preconditions(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	_, err := r.RegisterProducer("missing", domain.MediaKindVideo, &stubProducer{})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	sendID, err := r.RegisterTransport("room", "p1", domain.RoleSend, &stubTransport{})
	require.NoError(t, err)

	_, err = r.RegisterProducer(sendID, domain.MediaKindVideo, &stubProducer{})
	assert.ErrorIs(t, err, domain.ErrTransportNotConnected)
	assert.Empty(t, r.Producers("room"))

	require.NoError(t, r.SetTransportState(ctx, sendID, domain.TransportConnecting))
	_, err = r.RegisterProducer(sendID, domain.MediaKindVideo, &stubProducer{})
	assert.ErrorIs(t, err, domain.ErrTransportNotConnected)

	recvID, _ := connectedTransport(t, r, "room", "p1", domain.RoleRecv)
	_, err = r.RegisterProducer(recvID, domain.MediaKindVideo, &stubProducer{})
	assert.ErrorIs(t, err, domain.ErrTransportRole)

	_, err = r.RegisterProducer(sendID, "text", &stubProducer{})
	assert.Error(t, err)
}

func TestSessionRegistry_CurrentProducer_LastWins(t *testing.T) {
	r, sink := newTestRegistry()
	ctx := context.Background()

	t1, _ := connectedTransport(t, r, "room", "p1", domain.RoleSend)
	t2, _ := connectedTransport(t, r, "room", "p2", domain.RoleSend)

	_, err := r.CurrentProducer("room", domain.MediaKindVideo)
	assert.ErrorIs(t, err, domain.ErrNoProducer)

	first, err := r.RegisterProducer(t1, domain.MediaKindVideo, &stubProducer{kind: domain.MediaKindVideo})
	require.NoError(t, err)
	second, err := r.RegisterProducer(t2, domain.MediaKindVideo, &stubProducer{kind: domain.MediaKindVideo})
	require.NoError(t, err)
	audio, err := r.RegisterProducer(t1, domain.MediaKindAudio, &stubProducer{kind: domain.MediaKindAudio})
	require.NoError(t, err)

	cur, err := r.CurrentProducer("room", domain.MediaKindVideo)
	require.NoError(t, err)
	assert.Equal(t, second, cur.ID)

	latest, err := r.LatestProducer("room")
	require.NoError(t, err)
	assert.Equal(t, audio, latest.ID)

	// the replaced producer keeps running
	p, err := r.GetProducer(first)
	require.NoError(t, err)
	assert.Equal(t, domain.ProducerActive, p.State)

	require.NoError(t, r.CloseProducer(ctx, second))
	cur, err = r.CurrentProducer("room", domain.MediaKindVideo)
	require.NoError(t, err)
	assert.Equal(t, first, cur.ID)

	assert.Len(t, sink.ofType(domain.EventProducerAdded), 3)

	_, err = r.CurrentProducer("other-room", domain.MediaKindVideo)
	assert.ErrorIs(t, err, domain.ErrNoProducer)
}

func TestSessionRegistry_RegisterConsumer(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	send, _ := connectedTransport(t, r, "room", "p1", domain.RoleSend)
	prod, err := r.RegisterProducer(send, domain.MediaKindVideo, &stubProducer{})
	require.NoError(t, err)

	_, err = r.RegisterConsumer("missing", prod, &stubConsumer{})
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	recv, err := r.RegisterTransport("room", "p2", domain.RoleRecv, &stubTransport{})
	require.NoError(t, err)

	_, err = r.RegisterConsumer(recv, "missing", &stubConsumer{})
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	_, err = r.RegisterConsumer(recv, prod, &stubConsumer{})
	assert.ErrorIs(t, err, domain.ErrTransportNotConnected)

	_, err = r.RegisterConsumer(send, prod, &stubConsumer{})
	assert.ErrorIs(t, err, domain.ErrTransportRole)

	require.NoError(t, r.SetTransportState(ctx, recv, domain.TransportConnected))
	cid, err := r.RegisterConsumer(recv, prod, &stubConsumer{})
	require.NoError(t, err)

	c, err := r.GetConsumer(cid)
	require.NoError(t, err)
	assert.Equal(t, domain.ConsumerPaused, c.State)
	assert.Equal(t, prod, c.ProducerID)
	assert.Equal(t, domain.MediaKindVideo, c.Kind)

	require.NoError(t, r.SetConsumerState(cid, domain.ConsumerActive))
	c, _ = r.GetConsumer(cid)
	assert.Equal(t, domain.ConsumerActive, c.State)

	assert.Error(t, r.SetConsumerState(cid, domain.ConsumerClosed))

	require.NoError(t, r.CloseProducer(ctx, prod))
	_, err = r.RegisterConsumer(recv, prod, &stubConsumer{})
	assert.ErrorIs(t, err, domain.ErrProducerClosed)
}

func TestSessionRegistry_RegisterConsumer_OtherRoom(t *testing.T) {
	r, _ := newTestRegistry()

	send, _ := connectedTransport(t, r, "a", "p1", domain.RoleSend)
	prod, err := r.RegisterProducer(send, domain.MediaKindAudio, &stubProducer{})
	require.NoError(t, err)

	recv, _ := connectedTransport(t, r, "b", "p2", domain.RoleRecv)
	_, err = r.RegisterConsumer(recv, prod, &stubConsumer{})
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)
}

func TestSessionRegistry_CloseProducer_Cascade(t *testing.T) {
	r, sink := newTestRegistry()
	ctx := context.Background()

	send, _ := connectedTransport(t, r, "room", "p1", domain.RoleSend)
	ph := &stubProducer{kind: domain.MediaKindVideo}
	prod, err := r.RegisterProducer(send, domain.MediaKindVideo, ph)
	require.NoError(t, err)

	var consumers []domain.ConsumerID
	var handles []*stubConsumer
	for _, peer := range []domain.PeerID{"p2", "p3"} {
		recv, _ := connectedTransport(t, r, "room", peer, domain.RoleRecv)
		h := &stubConsumer{}
		cid, err := r.RegisterConsumer(recv, prod, h)
		require.NoError(t, err)
		consumers = append(consumers, cid)
		handles = append(handles, h)
	}

	require.NoError(t, r.CloseProducer(ctx, prod))

	assert.EqualValues(t, 1, ph.closed.Load())
	for i, cid := range consumers {
		_, err := r.GetConsumer(cid)
		assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
		assert.EqualValues(t, 1, handles[i].closed.Load())
	}

	closed := sink.ofType(domain.EventProducerClosed)
	require.Len(t, closed, 1)
	assert.Equal(t, prod, closed[0].ProducerID)
	assert.ElementsMatch(t, []domain.PeerID{"p2", "p3"}, closed[0].Recipients)
	assert.Len(t, sink.ofType(domain.EventConsumerClosed), 2)

	err = r.CloseProducer(ctx, prod)
	assert.ErrorIs(t, err, domain.ErrProducerClosed)
	assert.Empty(t, r.Producers("room"))
}

func TestSessionRegistry_CloseTransport_Cascade(t *testing.T) {
	r, sink := newTestRegistry()
	ctx := context.Background()

	send, sendHandle := connectedTransport(t, r, "room", "p1", domain.RoleSend)
	prod, err := r.RegisterProducer(send, domain.MediaKindVideo, &stubProducer{})
	require.NoError(t, err)

	// p1 also consumes its own producer and p2 consumes it remotely
	ownRecv, _ := connectedTransport(t, r, "room", "p1", domain.RoleRecv)
	ownCons, err := r.RegisterConsumer(ownRecv, prod, &stubConsumer{})
	require.NoError(t, err)

	remoteRecv, _ := connectedTransport(t, r, "room", "p2", domain.RoleRecv)
	remoteCons, err := r.RegisterConsumer(remoteRecv, prod, &stubConsumer{})
	require.NoError(t, err)

	require.NoError(t, r.CloseTransport(ctx, send))

	assert.EqualValues(t, 1, sendHandle.closed.Load())
	_, err = r.GetTransport(send)
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
	_, err = r.GetProducer(prod)
	assert.ErrorIs(t, err, domain.ErrProducerClosed)
	for _, cid := range []domain.ConsumerID{ownCons, remoteCons} {
		_, err = r.GetConsumer(cid)
		assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
	}

	// the remote receive transport itself survives
	tr, err := r.GetTransport(remoteRecv)
	require.NoError(t, err)
	assert.Equal(t, domain.TransportConnected, tr.State)

	states := sink.ofType(domain.EventTransportStateChanged)
	last := states[len(states)-1]
	assert.Equal(t, send, last.TransportID)
	assert.Equal(t, string(domain.TransportClosed), last.State)
	assert.Equal(t, []domain.PeerID{"p1"}, last.Recipients)
}

func TestSessionRegistry_SetTransportState_FailedCascades(t *testing.T) {
	r, sink := newTestRegistry()
	ctx := context.Background()

	send, _ := connectedTransport(t, r, "room", "p1", domain.RoleSend)
	prod, err := r.RegisterProducer(send, domain.MediaKindAudio, &stubProducer{})
	require.NoError(t, err)

	require.NoError(t, r.SetTransportState(ctx, send, domain.TransportFailed))

	_, err = r.GetProducer(prod)
	assert.ErrorIs(t, err, domain.ErrProducerClosed)

	states := sink.ofType(domain.EventTransportStateChanged)
	assert.Equal(t, string(domain.TransportFailed), states[len(states)-1].State)

	err = r.SetTransportState(ctx, send, domain.TransportConnected)
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
}

func TestSessionRegistry_SetTransportState_NoDuplicateEvents(t *testing.T) {
	r, sink := newTestRegistry()
	ctx := context.Background()

	id, err := r.RegisterTransport("room", "p1", domain.RoleSend, &stubTransport{})
	require.NoError(t, err)

	require.NoError(t, r.SetTransportState(ctx, id, domain.TransportConnected))
	require.NoError(t, r.SetTransportState(ctx, id, domain.TransportConnected))

	assert.Len(t, sink.ofType(domain.EventTransportStateChanged), 1)
}

func TestSessionRegistry_ClosePeer(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	send, _ := connectedTransport(t, r, "room", "p1", domain.RoleSend)
	recv, _ := connectedTransport(t, r, "room", "p1", domain.RoleRecv)
	prod, err := r.RegisterProducer(send, domain.MediaKindVideo, &stubProducer{})
	require.NoError(t, err)

	other, _ := connectedTransport(t, r, "room", "p2", domain.RoleRecv)
	cons, err := r.RegisterConsumer(other, prod, &stubConsumer{})
	require.NoError(t, err)

	require.NoError(t, r.ClosePeer(ctx, "p1"))

	for _, id := range []domain.TransportID{send, recv} {
		_, err := r.GetTransport(id)
		assert.ErrorIs(t, err, domain.ErrAlreadyClosed)
	}
	_, err = r.GetConsumer(cons)
	assert.ErrorIs(t, err, domain.ErrAlreadyClosed)

	stats, err := r.RoomStats("room")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Peers)
	assert.Equal(t, 1, stats.Transports)
	assert.Equal(t, 0, stats.Producers)
	assert.Equal(t, 0, stats.Consumers)

	require.NoError(t, r.ClosePeer(ctx, "p2"))
	assert.Empty(t, r.Rooms())

	// closing an unknown peer is a no-op
	assert.NoError(t, r.ClosePeer(ctx, "ghost"))
}

func TestSessionRegistry_RoomStats(t *testing.T) {
	r, _ := newTestRegistry()

	_, err := r.RoomStats("nope")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	send, _ := connectedTransport(t, r, "room", "p1", domain.RoleSend)
	prod, err := r.RegisterProducer(send, domain.MediaKindVideo, &stubProducer{})
	require.NoError(t, err)
	recv, _ := connectedTransport(t, r, "room", "p2", domain.RoleRecv)
	_, err = r.RegisterConsumer(recv, prod, &stubConsumer{})
	require.NoError(t, err)
	connectedTransport(t, r, "lobby", "p3", domain.RoleSend)

	stats, err := r.RoomStats("room")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Peers)
	assert.Equal(t, 2, stats.Transports)
	assert.Equal(t, 1, stats.Producers)
	assert.Equal(t, 1, stats.Consumers)

	assert.Equal(t, []domain.RoomID{"lobby", "room"}, r.Rooms())

	transports, producers, consumers := r.Counts()
	assert.Equal(t, 3, transports)
	assert.Equal(t, 1, producers)
	assert.Equal(t, 1, consumers)
}

func TestSessionRegistry_IDsNeverReused(t *testing.T) {
	r := NewSessionRegistry()
	seen := make(map[domain.TransportID]struct{})

	for i := 0; i < 50; i++ {
		id, err := r.RegisterTransport("room", "p1", domain.RoleSend, &stubTransport{})
		require.NoError(t, err)
		_, dup := seen[id]
		require.False(t, dup, "id %s reused", id)
		seen[id] = struct{}{}
		require.NoError(t, r.CloseTransport(context.Background(), id))
	}
}

func TestSessionRegistry_ConcurrentProduceAndClose(t *testing.T) {
	r, _ := newTestRegistry()
	ctx := context.Background()

	send, _ := connectedTransport(t, r, "room", "pub", domain.RoleSend)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			pid, err := r.RegisterProducer(send, domain.MediaKindVideo, &stubProducer{})
			if err != nil {
				return
			}
			recv, err := r.RegisterTransport("room", domain.PeerID(fmt.Sprintf("sub%d", i)), domain.RoleRecv, &stubTransport{})
			if err != nil {
				return
			}
			_ = r.SetTransportState(ctx, recv, domain.TransportConnected)
			_, _ = r.RegisterConsumer(recv, pid, &stubConsumer{})
			_ = r.CloseProducer(ctx, pid)
		}(i)
	}
	wg.Wait()

	assert.Empty(t, r.Producers("room"))
	_, producers, consumers := r.Counts()
	assert.Equal(t, 0, producers)
	assert.Equal(t, 0, consumers)
	_, err := r.CurrentProducer("room", domain.MediaKindVideo)
	assert.ErrorIs(t, err, domain.ErrNoProducer)
}

func TestEventFanout(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	fan := EventFanout{a, nil, b}

	ev := domain.SessionEvent{Type: domain.EventProducerClosed, RoomID: "r", ProducerID: "pr1"}
	fan.Publish(context.Background(), ev)

	assert.Equal(t, []domain.SessionEvent{ev}, a.ofType(domain.EventProducerClosed))
	assert.Equal(t, []domain.SessionEvent{ev}, b.ofType(domain.EventProducerClosed))
}
