package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"sfusignal/internal/core/domain"
	"sfusignal/internal/core/ports"
	"sfusignal/pkg/utils"

	"go.uber.org/zap"
)

// tombstoneLimit bounds how many closed ids are remembered so that late
// requests get ErrAlreadyClosed instead of a plain not-found.
const tombstoneLimit = 4096

type transportEntry struct {
	rec       domain.Transport
	handle    ports.TransportHandle
	producers map[domain.ProducerID]struct{}
	consumers map[domain.ConsumerID]struct{}
}

type producerEntry struct {
	rec       domain.Producer
	handle    ports.ProducerHandle
	consumers map[domain.ConsumerID]struct{}
	seq       uint64
}

type consumerEntry struct {
	rec    domain.Consumer
	handle ports.ConsumerHandle
}

type roomEntry struct {
	id        domain.RoomID
	peers     map[domain.PeerID]map[domain.TransportRole]domain.TransportID
	producers map[domain.ProducerID]*producerEntry
	current   map[domain.MediaKind]domain.ProducerID
}

// pendingWork is collected while the lock is held and flushed afterwards.
type pendingWork struct {
	events  []domain.SessionEvent
	closers []func() error
}

// SessionRegistry is the single owner of transport, producer and consumer
// records. All methods are serialized through one mutex; engine handles are
// closed and events published only after the mutex is released.
type SessionRegistry struct {
	mu sync.Mutex

	rooms      map[domain.RoomID]*roomEntry
	transports map[domain.TransportID]*transportEntry
	producers  map[domain.ProducerID]*producerEntry
	consumers  map[domain.ConsumerID]*consumerEntry

	tombstones     map[string]struct{}
	tombstoneOrder []string

	seq   uint64
	sink  ports.EventSink
	newID func(prefix string) string
	now   func() time.Time

	logger *zap.SugaredLogger
}

type RegistryOption func(*SessionRegistry)

// WithIDGenerator overrides entity id generation.
func WithIDGenerator(fn func(prefix string) string) RegistryOption {
	return func(r *SessionRegistry) { r.newID = fn }
}

func WithEventSink(sink ports.EventSink) RegistryOption {
	return func(r *SessionRegistry) { r.sink = sink }
}

func WithRegistryLogger(logger *zap.SugaredLogger) RegistryOption {
	return func(r *SessionRegistry) { r.logger = logger }
}

func NewSessionRegistry(opts ...RegistryOption) *SessionRegistry {
	r := &SessionRegistry{
		rooms:      make(map[domain.RoomID]*roomEntry),
		transports: make(map[domain.TransportID]*transportEntry),
		producers:  make(map[domain.ProducerID]*producerEntry),
		consumers:  make(map[domain.ConsumerID]*consumerEntry),
		tombstones: make(map[string]struct{}),
		newID:      utils.GenerateID,
		now:        time.Now,
		logger:     zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetEventSink wires the sink after construction; the connection manager
// needs the registry before it can act as a sink itself.
func (r *SessionRegistry) SetEventSink(sink ports.EventSink) {
	r.mu.Lock()
	r.sink = sink
	r.mu.Unlock()
}

func (r *SessionRegistry) RegisterTransport(room domain.RoomID, peer domain.PeerID, role domain.TransportRole, handle ports.TransportHandle) (domain.TransportID, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: invalid role %q", domain.ErrTransportRole, role)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.roomLocked(room)
	roles := rm.peers[peer]
	if roles == nil {
		roles = make(map[domain.TransportRole]domain.TransportID)
		rm.peers[peer] = roles
	}
	if existing, ok := roles[role]; ok {
		return "", fmt.Errorf("%w: peer %s already has %s transport %s", domain.ErrDuplicateRole, peer, role, existing)
	}

	id := domain.TransportID(r.newID("tr"))
	r.transports[id] = &transportEntry{
		rec: domain.Transport{
			ID:        id,
			RoomID:    room,
			PeerID:    peer,
			Role:      role,
			State:     domain.TransportNew,
			CreatedAt: r.now(),
		},
		handle:    handle,
		producers: make(map[domain.ProducerID]struct{}),
		consumers: make(map[domain.ConsumerID]struct{}),
	}
	roles[role] = id

	r.logger.Debugw("transport registered", "transport_id", id, "peer_id", peer, "room_id", room, "role", role)
	return id, nil
}

func (r *SessionRegistry) GetTransport(id domain.TransportID) (domain.Transport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.transportLocked(id)
	if err != nil {
		return domain.Transport{}, err
	}
	return t.rec, nil
}

func (r *SessionRegistry) TransportHandle(id domain.TransportID) (ports.TransportHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, err := r.transportLocked(id)
	if err != nil {
		return nil, err
	}
	return t.handle, nil
}

// SetTransportState records a state reported by the engine. Terminal states
// cascade exactly like CloseTransport.
func (r *SessionRegistry) SetTransportState(ctx context.Context, id domain.TransportID, state domain.TransportState) error {
	var work pendingWork

	r.mu.Lock()
	t, err := r.transportLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	switch {
	case state.Terminal():
		r.closeTransportLocked(t, state, &work)
	case t.rec.State == state:
	case t.rec.State == domain.TransportConnected && state != domain.TransportConnected:
		// late engine notifications never move a connected transport back
	default:
		t.rec.State = state
		work.events = append(work.events, transportEvent(t.rec))
	}
	r.mu.Unlock()

	r.flush(ctx, &work)
	return nil
}

func (r *SessionRegistry) CloseTransport(ctx context.Context, id domain.TransportID) error {
	var work pendingWork

	r.mu.Lock()
	t, err := r.transportLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.closeTransportLocked(t, domain.TransportClosed, &work)
	r.mu.Unlock()

	r.flush(ctx, &work)
	return nil
}

// PeerTransports lists the live transports peer owns in room.
func (r *SessionRegistry) PeerTransports(room domain.RoomID, peer domain.PeerID) []domain.Transport {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[room]
	if !ok {
		return nil
	}
	var out []domain.Transport
	for _, role := range []domain.TransportRole{domain.RoleSend, domain.RoleRecv} {
		if tid, ok := rm.peers[peer][role]; ok {
			if t, ok := r.transports[tid]; ok {
				out = append(out, t.rec)
			}
		}
	}
	return out
}

func (r *SessionRegistry) RegisterProducer(transportID domain.TransportID, kind domain.MediaKind, handle ports.ProducerHandle) (domain.ProducerID, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("invalid media kind %q", kind)
	}

	var work pendingWork

	r.mu.Lock()
	t, err := r.transportLocked(transportID)
	if err != nil {
		r.mu.Unlock()
		return "", err
	}
	if t.rec.Role != domain.RoleSend {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: cannot produce on %s transport", domain.ErrTransportRole, t.rec.Role)
	}
	if t.rec.State != domain.TransportConnected {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: transport %s is %s", domain.ErrTransportNotConnected, transportID, t.rec.State)
	}

	r.seq++
	id := domain.ProducerID(r.newID("pr"))
	p := &producerEntry{
		rec: domain.Producer{
			ID:          id,
			RoomID:      t.rec.RoomID,
			PeerID:      t.rec.PeerID,
			TransportID: transportID,
			Kind:        kind,
			State:       domain.ProducerActive,
			CreatedAt:   r.now(),
		},
		handle:    handle,
		consumers: make(map[domain.ConsumerID]struct{}),
		seq:       r.seq,
	}
	r.producers[id] = p
	t.producers[id] = struct{}{}

	rm := r.roomLocked(t.rec.RoomID)
	rm.producers[id] = p
	rm.current[kind] = id

	work.events = append(work.events, domain.SessionEvent{
		Type:        domain.EventProducerAdded,
		RoomID:      t.rec.RoomID,
		PeerID:      t.rec.PeerID,
		TransportID: transportID,
		ProducerID:  id,
		Kind:        kind,
		State:       string(domain.ProducerActive),
	})
	r.mu.Unlock()

	r.flush(context.Background(), &work)
	return id, nil
}

func (r *SessionRegistry) GetProducer(id domain.ProducerID) (domain.Producer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.producerLocked(id)
	if err != nil {
		return domain.Producer{}, err
	}
	return p.rec, nil
}

func (r *SessionRegistry) ProducerHandle(id domain.ProducerID) (ports.ProducerHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.producerLocked(id)
	if err != nil {
		return nil, err
	}
	return p.handle, nil
}

// CurrentProducer returns the most recently registered live producer of kind
// in room.
func (r *SessionRegistry) CurrentProducer(room domain.RoomID, kind domain.MediaKind) (domain.Producer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[room]
	if !ok {
		return domain.Producer{}, fmt.Errorf("%w: no %s producer in room %s", domain.ErrNoProducer, kind, room)
	}
	id, ok := rm.current[kind]
	if !ok {
		return domain.Producer{}, fmt.Errorf("%w: no %s producer in room %s", domain.ErrNoProducer, kind, room)
	}
	return rm.producers[id].rec, nil
}

// LatestProducer returns the most recently registered live producer of any
// kind in room.
func (r *SessionRegistry) LatestProducer(room domain.RoomID) (domain.Producer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var latest *producerEntry
	if rm, ok := r.rooms[room]; ok {
		for _, p := range rm.producers {
			if latest == nil || p.seq > latest.seq {
				latest = p
			}
		}
	}
	if latest == nil {
		return domain.Producer{}, fmt.Errorf("%w: room %s has no producers", domain.ErrNoProducer, room)
	}
	return latest.rec, nil
}

func (r *SessionRegistry) CloseProducer(ctx context.Context, id domain.ProducerID) error {
	var work pendingWork

	r.mu.Lock()
	p, err := r.producerLocked(id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	r.closeProducerLocked(p, &work)
	r.mu.Unlock()

	r.flush(ctx, &work)
	return nil
}

// Producers lists live producers of room, oldest first.
func (r *SessionRegistry) Producers(room domain.RoomID) []domain.Producer {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[room]
	if !ok {
		return nil
	}
	entries := make([]*producerEntry, 0, len(rm.producers))
	for _, p := range rm.producers {
		entries = append(entries, p)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]domain.Producer, 0, len(entries))
	for _, p := range entries {
		out = append(out, p.rec)
	}
	return out
}

func (r *SessionRegistry) RegisterConsumer(transportID domain.TransportID, producerID domain.ProducerID, handle ports.ConsumerHandle) (domain.ConsumerID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.producerLocked(producerID)
	if err != nil {
		return "", err
	}
	t, err := r.transportLocked(transportID)
	if err != nil {
		return "", err
	}
	if p.rec.RoomID != t.rec.RoomID {
		return "", fmt.Errorf("%w: %s", domain.ErrProducerNotFound, producerID)
	}
	if t.rec.Role != domain.RoleRecv {
		return "", fmt.Errorf("%w: cannot consume on %s transport", domain.ErrTransportRole, t.rec.Role)
	}
	if t.rec.State != domain.TransportConnected {
		return "", fmt.Errorf("%w: transport %s is %s", domain.ErrTransportNotConnected, transportID, t.rec.State)
	}

	id := domain.ConsumerID(r.newID("co"))
	r.consumers[id] = &consumerEntry{
		rec: domain.Consumer{
			ID:          id,
			RoomID:      t.rec.RoomID,
			PeerID:      t.rec.PeerID,
			TransportID: transportID,
			ProducerID:  producerID,
			Kind:        p.rec.Kind,
			State:       domain.ConsumerPaused,
			CreatedAt:   r.now(),
		},
		handle: handle,
	}
	t.consumers[id] = struct{}{}
	p.consumers[id] = struct{}{}

	return id, nil
}

func (r *SessionRegistry) GetConsumer(id domain.ConsumerID) (domain.Consumer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.consumerLocked(id)
	if err != nil {
		return domain.Consumer{}, err
	}
	return c.rec, nil
}

func (r *SessionRegistry) ConsumerHandle(id domain.ConsumerID) (ports.ConsumerHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.consumerLocked(id)
	if err != nil {
		return nil, err
	}
	return c.handle, nil
}

// SetConsumerState moves a consumer between paused and active. Closing goes
// through the producer or transport cascade.
func (r *SessionRegistry) SetConsumerState(id domain.ConsumerID, state domain.ConsumerState) error {
	if state != domain.ConsumerPaused && state != domain.ConsumerActive {
		return fmt.Errorf("invalid consumer state %q", state)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, err := r.consumerLocked(id)
	if err != nil {
		return err
	}
	c.rec.State = state
	return nil
}

// ClosePeer closes every transport owned by peer, in any room.
func (r *SessionRegistry) ClosePeer(ctx context.Context, peer domain.PeerID) error {
	var work pendingWork

	r.mu.Lock()
	for _, rm := range r.rooms {
		roles, ok := rm.peers[peer]
		if !ok {
			continue
		}
		for _, tid := range roles {
			if t, ok := r.transports[tid]; ok {
				r.closeTransportLocked(t, domain.TransportClosed, &work)
			}
		}
		delete(rm.peers, peer)
		r.dropRoomIfEmptyLocked(rm)
	}
	r.mu.Unlock()

	r.flush(ctx, &work)
	return nil
}

func (r *SessionRegistry) RoomStats(room domain.RoomID) (domain.RoomStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[room]
	if !ok {
		return domain.RoomStats{}, fmt.Errorf("%w: %s", domain.ErrRoomNotFound, room)
	}
	stats := domain.RoomStats{
		RoomID:    room,
		Peers:     len(rm.peers),
		Producers: len(rm.producers),
		Timestamp: r.now(),
	}
	for _, roles := range rm.peers {
		stats.Transports += len(roles)
		for _, tid := range roles {
			if t, ok := r.transports[tid]; ok {
				stats.Consumers += len(t.consumers)
			}
		}
	}
	return stats, nil
}

func (r *SessionRegistry) Rooms() []domain.RoomID {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Counts reports live entity totals for metrics.
func (r *SessionRegistry) Counts() (transports, producers, consumers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.transports), len(r.producers), len(r.consumers)
}

func (r *SessionRegistry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *SessionRegistry) roomLocked(id domain.RoomID) *roomEntry {
	rm, ok := r.rooms[id]
	if !ok {
		rm = &roomEntry{
			id:        id,
			peers:     make(map[domain.PeerID]map[domain.TransportRole]domain.TransportID),
			producers: make(map[domain.ProducerID]*producerEntry),
			current:   make(map[domain.MediaKind]domain.ProducerID),
		}
		r.rooms[id] = rm
	}
	return rm
}

func (r *SessionRegistry) dropRoomIfEmptyLocked(rm *roomEntry) {
	if len(rm.peers) == 0 && len(rm.producers) == 0 {
		delete(r.rooms, rm.id)
	}
}

func (r *SessionRegistry) transportLocked(id domain.TransportID) (*transportEntry, error) {
	if t, ok := r.transports[id]; ok {
		return t, nil
	}
	if r.isTombstoned(string(id)) {
		return nil, fmt.Errorf("%w: transport %s", domain.ErrAlreadyClosed, id)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrTransportNotFound, id)
}

func (r *SessionRegistry) producerLocked(id domain.ProducerID) (*producerEntry, error) {
	if p, ok := r.producers[id]; ok {
		return p, nil
	}
	if r.isTombstoned(string(id)) {
		return nil, fmt.Errorf("%w: %s", domain.ErrProducerClosed, id)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrProducerNotFound, id)
}

func (r *SessionRegistry) consumerLocked(id domain.ConsumerID) (*consumerEntry, error) {
	if c, ok := r.consumers[id]; ok {
		return c, nil
	}
	if r.isTombstoned(string(id)) {
		return nil, fmt.Errorf("%w: consumer %s", domain.ErrAlreadyClosed, id)
	}
	return nil, fmt.Errorf("%w: %s", domain.ErrConsumerNotFound, id)
}

func (r *SessionRegistry) closeTransportLocked(t *transportEntry, state domain.TransportState, work *pendingWork) {
	for pid := range t.producers {
		if p, ok := r.producers[pid]; ok {
			r.closeProducerLocked(p, work)
		}
	}
	for cid := range t.consumers {
		if c, ok := r.consumers[cid]; ok {
			r.closeConsumerLocked(c, work)
		}
	}

	t.rec.State = state
	delete(r.transports, t.rec.ID)
	r.tombstone(string(t.rec.ID))

	if rm, ok := r.rooms[t.rec.RoomID]; ok {
		if roles, ok := rm.peers[t.rec.PeerID]; ok && roles[t.rec.Role] == t.rec.ID {
			delete(roles, t.rec.Role)
		}
	}

	work.closers = append(work.closers, t.handle.Close)
	work.events = append(work.events, transportEvent(t.rec))
}

func (r *SessionRegistry) closeProducerLocked(p *producerEntry, work *pendingWork) {
	recipients := make([]domain.PeerID, 0, len(p.consumers))
	seen := make(map[domain.PeerID]struct{}, len(p.consumers))
	for cid := range p.consumers {
		c, ok := r.consumers[cid]
		if !ok {
			continue
		}
		if _, dup := seen[c.rec.PeerID]; !dup {
			seen[c.rec.PeerID] = struct{}{}
			recipients = append(recipients, c.rec.PeerID)
		}
		r.closeConsumerLocked(c, work)
	}

	p.rec.State = domain.ProducerClosed
	delete(r.producers, p.rec.ID)
	r.tombstone(string(p.rec.ID))
	if t, ok := r.transports[p.rec.TransportID]; ok {
		delete(t.producers, p.rec.ID)
	}

	if rm, ok := r.rooms[p.rec.RoomID]; ok {
		delete(rm.producers, p.rec.ID)
		if rm.current[p.rec.Kind] == p.rec.ID {
			delete(rm.current, p.rec.Kind)
			var next *producerEntry
			for _, cand := range rm.producers {
				if cand.rec.Kind == p.rec.Kind && (next == nil || cand.seq > next.seq) {
					next = cand
				}
			}
			if next != nil {
				rm.current[p.rec.Kind] = next.rec.ID
			}
		}
		r.dropRoomIfEmptyLocked(rm)
	}

	work.closers = append(work.closers, p.handle.Close)
	work.events = append(work.events, domain.SessionEvent{
		Type:        domain.EventProducerClosed,
		RoomID:      p.rec.RoomID,
		PeerID:      p.rec.PeerID,
		TransportID: p.rec.TransportID,
		ProducerID:  p.rec.ID,
		Kind:        p.rec.Kind,
		State:       string(domain.ProducerClosed),
		Recipients:  recipients,
	})
}

func (r *SessionRegistry) closeConsumerLocked(c *consumerEntry, work *pendingWork) {
	c.rec.State = domain.ConsumerClosed
	delete(r.consumers, c.rec.ID)
	r.tombstone(string(c.rec.ID))
	if t, ok := r.transports[c.rec.TransportID]; ok {
		delete(t.consumers, c.rec.ID)
	}
	if p, ok := r.producers[c.rec.ProducerID]; ok {
		delete(p.consumers, c.rec.ID)
	}

	work.closers = append(work.closers, c.handle.Close)
	work.events = append(work.events, domain.SessionEvent{
		Type:        domain.EventConsumerClosed,
		RoomID:      c.rec.RoomID,
		PeerID:      c.rec.PeerID,
		TransportID: c.rec.TransportID,
		ProducerID:  c.rec.ProducerID,
		ConsumerID:  c.rec.ID,
		Kind:        c.rec.Kind,
		State:       string(domain.ConsumerClosed),
		Recipients:  []domain.PeerID{c.rec.PeerID},
	})
}

func (r *SessionRegistry) tombstone(id string) {
	if _, ok := r.tombstones[id]; ok {
		return
	}
	r.tombstones[id] = struct{}{}
	r.tombstoneOrder = append(r.tombstoneOrder, id)
	if len(r.tombstoneOrder) > tombstoneLimit {
		oldest := r.tombstoneOrder[0]
		r.tombstoneOrder = r.tombstoneOrder[1:]
		delete(r.tombstones, oldest)
	}
}

func (r *SessionRegistry) isTombstoned(id string) bool {
	_, ok := r.tombstones[id]
	return ok
}

func (r *SessionRegistry) flush(ctx context.Context, work *pendingWork) {
	for _, closeFn := range work.closers {
		if err := closeFn(); err != nil {
			r.logger.Warnw("failed to close engine handle", "error", err)
		}
	}

	r.mu.Lock()
	sink := r.sink
	r.mu.Unlock()
	if sink == nil {
		return
	}
	for _, ev := range work.events {
		sink.Publish(ctx, ev)
	}
}

func transportEvent(t domain.Transport) domain.SessionEvent {
	return domain.SessionEvent{
		Type:        domain.EventTransportStateChanged,
		RoomID:      t.RoomID,
		PeerID:      t.PeerID,
		TransportID: t.ID,
		State:       string(t.State),
		Recipients:  []domain.PeerID{t.PeerID},
	}
}
