package muc

import (
	"context"
	"sync"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/palaver-im/palaver/internal/config"
	"github.com/palaver-im/palaver/internal/hooks"
	"github.com/palaver-im/palaver/internal/logging"
	"github.com/palaver-im/palaver/internal/xmpp"
	"github.com/palaver-im/palaver/internal/xmpp/disco"
)

// Transport is the stanza-level session contract the engine consumes.
// *xmpp.Client satisfies it; tests substitute a fake.
type Transport interface {
	SendPresence(p xmpp.Presence) error
	SendMessage(m xmpp.Message) error
	SendIQ(ctx context.Context, iq xmpp.IQ) (*xmpp.IQ, error)
	AddPresenceHandler(pred func(*xmpp.Presence) bool, fn func(*xmpp.Presence)) xmpp.Handle
	AddMessageHandler(pred func(*xmpp.Message) bool, fn func(*xmpp.Message)) xmpp.Handle
	RemoveHandler(h xmpp.Handle)
	JID() jid.JID
}

// Discoverer answers feature-support queries. *disco.Cache satisfies it.
type Discoverer interface {
	Info(ctx context.Context, j jid.JID) (*disco.Info, error)
	Refresh(ctx context.Context, j jid.JID) (*disco.Info, error)
	Supports(ctx context.Context, j jid.JID, f disco.Feature) (bool, error)
	ReservedNickname(ctx context.Context, room jid.JID) (string, error)
}

// Store is a document-oriented persistent store keyed by room/session
// id, with a flush hook invoked on logout.
type Store interface {
	Get(id string, v interface{}) (bool, error)
	Set(id string, v interface{}) error
	Destroy(id string) error
	Flush() error
}

// Options configures a room registry.
type Options struct {
	Transport Transport
	Disco     Discoverer
	Store     Store
	Hooks     *hooks.Registry
	Log       *logging.Logger
	Config    config.MUCConfig
}

// Registry is the explicit collection of rooms owned by one
// process-level session. Components needing cross-room lookup receive
// the registry; there is no ambient global.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	tr    Transport
	disco Discoverer
	store Store
	hooks *hooks.Registry
	log   *logging.Logger
	cfg   config.MUCConfig

	onRoom []func(*Room)
}

// NewRegistry creates a room registry.
func NewRegistry(opts Options) *Registry {
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewRegistry()
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Config.RejoinDebounceMS == 0 {
		opts.Config.RejoinDebounceMS = 500
	}
	if opts.Config.DanglingRetentionMinutes == 0 {
		opts.Config.DanglingRetentionMinutes = 60
	}
	return &Registry{
		rooms: make(map[string]*Room),
		tr:    opts.Transport,
		disco: opts.Disco,
		store: opts.Store,
		hooks: opts.Hooks,
		log:   opts.Log,
		cfg:   opts.Config,
	}
}

// OnRoomInitialized registers a callback invoked whenever a room object
// is created.
func (g *Registry) OnRoomInitialized(fn func(*Room)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onRoom = append(g.onRoom, fn)
}

// Get returns the room with the given address, or nil.
func (g *Registry) Get(j jid.JID) *Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rooms[j.Bare().String()]
}

// GetOrCreate returns the room with the given address, creating it on
// first reference.
func (g *Registry) GetOrCreate(j jid.JID) *Room {
	bare := j.Bare().String()

	g.mu.Lock()
	if room, ok := g.rooms[bare]; ok {
		g.mu.Unlock()
		return room
	}
	room := newRoom(g, j.Bare())
	g.rooms[bare] = room
	callbacks := g.onRoom
	g.mu.Unlock()

	for _, fn := range callbacks {
		fn(room)
	}
	room.bus.Publish(Event{Type: EventRoomInitialized, Room: room.jid})
	return room
}

// Rooms returns a snapshot of all rooms.
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		out = append(out, room)
	}
	return out
}

// Close leaves a room and destroys it, including its persisted session.
func (g *Registry) Close(j jid.JID) {
	bare := j.Bare().String()

	g.mu.Lock()
	room, ok := g.rooms[bare]
	if ok {
		delete(g.rooms, bare)
	}
	g.mu.Unlock()

	if !ok {
		return
	}
	room.close()
	if g.store != nil {
		if err := g.store.Destroy(sessionKey(room.jid)); err != nil {
			g.log.Warn("failed to destroy session for %s: %v", bare, err)
		}
	}
}

// HandleReconnect is called when the transport session comes back. All
// previously active rooms rejoin; the per-room debounce coalesces this
// with any other rejoin triggers firing around the same time.
func (g *Registry) HandleReconnect() {
	for _, room := range g.Rooms() {
		room.Rejoin()
	}
}

// HandleDisconnect is called when the transport session drops. Rooms
// move to disconnected without sending anything.
func (g *Registry) HandleDisconnect() {
	for _, room := range g.Rooms() {
		room.markDisconnected("The connection to the server was lost")
	}
}

// FlushOnLogout leaves all rooms and flushes session-scoped storage.
func (g *Registry) FlushOnLogout() {
	for _, room := range g.Rooms() {
		room.Leave("")
	}
	if g.store != nil {
		if err := g.store.Flush(); err != nil {
			g.log.Warn("failed to flush store on logout: %v", err)
		}
	}
}

// requestCtx returns a context bounding a single IQ round-trip.
func (g *Registry) requestCtx() (context.Context, context.CancelFunc) {
	secs := g.cfg.RequestTimeoutSeconds
	if secs <= 0 {
		secs = 30
	}
	return context.WithTimeout(context.Background(), time.Duration(secs)*time.Second)
}

func (g *Registry) rejoinDebounce() time.Duration {
	return time.Duration(g.cfg.RejoinDebounceMS) * time.Millisecond
}

func (g *Registry) danglingRetention() time.Duration {
	return time.Duration(g.cfg.DanglingRetentionMinutes) * time.Minute
}

func sessionKey(room jid.JID) string {
	return "muc:session:" + room.Bare().String()
}
