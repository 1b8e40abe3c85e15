package bookmarks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"mellium.im/xmpp/jid"

	"github.com/palaver-im/palaver/internal/config"
	"github.com/palaver-im/palaver/internal/muc"
	"github.com/palaver-im/palaver/internal/xmpp"
	"github.com/palaver-im/palaver/internal/xmpp/disco"
)

type fakeTransport struct {
	mu         sync.Mutex
	jid        jid.JID
	iqs        []xmpp.IQ
	iqReply    func(iq xmpp.IQ) *xmpp.IQ
	nextHandle xmpp.Handle
	msgFns     map[xmpp.Handle]func(*xmpp.Message)
	msgPreds   map[xmpp.Handle]func(*xmpp.Message) bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		jid:      jid.MustParse("luna@example.com/desktop"),
		msgFns:   make(map[xmpp.Handle]func(*xmpp.Message)),
		msgPreds: make(map[xmpp.Handle]func(*xmpp.Message) bool),
	}
}

func (f *fakeTransport) SendPresence(xmpp.Presence) error { return nil }
func (f *fakeTransport) SendMessage(xmpp.Message) error   { return nil }

func (f *fakeTransport) SendIQ(_ context.Context, iq xmpp.IQ) (*xmpp.IQ, error) {
	f.mu.Lock()
	f.iqs = append(f.iqs, iq)
	reply := f.iqReply
	f.mu.Unlock()
	if reply != nil {
		return reply(iq), nil
	}
	return &xmpp.IQ{Type: xmpp.TypeResult, ID: iq.ID}, nil
}

func (f *fakeTransport) AddPresenceHandler(func(*xmpp.Presence) bool, func(*xmpp.Presence)) xmpp.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHandle++
	return f.nextHandle
}

func (f *fakeTransport) AddMessageHandler(pred func(*xmpp.Message) bool, fn func(*xmpp.Message)) xmpp.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextHandle++
	f.msgPreds[f.nextHandle] = pred
	f.msgFns[f.nextHandle] = fn
	return f.nextHandle
}

func (f *fakeTransport) RemoveHandler(h xmpp.Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.msgPreds, h)
	delete(f.msgFns, h)
}

func (f *fakeTransport) JID() jid.JID { return f.jid }

func (f *fakeTransport) deliverMessage(m *xmpp.Message) {
	f.mu.Lock()
	var fns []func(*xmpp.Message)
	for h, pred := range f.msgPreds {
		if pred(m) {
			fns = append(fns, f.msgFns[h])
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (f *fakeTransport) sentIQs() []xmpp.IQ {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]xmpp.IQ, len(f.iqs))
	copy(out, f.iqs)
	return out
}

type fakeDisco struct{}

func (fakeDisco) Info(context.Context, jid.JID) (*disco.Info, error)    { return &disco.Info{}, nil }
func (fakeDisco) Refresh(context.Context, jid.JID) (*disco.Info, error) { return &disco.Info{}, nil }

func (fakeDisco) Supports(context.Context, jid.JID, disco.Feature) (bool, error) {
	return false, nil
}

func (fakeDisco) ReservedNickname(context.Context, jid.JID) (string, error) { return "", nil }

type fakeCache struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{docs: make(map[string][]byte)} }

func (f *fakeCache) Get(id string, v interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.docs[id]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (f *fakeCache) Set(id string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id] = raw
	return nil
}

func (f *fakeCache) Destroy(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	return nil
}

func (f *fakeCache) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = make(map[string][]byte)
	return nil
}

func newTestStore(t *testing.T) (*Store, *fakeTransport, *muc.Registry) {
	t.Helper()
	tr := newFakeTransport()
	rooms := muc.NewRegistry(muc.Options{
		Transport: tr,
		Disco:     fakeDisco{},
		Config:    config.MUCConfig{AutoNickFromJID: true, RequestTimeoutSeconds: 1},
	})
	s := NewStore(Options{Transport: tr, Rooms: rooms, Cache: newFakeCache()})
	t.Cleanup(s.Close)
	return s, tr, rooms
}

func mark(addr, name string, autojoin bool) Bookmark {
	return Bookmark{JID: jid.MustParse(addr), Name: name, Autojoin: autojoin}
}

func TestAllSortsByDisplayName(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	for _, b := range []Bookmark{
		mark("zulu@muc.example.com", "aardvark", false),
		mark("alpha@muc.example.com", "", false), // falls back to "alpha"
		mark("bravo@muc.example.com", "Zebra", false),
		mark("b@muc.example.com", "same", false),
		mark("a@muc.example.com", "same", false),
	} {
		if err := s.Set(ctx, b); err != nil {
			t.Fatalf("set failed: %v", err)
		}
	}

	var got []string
	for _, b := range s.All() {
		got = append(got, b.JID.Localpart())
	}
	want := []string{"zulu", "alpha", "a", "b", "bravo"}
	if len(got) != len(want) {
		t.Fatalf("got %d bookmarks, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order at %d: got %q, want %q (%v)", i, got[i], want[i], got)
		}
	}
}

func TestDisplayNameFallsBackToLocalpart(t *testing.T) {
	b := mark("kitchen@muc.example.com", "", false)
	if b.DisplayName() != "kitchen" {
		t.Fatalf("got %q", b.DisplayName())
	}
	b.Name = "The Kitchen"
	if b.DisplayName() != "The Kitchen" {
		t.Fatalf("got %q", b.DisplayName())
	}
}

func TestItemParsing(t *testing.T) {
	item := pubsubItem{
		ID: "room@muc.example.com",
		Conference: &conferenceEl{
			Name:     "Room",
			Autojoin: "1",
			Nick:     "luna",
			Password: "hunter2",
		},
	}
	b := item.bookmark()
	if b == nil {
		t.Fatalf("valid item produced no bookmark")
	}
	if !b.Autojoin || b.Nick != "luna" || b.Password != "hunter2" {
		t.Fatalf("fields lost: %+v", b)
	}

	item.Conference.Autojoin = "false"
	if item.bookmark().Autojoin {
		t.Fatalf("autojoin=false parsed as true")
	}
	item.Conference.Autojoin = ""
	if item.bookmark().Autojoin {
		t.Fatalf("absent autojoin parsed as true")
	}

	if (&pubsubItem{ID: "room@muc.example.com"}).bookmark() != nil {
		t.Fatalf("item without conference element produced a bookmark")
	}
	if (&pubsubItem{ID: "", Conference: &conferenceEl{}}).bookmark() != nil {
		t.Fatalf("item with unparseable id produced a bookmark")
	}
}

func TestSetPublishesWithOptions(t *testing.T) {
	s, tr, _ := newTestStore(t)

	if err := s.Set(context.Background(), mark("room@muc.example.com", "Room", false)); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	iqs := tr.sentIQs()
	if len(iqs) != 1 {
		t.Fatalf("expected one publish iq, got %d", len(iqs))
	}
	var ps pubsubEl
	if err := iqs[0].Payload.Decode(&ps); err != nil {
		t.Fatalf("malformed publish payload: %v", err)
	}
	if ps.Publish == nil || ps.Publish.Node != NSBookmarks {
		t.Fatalf("publish element wrong: %+v", ps.Publish)
	}
	if len(ps.Publish.Items) != 1 || ps.Publish.Items[0].ID != "room@muc.example.com" {
		t.Fatalf("published item wrong: %+v", ps.Publish.Items)
	}
	if ps.Options == nil {
		t.Fatalf("publish options missing")
	}
	opts := map[string]string{}
	for _, f := range ps.Options.Form.Fields {
		if len(f.Values) > 0 {
			opts[f.Var] = f.Values[0]
		}
	}
	if opts["pubsub#persist_items"] != "true" || opts["pubsub#access_model"] != "whitelist" {
		t.Fatalf("storage options wrong: %v", opts)
	}
}

func TestRemoveRetractsAndClosesRoom(t *testing.T) {
	s, tr, rooms := newTestStore(t)
	ctx := context.Background()
	addr := jid.MustParse("room@muc.example.com")

	if err := s.Set(ctx, mark("room@muc.example.com", "Room", true)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if rooms.Get(addr) == nil {
		t.Fatalf("autojoin bookmark did not open the room")
	}

	if err := s.Remove(ctx, addr); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("bookmark survived removal")
	}
	if rooms.Get(addr) != nil {
		t.Fatalf("room survived bookmark removal")
	}

	iqs := tr.sentIQs()
	var ps pubsubEl
	if err := iqs[len(iqs)-1].Payload.Decode(&ps); err != nil {
		t.Fatalf("malformed retract payload: %v", err)
	}
	if ps.Retract == nil || ps.Retract.Node != NSBookmarks || len(ps.Retract.Items) != 1 {
		t.Fatalf("retract element wrong: %+v", ps.Retract)
	}
}

func TestLoadReplacesCollection(t *testing.T) {
	s, tr, rooms := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, mark("stale@muc.example.com", "Stale", true)); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	tr.iqReply = func(iq xmpp.IQ) *xmpp.IQ {
		payload, err := xmpp.MarshalPayload(pubsubEl{Items: &pubsubItemsEl{
			Node: NSBookmarks,
			Items: []pubsubItem{
				{ID: "fresh@muc.example.com", Conference: &conferenceEl{Name: "Fresh", Autojoin: "true", Nick: "luna"}},
				{ID: "quiet@muc.example.com", Conference: &conferenceEl{Name: "Quiet"}},
			},
		}})
		if err != nil {
			t.Errorf("failed to build reply payload: %v", err)
			return &xmpp.IQ{Type: xmpp.TypeError, ID: iq.ID}
		}
		return &xmpp.IQ{Type: xmpp.TypeResult, ID: iq.ID, Payload: payload}
	}

	if err := s.Load(ctx); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 bookmarks after load, got %d", s.Len())
	}
	if s.Get(jid.MustParse("stale@muc.example.com")) != nil {
		t.Fatalf("stale bookmark survived the replace")
	}
	if rooms.Get(jid.MustParse("stale@muc.example.com")) != nil {
		t.Fatalf("room for removed bookmark left open")
	}
	if rooms.Get(jid.MustParse("fresh@muc.example.com")) == nil {
		t.Fatalf("autojoin room not opened after load")
	}
	if rooms.Get(jid.MustParse("quiet@muc.example.com")) != nil {
		t.Fatalf("non-autojoin bookmark opened a room")
	}
}

func TestLoadHandlesMissingNode(t *testing.T) {
	s, tr, _ := newTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, mark("old@muc.example.com", "Old", false)); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	tr.iqReply = func(iq xmpp.IQ) *xmpp.IQ {
		return &xmpp.IQ{Type: xmpp.TypeError, ID: iq.ID, Error: &xmpp.StanzaError{Condition: "item-not-found"}}
	}
	if err := s.Load(ctx); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("missing node should clear the collection, got %d", s.Len())
	}
}

func TestRemoteEventUpdatesAndRetracts(t *testing.T) {
	s, tr, rooms := newTestStore(t)
	addr := jid.MustParse("pushed@muc.example.com")

	eventPayload := func(v interface{}) xmpp.Extension {
		ext, err := xmpp.MarshalPayload(v)
		if err != nil {
			t.Fatalf("failed to marshal event: %v", err)
		}
		return *ext
	}

	tr.deliverMessage(&xmpp.Message{
		From: jid.MustParse("luna@example.com"),
		Extensions: []xmpp.Extension{eventPayload(pubsubEventEl{Items: &pubsubItemsEl{
			Node:  NSBookmarks,
			Items: []pubsubItem{{ID: addr.String(), Conference: &conferenceEl{Name: "Pushed", Autojoin: "true"}}},
		}})},
	})

	if s.Get(addr) == nil {
		t.Fatalf("pushed bookmark not stored")
	}
	if rooms.Get(addr) == nil {
		t.Fatalf("pushed autojoin did not open the room")
	}

	tr.deliverMessage(&xmpp.Message{
		From: jid.MustParse("luna@example.com"),
		Extensions: []xmpp.Extension{eventPayload(pubsubEventEl{Items: &pubsubItemsEl{
			Node:     NSBookmarks,
			Retracts: []pubsubRetract{{ID: addr.String()}},
		}})},
	})

	if s.Get(addr) != nil {
		t.Fatalf("retracted bookmark still present")
	}
	if rooms.Get(addr) != nil {
		t.Fatalf("room survived the remote retraction")
	}
}

func TestEventsFromOtherAccountsIgnored(t *testing.T) {
	s, tr, _ := newTestStore(t)

	ext, err := xmpp.MarshalPayload(pubsubEventEl{Items: &pubsubItemsEl{
		Node:  NSBookmarks,
		Items: []pubsubItem{{ID: "evil@muc.example.com", Conference: &conferenceEl{Autojoin: "true"}}},
	}})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	tr.deliverMessage(&xmpp.Message{
		From:       jid.MustParse("mallory@example.net"),
		Extensions: []xmpp.Extension{*ext},
	})

	if s.Len() != 0 {
		t.Fatalf("spoofed bookmark push accepted")
	}
}
