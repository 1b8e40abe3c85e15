// Package bookmarks keeps the account's room bookmarks synchronized
// between the local cache, the server-side bookmark node and the room
// registry. Remote autojoin changes open or close rooms; local edits
// are republished so other devices follow.
package bookmarks

import (
	"context"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/palaver-im/palaver/internal/logging"
	"github.com/palaver-im/palaver/internal/muc"
	"github.com/palaver-im/palaver/internal/xmpp"
)

// NSBookmarks is the native-bookmarks namespace.
const NSBookmarks = "urn:xmpp:bookmarks:1"

// NSPubSub namespaces used by the synchronization protocol.
const (
	NSPubSub      = "http://jabber.org/protocol/pubsub"
	NSPubSubEvent = "http://jabber.org/protocol/pubsub#event"
)

const cacheKey = "bookmarks:cache"

// Bookmark is a persisted pointer to a room plus join preferences.
type Bookmark struct {
	JID      jid.JID `json:"jid"`
	Name     string  `json:"name"`
	Nick     string  `json:"nick,omitempty"`
	Password string  `json:"password,omitempty"`
	Autojoin bool    `json:"autojoin"`
}

// DisplayName returns the bookmark's name, falling back to the room
// localpart.
func (b *Bookmark) DisplayName() string {
	if b.Name != "" {
		return b.Name
	}
	return b.JID.Localpart()
}

// Store is the bookmark collection for one account.
type Store struct {
	mu     sync.Mutex
	byJID  map[string]*Bookmark
	tr     muc.Transport
	rooms  *muc.Registry
	cache  muc.Store
	log    *logging.Logger
	handle xmpp.Handle
	active bool
}

// Options configures a bookmark store.
type Options struct {
	Transport muc.Transport
	Rooms     *muc.Registry
	Cache     muc.Store
	Log       *logging.Logger
}

// NewStore creates a bookmark store and registers for server-pushed
// bookmark updates.
func NewStore(opts Options) *Store {
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	s := &Store{
		byJID: make(map[string]*Bookmark),
		tr:    opts.Transport,
		rooms: opts.Rooms,
		cache: opts.Cache,
		log:   opts.Log.With("bookmarks"),
	}
	if s.cache != nil {
		var cached []*Bookmark
		if ok, err := s.cache.Get(cacheKey, &cached); err != nil {
			s.log.Warn("failed to load bookmark cache: %v", err)
		} else if ok {
			for _, b := range cached {
				s.byJID[b.JID.Bare().String()] = b
			}
		}
	}
	own := opts.Transport.JID().Bare().String()
	s.handle = opts.Transport.AddMessageHandler(func(m *xmpp.Message) bool {
		return m.From.Bare().String() == own && m.Extension(NSPubSubEvent, "event") != nil
	}, s.handleEvent)
	s.active = true
	return s
}

// Close deregisters the update handler.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.tr.RemoveHandler(s.handle)
	s.active = false
}

// All returns the bookmarks ordered by display name, case-insensitive,
// with the room address as tie-breaker.
func (s *Store) All() []*Bookmark {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Bookmark, 0, len(s.byJID))
	for _, b := range s.byJID {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].DisplayName()), strings.ToLower(out[j].DisplayName())
		if a != b {
			return a < b
		}
		return out[i].JID.String() < out[j].JID.String()
	})
	return out
}

// Get returns the bookmark for the given room, or nil.
func (s *Store) Get(j jid.JID) *Bookmark {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byJID[j.Bare().String()]
}

// Len returns the bookmark count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byJID)
}

// Set stores a bookmark locally, publishes it to the account's
// bookmark node and reconciles the room registry with its autojoin
// preference.
func (s *Store) Set(ctx context.Context, b Bookmark) error {
	bare := b.JID.Bare().String()
	s.mu.Lock()
	cp := b
	s.byJID[bare] = &cp
	s.persistLocked()
	s.mu.Unlock()

	if err := s.publish(ctx, &cp); err != nil {
		return err
	}
	s.reconcile(&cp)
	return nil
}

// Remove deletes a bookmark locally and retracts it from the bookmark
// node. The corresponding room, if open, is closed.
func (s *Store) Remove(ctx context.Context, j jid.JID) error {
	bare := j.Bare().String()
	s.mu.Lock()
	_, known := s.byJID[bare]
	delete(s.byJID, bare)
	s.persistLocked()
	s.mu.Unlock()

	if known {
		s.rooms.Close(j)
	}
	return s.retract(ctx, j)
}

// Load fetches all bookmarks from the server, replacing the local
// collection, and reconciles rooms against the fetched autojoin flags.
// On fetch failure the cached collection is kept and reconciled
// instead.
func (s *Store) Load(ctx context.Context) error {
	payload, err := xmpp.MarshalPayload(pubsubEl{Items: &pubsubItemsEl{Node: NSBookmarks}})
	if err != nil {
		return err
	}
	reply, err := s.tr.SendIQ(ctx, xmpp.IQ{Type: xmpp.TypeGet, Payload: payload})
	if err != nil {
		s.log.Warn("bookmark fetch failed, using cache: %v", err)
		s.reconcileAll()
		return nil
	}
	if reply.Type == xmpp.TypeError {
		cond := ""
		if reply.Error != nil {
			cond = reply.Error.Condition
		}
		if cond == "item-not-found" {
			// No bookmark node yet; an empty collection is correct.
			s.replaceAll(nil)
			return nil
		}
		s.log.Warn("bookmark fetch rejected (%s), using cache", cond)
		s.reconcileAll()
		return nil
	}

	var fetched []*Bookmark
	if reply.Payload != nil {
		var ps pubsubEl
		if err := reply.Payload.Decode(&ps); err != nil {
			return fmt.Errorf("malformed bookmark response: %w", err)
		}
		if ps.Items != nil {
			for _, item := range ps.Items.Items {
				if b := item.bookmark(); b != nil {
					fetched = append(fetched, b)
				}
			}
		}
	}
	s.replaceAll(fetched)
	return nil
}

func (s *Store) replaceAll(list []*Bookmark) {
	s.mu.Lock()
	removed := make(map[string]bool, len(s.byJID))
	for bare := range s.byJID {
		removed[bare] = true
	}
	s.byJID = make(map[string]*Bookmark, len(list))
	for _, b := range list {
		bare := b.JID.Bare().String()
		s.byJID[bare] = b
		delete(removed, bare)
	}
	s.persistLocked()
	s.mu.Unlock()

	for bare := range removed {
		if j, err := jid.Parse(bare); err == nil {
			s.rooms.Close(j)
		}
	}
	s.reconcileAll()
}

// reconcileAll aligns every room with its bookmark's autojoin flag.
func (s *Store) reconcileAll() {
	for _, b := range s.All() {
		s.reconcile(b)
	}
}

// reconcile opens or closes the bookmarked room. Clearing autojoin
// leaves the room but keeps it open; only bookmark removal closes it.
func (s *Store) reconcile(b *Bookmark) {
	if b.Autojoin {
		room := s.rooms.GetOrCreate(b.JID)
		if b.Name != "" {
			room.SetName(b.Name)
		}
		if err := room.Join(b.Nick, b.Password); err != nil {
			s.log.Warn("autojoin of %s failed: %v", b.JID, err)
		}
		return
	}
	if room := s.rooms.Get(b.JID); room != nil {
		room.Leave("")
	}
}

func (s *Store) persistLocked() {
	if s.cache == nil {
		return
	}
	list := make([]*Bookmark, 0, len(s.byJID))
	for _, b := range s.byJID {
		list = append(list, b)
	}
	if err := s.cache.Set(cacheKey, list); err != nil {
		s.log.Warn("failed to persist bookmark cache: %v", err)
	}
}

// publish sends one bookmark to the account's bookmark node with the
// publish options the protocol requires for private, whitelist-access
// storage.
func (s *Store) publish(ctx context.Context, b *Bookmark) error {
	item := pubsubItem{ID: b.JID.Bare().String(), Conference: conferenceOf(b)}
	payload, err := xmpp.MarshalPayload(pubsubEl{
		Publish: &pubsubPublishEl{Node: NSBookmarks, Items: []pubsubItem{item}},
		Options: publishOptions(),
	})
	if err != nil {
		return err
	}
	reply, err := s.tr.SendIQ(ctx, xmpp.IQ{Type: xmpp.TypeSet, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to publish bookmark: %w", err)
	}
	if reply.Type == xmpp.TypeError {
		cond := ""
		if reply.Error != nil {
			cond = reply.Error.Condition
		}
		return fmt.Errorf("bookmark publish rejected: %s", cond)
	}
	return nil
}

func (s *Store) retract(ctx context.Context, j jid.JID) error {
	payload, err := xmpp.MarshalPayload(pubsubEl{
		Retract: &pubsubRetractEl{
			Node:   NSBookmarks,
			Notify: "true",
			Items:  []pubsubItem{{ID: j.Bare().String()}},
		},
	})
	if err != nil {
		return err
	}
	reply, err := s.tr.SendIQ(ctx, xmpp.IQ{Type: xmpp.TypeSet, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to retract bookmark: %w", err)
	}
	if reply.Type == xmpp.TypeError && reply.Error != nil && reply.Error.Condition != "item-not-found" {
		return fmt.Errorf("bookmark retraction rejected: %s", reply.Error.Condition)
	}
	return nil
}

// handleEvent processes a server-pushed bookmark change. Runs on the
// stanza dispatch goroutine; reconciliation stays presence-and-message
// based and never blocks on IQs here.
func (s *Store) handleEvent(m *xmpp.Message) {
	ext := m.Extension(NSPubSubEvent, "event")
	if ext == nil {
		return
	}
	var ev pubsubEventEl
	if err := ext.Decode(&ev); err != nil || ev.Items == nil || ev.Items.Node != NSBookmarks {
		return
	}

	for _, item := range ev.Items.Items {
		b := item.bookmark()
		if b == nil {
			continue
		}
		bare := b.JID.Bare().String()
		s.mu.Lock()
		s.byJID[bare] = b
		s.persistLocked()
		s.mu.Unlock()
		s.log.Debug("remote bookmark update for %s (autojoin=%v)", bare, b.Autojoin)
		s.reconcile(b)
	}

	for _, retracted := range ev.Items.Retracts {
		j, err := jid.Parse(retracted.ID)
		if err != nil {
			continue
		}
		bare := j.Bare().String()
		s.mu.Lock()
		_, known := s.byJID[bare]
		delete(s.byJID, bare)
		s.persistLocked()
		s.mu.Unlock()
		if known {
			s.log.Debug("remote bookmark retraction for %s", bare)
			s.rooms.Close(j)
		}
	}
}

// Wire structures for the pubsub exchange.

type pubsubEl struct {
	XMLName xml.Name         `xml:"http://jabber.org/protocol/pubsub pubsub"`
	Publish *pubsubPublishEl `xml:"publish"`
	Retract *pubsubRetractEl `xml:"retract"`
	Items   *pubsubItemsEl   `xml:"items"`
	Options *pubsubOptionsEl `xml:"publish-options"`
}

type pubsubPublishEl struct {
	Node  string       `xml:"node,attr"`
	Items []pubsubItem `xml:"item"`
}

type pubsubRetractEl struct {
	Node   string       `xml:"node,attr"`
	Notify string       `xml:"notify,attr,omitempty"`
	Items  []pubsubItem `xml:"item"`
}

type pubsubItemsEl struct {
	Node     string          `xml:"node,attr"`
	Items    []pubsubItem    `xml:"item"`
	Retracts []pubsubRetract `xml:"retract"`
}

type pubsubRetract struct {
	ID string `xml:"id,attr"`
}

type pubsubItem struct {
	ID         string        `xml:"id,attr"`
	Conference *conferenceEl `xml:"urn:xmpp:bookmarks:1 conference"`
}

type pubsubEventEl struct {
	XMLName xml.Name       `xml:"http://jabber.org/protocol/pubsub#event event"`
	Items   *pubsubItemsEl `xml:"items"`
}

type pubsubOptionsEl struct {
	Form optionsForm `xml:"jabber:x:data x"`
}

type optionsForm struct {
	Type   string        `xml:"type,attr"`
	Fields []optionField `xml:"field"`
}

type optionField struct {
	Var    string   `xml:"var,attr"`
	Type   string   `xml:"type,attr,omitempty"`
	Values []string `xml:"value"`
}

type conferenceEl struct {
	XMLName  xml.Name `xml:"urn:xmpp:bookmarks:1 conference"`
	Name     string   `xml:"name,attr,omitempty"`
	Autojoin string   `xml:"autojoin,attr,omitempty"`
	Nick     string   `xml:"nick,omitempty"`
	Password string   `xml:"password,omitempty"`
}

func (i *pubsubItem) bookmark() *Bookmark {
	if i.Conference == nil {
		return nil
	}
	j, err := jid.Parse(i.ID)
	if err != nil {
		return nil
	}
	return &Bookmark{
		JID:      j.Bare(),
		Name:     i.Conference.Name,
		Nick:     i.Conference.Nick,
		Password: i.Conference.Password,
		Autojoin: i.Conference.Autojoin == "true" || i.Conference.Autojoin == "1",
	}
}

func conferenceOf(b *Bookmark) *conferenceEl {
	c := &conferenceEl{Name: b.Name, Nick: b.Nick, Password: b.Password}
	if b.Autojoin {
		c.Autojoin = "true"
	}
	return c
}

// publishOptions asks the service to keep the node private and
// persistent, and to push the full item set.
func publishOptions() *pubsubOptionsEl {
	return &pubsubOptionsEl{Form: optionsForm{
		Type: "submit",
		Fields: []optionField{
			{Var: "FORM_TYPE", Type: "hidden", Values: []string{"http://jabber.org/protocol/pubsub#publish-options"}},
			{Var: "pubsub#persist_items", Values: []string{"true"}},
			{Var: "pubsub#max_items", Values: []string{"max"}},
			{Var: "pubsub#send_last_published_item", Values: []string{"never"}},
			{Var: "pubsub#access_model", Values: []string{"whitelist"}},
		},
	}}
}
