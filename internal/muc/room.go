package muc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/palaver-im/palaver/internal/logging"
	"github.com/palaver-im/palaver/internal/xmpp"
	"github.com/palaver-im/palaver/internal/xmpp/disco"
)

// ConnectionStatus is the room lifecycle state.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusEntered
	StatusNicknameRequired
	StatusPasswordRequired
	StatusBanned
	StatusDestroyed
	StatusClosing
)

// String returns the string representation of the status
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusEntered:
		return "entered"
	case StatusNicknameRequired:
		return "nickname-required"
	case StatusPasswordRequired:
		return "password-required"
	case StatusBanned:
		return "banned"
	case StatusDestroyed:
		return "destroyed"
	case StatusClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Session holds a room's transient connection state. It is recreated
// every time the room initializes and never serialized long-term.
type Session struct {
	Status                 ConnectionStatus `json:"status"`
	DisconnectionMessage   string           `json:"disconnection_message,omitempty"`
	DisconnectionReason    string           `json:"disconnection_reason,omitempty"`
	DisconnectionActor     string           `json:"disconnection_actor,omitempty"`
	DisconnectionCodes     []string         `json:"disconnection_codes,omitempty"`
	DisconnectionAlternate string           `json:"disconnection_alternate,omitempty"`
}

// Subject is the room topic with its attribution.
type Subject struct {
	Text string
	Nick string
	Time time.Time
}

// Room manages a single group-conversation channel. All stanza handling
// and API calls for one room are serialized through its mutex; rooms
// are independent of each other.
type Room struct {
	mu  sync.Mutex
	jid jid.JID
	reg *Registry
	log *logging.Logger
	bus *EventBus

	name     string
	nickname string
	password string
	hidden   bool

	session   *Session
	occupants *Occupants
	messages  *MessageLog
	states    *chatStateRegistry
	subject   Subject

	unread      int
	mentions    int
	hasActivity bool

	features      *disco.Info
	desiredConfig map[string]string
	awaitingConfig bool
	exists        bool
	usingActivity bool

	handlersOn bool
	presHandle xmpp.Handle
	msgHandle  xmpp.Handle

	rejoinTimer     *time.Timer
	nickRetries     int
	retractAttempts map[string]string // outgoing retraction stanza id -> origin id
	pingStop        chan struct{}
}

func newRoom(g *Registry, bare jid.JID) *Room {
	return &Room{
		jid:             bare,
		reg:             g,
		log:             g.log.With(bare.String()),
		bus:             NewEventBus(),
		session:         &Session{Status: StatusDisconnected},
		occupants:       NewOccupants(),
		messages:        NewMessageLog(g.danglingRetention()),
		states:          newChatStateRegistry(),
		retractAttempts: make(map[string]string),
	}
}

// JID returns the room's bare address.
func (r *Room) JID() jid.JID { return r.jid }

// Events returns the room's event bus.
func (r *Room) Events() *EventBus { return r.bus }

// Occupants returns the room's occupant roster.
func (r *Room) Occupants() *Occupants { return r.occupants }

// Messages returns the room's message log.
func (r *Room) Messages() *MessageLog { return r.messages }

// Status returns the current lifecycle state.
func (r *Room) Status() ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session.Status
}

// Session returns a copy of the transient session state.
func (r *Room) Session() Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.session
}

// Nickname returns the local user's nickname in this room. The room is
// the single source of truth; the roster projects onto it, never the
// reverse.
func (r *Room) Nickname() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nickname
}

// SetName sets the room's display name.
func (r *Room) SetName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
}

// Name returns the room's display name.
func (r *Room) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.name != "" {
		return r.name
	}
	return r.jid.Localpart()
}

// Subject returns the current room topic.
func (r *Room) Subject() Subject {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subject
}

// Unread returns the general and mention-specific unread counters.
func (r *Room) Unread() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread, r.mentions
}

// HasActivity reports unseen activity observed while not joined.
func (r *Room) HasActivity() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasActivity
}

// ClearUnread resets the unread counters and the activity flag.
func (r *Room) ClearUnread() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unread = 0
	r.mentions = 0
	r.hasActivity = false
}

// Features returns the last discovered room features, or nil.
func (r *Room) Features() *disco.Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.features
}

// SetDesiredConfiguration captures roomconfig values applied
// automatically when this client creates the room.
func (r *Room) SetDesiredConfiguration(fields map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.desiredConfig = fields
}

// setStatusLocked transitions the lifecycle state, persists the session
// and queues a status event. Callers hold r.mu and publish the returned
// events after unlocking.
func (r *Room) setStatusLocked(s ConnectionStatus, events *[]Event) {
	if r.session.Status == s {
		return
	}
	r.log.Debug("status %s -> %s", r.session.Status, s)
	r.session.Status = s
	r.persistSessionLocked()
	*events = append(*events, Event{Type: EventStatusChanged, Room: r.jid, Status: s})
}

func (r *Room) persistSessionLocked() {
	if r.reg.store == nil {
		return
	}
	if err := r.reg.store.Set(sessionKey(r.jid), r.session); err != nil {
		r.log.Warn("failed to persist session: %v", err)
	}
}

func (r *Room) publish(events []Event) {
	for _, e := range events {
		r.bus.Publish(e)
	}
}

// markDisconnected records a disconnection that happened outside the
// protocol (transport loss), without sending anything.
func (r *Room) markDisconnected(message string) {
	var events []Event
	r.mu.Lock()
	if r.session.Status == StatusConnecting || r.session.Status == StatusConnected || r.session.Status == StatusEntered {
		r.session.DisconnectionMessage = message
		r.setStatusLocked(StatusDisconnected, &events)
	}
	r.stopPingLocked()
	r.mu.Unlock()
	r.publish(events)
}

// SendGroupchat sends a message body to the room and records it with a
// locally generated origin id. The record is later reconciled with the
// reflected copy.
func (r *Room) SendGroupchat(body string) (*ChatMessage, error) {
	r.mu.Lock()
	nick := r.nickname
	r.mu.Unlock()

	origin := uuid.NewString()
	msg := xmpp.Message{
		ID:   origin,
		To:   r.jid,
		Type: xmpp.TypeGroupchat,
		Body: body,
	}
	if ext, err := xmpp.MarshalPayload(originIDEl{ID: origin}); err == nil {
		msg.Extensions = append(msg.Extensions, *ext)
	}
	msg = r.reg.hooks.OutgoingMessageAttributes(r.jid, msg)

	if err := r.reg.tr.SendMessage(msg); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	now := time.Now()
	rec := &ChatMessage{
		OriginID:      origin,
		Nick:          nick,
		Body:          msg.Body,
		Time:          now,
		Outgoing:      true,
		EditableUntil: now.Add(editableWindow),
	}
	rec, _ = r.messages.Upsert(rec)
	r.bus.Publish(Event{Type: EventMessage, Room: r.jid, Message: rec})
	return rec, nil
}

// SendPrivate sends a private message to an occupant and records it on
// that occupant's thread.
func (r *Room) SendPrivate(nick, body string) (*ChatMessage, error) {
	to, err := r.jid.WithResource(nick)
	if err != nil {
		return nil, fmt.Errorf("invalid nickname %q: %w", nick, err)
	}

	origin := uuid.NewString()
	msg := xmpp.Message{
		ID:   origin,
		To:   to,
		Type: xmpp.TypeChat,
		Body: body,
	}
	msg = r.reg.hooks.OutgoingMessageAttributes(r.jid, msg)

	if err := r.reg.tr.SendMessage(msg); err != nil {
		return nil, fmt.Errorf("failed to send private message: %w", err)
	}

	rec := &ChatMessage{
		OriginID: origin,
		Nick:     r.Nickname(),
		Body:     msg.Body,
		Time:     time.Now(),
		Outgoing: true,
	}
	r.occupants.AddPrivateMessage(nick, rec)
	return rec, nil
}

// CorrectMessage replaces an earlier outgoing message in place when it
// is still within its editable window.
func (r *Room) CorrectMessage(originID, newBody string) (*ChatMessage, error) {
	orig := r.messages.Get(originID)
	if orig == nil {
		return nil, fmt.Errorf("no message with id %s", originID)
	}
	if !orig.Outgoing {
		return nil, fmt.Errorf("message %s was not sent by us", originID)
	}
	now := time.Now()
	if now.After(orig.EditableUntil) {
		return nil, fmt.Errorf("message %s is no longer editable", originID)
	}

	msg := xmpp.Message{
		ID:   uuid.NewString(),
		To:   r.jid,
		Type: xmpp.TypeGroupchat,
		Body: newBody,
	}
	if ext, err := xmpp.MarshalPayload(replaceEl{ID: originID}); err == nil {
		msg.Extensions = append(msg.Extensions, *ext)
	}
	if err := r.reg.tr.SendMessage(msg); err != nil {
		return nil, fmt.Errorf("failed to send correction: %w", err)
	}

	rec := r.messages.Correct(originID, orig.Nick, newBody, now)
	if rec != nil {
		r.bus.Publish(Event{Type: EventMessageUpdated, Room: r.jid, Message: rec})
	}
	return rec, nil
}

// RetractMessage withdraws one of our own messages. Errors the room
// reports for the retraction are annotated onto the original record.
func (r *Room) RetractMessage(originID string) error {
	orig := r.messages.Get(originID)
	if orig == nil || !orig.Outgoing {
		return fmt.Errorf("no outgoing message with id %s", originID)
	}

	stanzaID := uuid.NewString()
	msg := xmpp.Message{
		ID:   stanzaID,
		To:   r.jid,
		Type: xmpp.TypeGroupchat,
	}
	if ext, err := xmpp.MarshalPayload(retractEl{ID: originID}); err == nil {
		msg.Extensions = append(msg.Extensions, *ext)
	}
	if err := r.reg.tr.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to send retraction: %w", err)
	}

	r.mu.Lock()
	r.retractAttempts[stanzaID] = originID
	r.mu.Unlock()

	if rec := r.messages.Retract(originID, orig.Nick, time.Now()); rec != nil {
		r.bus.Publish(Event{Type: EventMessageUpdated, Room: r.jid, Message: rec})
	}
	return nil
}

// ModerateMessage retracts another participant's message by stanza id.
// Requires moderator rights; the server enforces them.
func (r *Room) ModerateMessage(ctx context.Context, stanzaID, reason string) error {
	payload, err := xmpp.MarshalPayload(applyToEl{
		ID: stanzaID,
		Moderate: &moderateEl{
			Retract: &retractEl{},
			Reason:  reason,
		},
	})
	if err != nil {
		return err
	}

	reply, err := r.reg.tr.SendIQ(ctx, xmpp.IQ{
		To:      r.jid,
		Type:    xmpp.TypeSet,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to moderate message: %w", err)
	}
	if reply.Type == xmpp.TypeError {
		return iqError("message moderation", reply)
	}
	return nil
}

// SetSubject publishes a new room topic. A message carrying a subject
// and no body is always a subject change.
func (r *Room) SetSubject(text string) error {
	subject := text
	msg := xmpp.Message{
		ID:      uuid.NewString(),
		To:      r.jid,
		Type:    xmpp.TypeGroupchat,
		Subject: &subject,
	}
	if err := r.reg.tr.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to set subject: %w", err)
	}
	return nil
}

// Invite asks another user into the room. Mediated invites go through
// the room so the service can vouch for them; direct invites go
// straight to the invitee.
func (r *Room) Invite(invitee jid.JID, reason string, mediated bool) error {
	if mediated {
		msg := xmpp.Message{ID: uuid.NewString(), To: r.jid}
		ext, err := xmpp.MarshalPayload(userX{
			Invites: []inviteEl{{To: invitee.Bare().String(), Reason: reason}},
		})
		if err != nil {
			return err
		}
		msg.Extensions = append(msg.Extensions, *ext)
		return r.reg.tr.SendMessage(msg)
	}

	r.mu.Lock()
	password := r.password
	r.mu.Unlock()

	msg := xmpp.Message{ID: uuid.NewString(), To: invitee}
	ext, err := xmpp.MarshalPayload(conferenceX{
		JID:      r.jid.String(),
		Password: password,
		Reason:   reason,
	})
	if err != nil {
		return err
	}
	msg.Extensions = append(msg.Extensions, *ext)
	return r.reg.tr.SendMessage(msg)
}

// DestroyRoom destroys the room, optionally pointing members at a
// replacement address. Owner rights are enforced by the server.
func (r *Room) DestroyRoom(ctx context.Context, reason string, alternate jid.JID) error {
	destroy := &ownerDestroyEl{Reason: reason}
	if alternate.String() != "" {
		destroy.JID = alternate.Bare().String()
	}
	payload, err := xmpp.MarshalPayload(ownerQuery{Destroy: destroy})
	if err != nil {
		return err
	}

	reply, err := r.reg.tr.SendIQ(ctx, xmpp.IQ{
		To:      r.jid,
		Type:    xmpp.TypeSet,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to destroy room: %w", err)
	}
	if reply.Type == xmpp.TypeError {
		return iqError("room destruction", reply)
	}
	return nil
}

// addInfoMessage projects a roster or lifecycle transition into the
// message log as an ephemeral notice.
func (r *Room) addInfoMessage(text string) *ChatMessage {
	rec := &ChatMessage{
		OriginID:  uuid.NewString(),
		Body:      text,
		Time:      time.Now(),
		Ephemeral: true,
	}
	rec, _ = r.messages.Upsert(rec)
	return rec
}

// close tears the room down terminally. The leave runs first so an
// entered room still sends its directed unavailable presence; CLOSING
// would suppress it.
func (r *Room) close() {
	r.Leave("")

	var events []Event
	r.mu.Lock()
	r.setStatusLocked(StatusClosing, &events)
	r.mu.Unlock()
	r.publish(events)

	r.removeHandlers()
	r.bus.Clear()
}
