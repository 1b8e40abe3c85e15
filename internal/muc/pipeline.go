package muc

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"mellium.im/xmpp/jid"

	"github.com/palaver-im/palaver/internal/xmpp"
)

// chatStateExpiry bounds how long a composing notification stays
// meaningful without a follow-up.
const chatStateExpiry = 10 * time.Second

// chatStateRegistry tracks per-sender chat states. States are mutually
// exclusive per sender; a newer state displaces the previous one.
type chatStateRegistry struct {
	mu     sync.Mutex
	states map[string]string    // nick -> state
	since  map[string]time.Time // nick -> last transition
}

func newChatStateRegistry() *chatStateRegistry {
	return &chatStateRegistry{
		states: make(map[string]string),
		since:  make(map[string]time.Time),
	}
}

func (c *chatStateRegistry) set(nick, state string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[nick] = state
	c.since[nick] = now
}

func (c *chatStateRegistry) forget(nick string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, nick)
	delete(c.since, nick)
}

func (c *chatStateRegistry) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = make(map[string]string)
	c.since = make(map[string]time.Time)
}

// inState returns the senders currently in the given state, pruning
// entries older than the expiry.
func (c *chatStateRegistry) inState(state string, now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for nick, s := range c.states {
		if s != state {
			continue
		}
		if now.Sub(c.since[nick]) > chatStateExpiry {
			delete(c.states, nick)
			delete(c.since, nick)
			continue
		}
		out = append(out, nick)
	}
	return out
}

// Typing returns the nicknames currently composing a message.
func (r *Room) Typing() []string {
	return r.states.inState("composing", time.Now())
}

var chatStateNames = map[string]bool{
	"active":    true,
	"composing": true,
	"paused":    true,
	"inactive":  true,
	"gone":      true,
}

// handleMessage is the entry point for all messages from this room's
// address. Classification is ordered: each stanza takes exactly one
// path. Runs on the stanza dispatch goroutine.
func (r *Room) handleMessage(m *xmpp.Message) {
	if m.Type == xmpp.TypeError {
		r.handleMessageError(m)
		return
	}

	// Archive results are fed through their own requester, never the
	// live pipeline.
	if m.Extension(NSMAM, "result") != nil {
		return
	}

	nick := m.From.Resourcepart()

	// Service-level messages arrive from the bare room address.
	if nick == "" {
		r.handleServiceMessage(m)
		return
	}

	if m.Type == xmpp.TypeChat {
		r.handlePrivateMessage(m, nick)
		return
	}

	// A subject with no body and no thread is a topic change, even when
	// the subject text is empty.
	if m.Subject != nil && m.Body == "" && m.Thread == "" {
		r.applySubject(nick, m)
		return
	}

	if ext := m.Extension(NSFasten, "apply-to"); ext != nil {
		var apply applyToEl
		if err := ext.Decode(&apply); err == nil && apply.Moderate != nil && apply.Moderate.Retract != nil {
			r.applyModeration(nick, &apply)
			return
		}
	}

	if ext := m.Extension(NSRetract, "retract"); ext != nil {
		var ret retractEl
		if err := ext.Decode(&ret); err == nil && ret.ID != "" {
			if rec := r.messages.Retract(ret.ID, nick, time.Now()); rec != nil {
				r.bus.Publish(Event{Type: EventMessageUpdated, Room: r.jid, Message: rec})
			}
			return
		}
	}

	if m.Body != "" {
		if ext := m.Extension(NSCorrect, "replace"); ext != nil {
			var rep replaceEl
			if err := ext.Decode(&rep); err == nil && rep.ID != "" {
				if r.applyCorrection(nick, rep.ID, m) {
					return
				}
				// Correction for an unknown or foreign message falls
				// through and is recorded as a fresh message.
			}
		}
		r.recordGroupchat(nick, m)
		return
	}

	// Bodyless: chat states update the typing registry; receipts and
	// markers are acknowledged by ignoring them.
	for _, ext := range m.Extensions {
		if ext.XMLName.Space == NSChatStates && chatStateNames[ext.XMLName.Local] {
			r.states.set(nick, ext.XMLName.Local, time.Now())
			return
		}
	}
}

// handleServiceMessage processes messages from the bare room address:
// configuration notices, activity signals, mediated invites and
// forwarded mentions.
func (r *Room) handleServiceMessage(m *xmpp.Message) {
	if ext := m.Extension(NSUser, "x"); ext != nil {
		var x userX
		if err := ext.Decode(&x); err == nil {
			if x.hasCode(CodeConfigChanged) || x.hasCode(CodeNonAnonymous) ||
				x.hasCode(CodeNowNonAnonymous) || x.hasCode(CodeNowSemiAnonymous) ||
				x.hasCode(CodeLoggingEnabled) || x.hasCode(CodeLoggingDisabled) {
				r.handleConfigChanged(&x)
				return
			}
		}
	}

	if m.Extension(NSActivity, "activity") != nil {
		r.noteActivity()
		return
	}

	// Mentions forwarded to non-occupants while the room is hidden.
	if ext := m.Extension(NSForward, "forwarded"); ext != nil {
		var fwd forwardedEl
		if err := ext.Decode(&fwd); err == nil && fwd.Message != nil {
			r.handleForwardedMention(&fwd)
		}
		return
	}

	// A broadcast subject from the service itself.
	if m.Subject != nil && m.Body == "" && m.Thread == "" {
		r.applySubject("", m)
		return
	}

	if m.Body != "" {
		msg := r.addInfoMessage(m.Body)
		r.bus.Publish(Event{Type: EventMessage, Room: r.jid, Message: msg})
	}
}

// handleConfigChanged reacts to a configuration-change broadcast by
// refreshing the room's advertised features.
func (r *Room) handleConfigChanged(x *userX) {
	notice := "The groupchat configuration changed"
	switch {
	case x.hasCode(CodeNowNonAnonymous):
		notice = "The groupchat is now non-anonymous"
	case x.hasCode(CodeNowSemiAnonymous):
		notice = "The groupchat is now semi-anonymous"
	case x.hasCode(CodeLoggingEnabled):
		notice = "The groupchat is now publicly logged"
	case x.hasCode(CodeLoggingDisabled):
		notice = "The groupchat is no longer publicly logged"
	}
	msg := r.addInfoMessage(notice)
	r.bus.Publish(Event{Type: EventMessage, Room: r.jid, Message: msg})

	// Refreshing needs an IQ round-trip; never on the dispatch loop.
	go func() {
		ctx, cancel := r.reg.requestCtx()
		defer cancel()
		info, err := r.reg.disco.Refresh(ctx, r.jid)
		if err != nil {
			r.log.Warn("feature refresh after config change failed: %v", err)
			return
		}
		r.mu.Lock()
		r.features = info
		r.mu.Unlock()
	}()
}

func (r *Room) noteActivity() {
	r.mu.Lock()
	already := r.hasActivity
	r.hasActivity = true
	r.mu.Unlock()
	if !already {
		r.bus.Publish(Event{Type: EventActivity, Room: r.jid})
	}
}

// handleForwardedMention records a mention delivered while we are not
// an occupant.
func (r *Room) handleForwardedMention(fwd *forwardedEl) {
	if r.Status() == StatusEntered {
		// Joined rooms see the original; the wrapper is redundant.
		return
	}
	inner := fwd.Message
	nick := inner.From.Resourcepart()

	rec := &ChatMessage{
		OriginID: originID(inner),
		Nick:     nick,
		Body:     inner.Body,
		Time:     time.Now(),
	}
	if t, ok := fwd.Delay.time(); ok {
		rec.Time = t
	}
	rec, created := r.messages.Upsert(rec)
	if !created {
		return
	}

	r.mu.Lock()
	r.unread++
	r.mentions++
	r.hasActivity = true
	r.mu.Unlock()
	r.bus.Publish(Event{Type: EventMessage, Room: r.jid, Message: rec})
	r.bus.Publish(Event{Type: EventActivity, Room: r.jid})
}

func (r *Room) handlePrivateMessage(m *xmpp.Message, nick string) {
	if m.Body == "" {
		return
	}
	rec := &ChatMessage{
		OriginID: originID(m),
		Nick:     nick,
		Body:     m.Body,
		Time:     messageTime(m),
	}
	occ := r.occupants.AddPrivateMessage(nick, rec)

	r.mu.Lock()
	r.unread++
	r.mu.Unlock()
	r.bus.Publish(Event{Type: EventOccupantChanged, Room: r.jid, Occupant: occ})
}

func (r *Room) applySubject(nick string, m *xmpp.Message) {
	at := messageTime(m)
	r.mu.Lock()
	r.subject = Subject{Text: *m.Subject, Nick: nick, Time: at}
	s := r.subject
	r.mu.Unlock()
	r.bus.Publish(Event{Type: EventSubject, Room: r.jid, Subject: &s})
}

func (r *Room) applyModeration(nick string, apply *applyToEl) {
	by := nick
	reason := apply.Moderate.Reason
	rec := r.messages.ApplyModeration(apply.ID, by, reason, time.Now())
	if rec != nil {
		r.bus.Publish(Event{Type: EventMessageUpdated, Room: r.jid, Message: rec})
	}
}

// applyCorrection mutates the target record in place. Returns false
// when the target is unknown or belongs to a different sender, in
// which case the correction is treated as a new message.
func (r *Room) applyCorrection(nick, targetID string, m *xmpp.Message) bool {
	rec := r.messages.Correct(targetID, nick, m.Body, messageTime(m))
	if rec == nil {
		return false
	}
	r.states.forget(nick)
	r.bus.Publish(Event{Type: EventMessageUpdated, Room: r.jid, Message: rec})
	return true
}

// recordGroupchat records a live groupchat message, reconciling the
// reflection of our own sends through the shared origin id.
func (r *Room) recordGroupchat(nick string, m *xmpp.Message) {
	delayed := m.Extension(NSDelay, "delay") != nil
	at := messageTime(m)

	rec := &ChatMessage{
		OriginID: originID(m),
		Nick:     nick,
		Body:     m.Body,
		Time:     at,
	}
	if ext := m.Extension(NSSID, "stanza-id"); ext != nil {
		var sid stanzaIDEl
		if err := ext.Decode(&sid); err == nil {
			rec.StanzaID = sid.ID
		}
	}
	for _, e := range m.Extensions {
		if e.Is(NSOOB, "x") {
			var oob oobX
			if err := e.Decode(&oob); err == nil && oob.URL != "" {
				rec.attach(Attachment{URL: oob.URL, Description: oob.Desc})
			}
		}
		if e.Is(NSReference, "reference") {
			var ref referenceEl
			if err := e.Decode(&ref); err == nil {
				pr := Reference{Type: ref.Type, URI: ref.URI}
				if ref.Begin != nil {
					pr.Begin = *ref.Begin
				}
				if ref.End != nil {
					pr.End = *ref.End
				}
				rec.References = append(rec.References, pr)
			}
		}
	}

	rec, created := r.messages.Upsert(rec)
	r.states.forget(nick)

	if !created {
		// Reflection of our own message.
		r.bus.Publish(Event{Type: EventMessageUpdated, Room: r.jid, Message: rec})
		return
	}
	if rec.ModeratedBy != "" || rec.Retracted {
		// A dangling placeholder absorbed its target; the content was
		// withdrawn before we ever displayed it.
		r.bus.Publish(Event{Type: EventMessageUpdated, Room: r.jid, Message: rec})
		return
	}

	own := nick == r.Nickname()
	if !own && !delayed {
		r.mu.Lock()
		r.unread++
		if r.isMentionLocked(rec) {
			r.mentions++
		}
		r.mu.Unlock()
	}
	r.bus.Publish(Event{Type: EventMessage, Room: r.jid, Message: rec})
}

// handleMessageError annotates the record whose send or retraction the
// room rejected.
func (r *Room) handleMessageError(m *xmpp.Message) {
	condition, text := "", ""
	if m.Error != nil {
		condition = m.Error.Condition
		text = m.Error.Text
	}

	r.mu.Lock()
	target, wasRetract := r.retractAttempts[m.ID]
	if wasRetract {
		delete(r.retractAttempts, m.ID)
	}
	r.mu.Unlock()

	if wasRetract {
		if text == "" {
			text = "The groupchat rejected the retraction"
		}
		if rec := r.messages.Annotate(target, condition, text); rec != nil {
			r.bus.Publish(Event{Type: EventMessageUpdated, Room: r.jid, Message: rec})
		}
		return
	}

	if rec := r.messages.Annotate(originID(m), condition, text); rec != nil {
		r.bus.Publish(Event{Type: EventMessageUpdated, Room: r.jid, Message: rec})
		return
	}
	r.log.Debug("error for unknown message %s: %s", m.ID, condition)
}

// isMentionLocked reports whether the record addresses us, either via
// an explicit mention reference or by nickname in the body.
func (r *Room) isMentionLocked(rec *ChatMessage) bool {
	self := r.reg.tr.JID().Bare().String()
	for _, ref := range rec.References {
		if ref.Type != "mention" {
			continue
		}
		uri := strings.TrimPrefix(ref.URI, "xmpp:")
		if uri == self {
			return true
		}
		if j, err := jid.Parse(uri); err == nil {
			if j.Bare().String() == r.jid.String() && j.Resourcepart() == r.nickname {
				return true
			}
		}
	}
	return containsWord(rec.Body, r.nickname)
}

// containsWord reports a case-insensitive whole-word occurrence.
func containsWord(text, word string) bool {
	if word == "" {
		return false
	}
	lower := strings.ToLower(text)
	word = strings.ToLower(word)
	for i := 0; ; {
		idx := strings.Index(lower[i:], word)
		if idx < 0 {
			return false
		}
		start := i + idx
		end := start + len(word)
		before := start == 0 || isWordBoundary(rune(lower[start-1]))
		after := end == len(lower) || isWordBoundary(rune(lower[end]))
		if before && after {
			return true
		}
		i = start + 1
	}
}

func isWordBoundary(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}

// originID extracts the sender-asserted identity of a message, falling
// back to the stanza id, then to a fresh one so every record is
// indexable.
func originID(m *xmpp.Message) string {
	if ext := m.Extension(NSSID, "origin-id"); ext != nil {
		if id := ext.Attr("id"); id != "" {
			return id
		}
	}
	if m.ID != "" {
		return m.ID
	}
	return uuid.NewString()
}

// messageTime resolves the effective timestamp: the delay stamp for
// history replays, otherwise now.
func messageTime(m *xmpp.Message) time.Time {
	if ext := m.Extension(NSDelay, "delay"); ext != nil {
		var d delayEl
		if err := ext.Decode(&d); err == nil {
			if t, ok := d.time(); ok {
				return t
			}
		}
	}
	return time.Now()
}
