package muc

import (
	"sync"
	"time"

	"mellium.im/xmpp/jid"
)

// editableWindow is how long an outgoing message stays correctable.
const editableWindow = 10 * time.Minute

// Reference is a parsed mention inside a message body.
type Reference struct {
	Type  string
	URI   string
	Begin int
	End   int
}

// ChatMessage is one groupchat message record. At most one live record
// exists per origin id; corrections and moderations mutate the record
// in place rather than appending siblings.
type ChatMessage struct {
	OriginID string // locally generated identity
	StanzaID string // server-assigned stable id, set once reflected
	Nick     string
	From     jid.JID // real address, when disclosed
	Body     string
	Time     time.Time

	Outgoing      bool
	EditableUntil time.Time
	Corrected     bool
	EditedAt      time.Time

	Retracted        bool
	ModeratedBy      string
	ModerationReason string

	// Dangling marks a moderation placeholder created before its
	// target message arrived; it is reconciled or purged.
	Dangling      bool
	DanglingSince time.Time

	Ephemeral   bool
	References  []Reference
	Attachments []Attachment

	ErrorCondition string
	ErrorText      string
}

// Attachment is an out-of-band metadata entry attached to a message.
type Attachment struct {
	URL         string
	Description string
}

// attach adds an attachment, keeping at most one per unique URL.
func (m *ChatMessage) attach(a Attachment) bool {
	for _, have := range m.Attachments {
		if have.URL == a.URL {
			return false
		}
	}
	m.Attachments = append(m.Attachments, a)
	return true
}

// MessageLog is a room's ordered message store, indexed by origin id
// and by server-assigned stanza id.
type MessageLog struct {
	mu        sync.Mutex
	msgs      []*ChatMessage
	byOrigin  map[string]*ChatMessage
	byStanza  map[string]*ChatMessage
	retention time.Duration // dangling placeholder lifetime
}

// NewMessageLog creates an empty log. retention bounds how long a
// dangling moderation placeholder waits for its target.
func NewMessageLog(retention time.Duration) *MessageLog {
	if retention <= 0 {
		retention = time.Hour
	}
	return &MessageLog{
		byOrigin:  make(map[string]*ChatMessage),
		byStanza:  make(map[string]*ChatMessage),
		retention: retention,
	}
}

// Get returns the record with the given origin id, or nil.
func (l *MessageLog) Get(originID string) *ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byOrigin[originID]
}

// GetByStanzaID returns the record with the given stanza id, or nil.
func (l *MessageLog) GetByStanzaID(id string) *ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byStanza[id]
}

// All returns a snapshot of the log in arrival order.
func (l *MessageLog) All() []*ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*ChatMessage, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the number of records, dangling placeholders included.
func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// Upsert adds a message or merges it into an existing record. A record
// already present under the same origin id is updated in place (the
// reflection path), and a dangling moderation placeholder matching the
// stanza id absorbs the content while keeping its moderation fields, so
// exactly one final record exists. The second return reports whether a
// new live message appeared.
func (l *MessageLog) Upsert(msg *ChatMessage) (*ChatMessage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if msg.OriginID != "" {
		if have := l.byOrigin[msg.OriginID]; have != nil {
			if msg.StanzaID != "" && have.StanzaID == "" {
				have.StanzaID = msg.StanzaID
				l.byStanza[msg.StanzaID] = have
			}
			if have.Nick == "" {
				have.Nick = msg.Nick
			}
			if !msg.Time.IsZero() {
				have.Time = msg.Time
			}
			return have, false
		}
	}

	if msg.StanzaID != "" {
		if have := l.byStanza[msg.StanzaID]; have != nil && have.Dangling {
			have.OriginID = msg.OriginID
			have.Nick = msg.Nick
			have.From = msg.From
			have.Body = msg.Body
			have.Time = msg.Time
			have.References = msg.References
			have.Dangling = false
			if have.OriginID != "" {
				l.byOrigin[have.OriginID] = have
			}
			return have, true
		}
	}

	l.msgs = append(l.msgs, msg)
	if msg.OriginID != "" {
		l.byOrigin[msg.OriginID] = msg
	}
	if msg.StanzaID != "" {
		l.byStanza[msg.StanzaID] = msg
	}
	return msg, true
}

// Correct replaces the body of the record with the given origin id.
// Returns the corrected record, or nil if no such record exists or the
// sender does not match the original.
func (l *MessageLog) Correct(originID, nick, newBody string, at time.Time) *ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	have := l.byOrigin[originID]
	if have == nil || have.Retracted {
		return nil
	}
	if have.Nick != "" && have.Nick != nick {
		return nil
	}
	have.Body = newBody
	have.Corrected = true
	have.EditedAt = at
	return have
}

// ApplyModeration marks the record with the given stanza id as
// retracted by a moderator. If the target has not arrived yet a
// dangling placeholder is created and reconciled later by Upsert.
func (l *MessageLog) ApplyModeration(stanzaID, by, reason string, at time.Time) *ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	have := l.byStanza[stanzaID]
	if have == nil {
		have = &ChatMessage{
			StanzaID:      stanzaID,
			Dangling:      true,
			DanglingSince: at,
			Time:          at,
		}
		l.msgs = append(l.msgs, have)
		l.byStanza[stanzaID] = have
	}
	have.Retracted = true
	have.ModeratedBy = by
	have.ModerationReason = reason
	return have
}

// Retract marks the record with the given origin id as retracted by its
// own sender. Returns nil when no record matches.
func (l *MessageLog) Retract(originID, nick string, at time.Time) *ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	have := l.byOrigin[originID]
	if have == nil {
		return nil
	}
	if have.Nick != "" && nick != "" && have.Nick != nick {
		return nil
	}
	have.Retracted = true
	return have
}

// Annotate records an error condition on the referenced message.
func (l *MessageLog) Annotate(originID, condition, text string) *ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()

	have := l.byOrigin[originID]
	if have == nil {
		return nil
	}
	have.ErrorCondition = condition
	have.ErrorText = text
	return have
}

// PurgeDangling drops placeholders whose target never arrived within
// the retention window (e.g. it was filtered out as an archive
// duplicate). Returns how many were purged.
func (l *MessageLog) PurgeDangling(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	purged := 0
	kept := l.msgs[:0]
	for _, m := range l.msgs {
		if m.Dangling && now.Sub(m.DanglingSince) > l.retention {
			delete(l.byStanza, m.StanzaID)
			purged++
			continue
		}
		kept = append(kept, m)
	}
	l.msgs = kept
	return purged
}
