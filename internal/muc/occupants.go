package muc

import (
	"sync"

	"mellium.im/xmpp/jid"
)

// PresenceState is an occupant's last observed availability.
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

// Occupant is a participant's presence-derived identity within a room.
// The real address is only set when the room discloses identities.
type Occupant struct {
	Nickname    string
	JID         jid.JID
	Affiliation Affiliation
	Role        Role
	Presence    PresenceState
	StatusCodes []int
	Self        bool

	// Messages holds the occupant's private-message thread.
	Messages []*ChatMessage
}

// OccupantUpdate is the presence-derived attribute set fed to Apply.
type OccupantUpdate struct {
	Nickname    string
	JID         jid.JID
	Affiliation Affiliation
	Role        Role
	StatusCodes []int
	Unavailable bool
	Self        bool
}

// OccupantChange describes what an Apply call did, so the room can
// project roster transitions into notification text. The projection is
// one-way: roster mutation drives message-log side effects, never the
// reverse.
type OccupantChange struct {
	Occupant           *Occupant
	Created            bool
	Removed            bool
	AffiliationChanged bool
	RoleChanged        bool
	WentOffline        bool
	OldAffiliation     Affiliation
	OldRole            Role
}

// Occupants is the authoritative roster of current room participants.
// It is owned exclusively by its Room and mutated only through Apply;
// presence events are the only source of mutations.
type Occupants struct {
	mu     sync.RWMutex
	byNick map[string]*Occupant
}

// NewOccupants creates an empty roster.
func NewOccupants() *Occupants {
	return &Occupants{byNick: make(map[string]*Occupant)}
}

// ByNickname returns the occupant with the given nickname, or nil.
func (o *Occupants) ByNickname(nick string) *Occupant {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.byNick[nick]
}

// ByAddress returns the occupant whose real address matches the given
// bare address, or nil. Only useful in non-anonymous rooms.
func (o *Occupants) ByAddress(j jid.JID) *Occupant {
	o.mu.RLock()
	defer o.mu.RUnlock()

	bare := j.Bare()
	for _, occ := range o.byNick {
		if occ.JID.String() != "" && occ.JID.Bare().Equal(bare) {
			return occ
		}
	}
	return nil
}

// Own returns the occupant representing the local user, or nil before
// entry is confirmed.
func (o *Occupants) Own() *Occupant {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for _, occ := range o.byNick {
		if occ.Self {
			return occ
		}
	}
	return nil
}

// All returns a snapshot of all occupants.
func (o *Occupants) All() []*Occupant {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make([]*Occupant, 0, len(o.byNick))
	for _, occ := range o.byNick {
		out = append(out, occ)
	}
	return out
}

// Len returns the occupant count.
func (o *Occupants) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.byNick)
}

// Apply mutates the roster from a presence-derived update. An
// unavailable presence for a known, non-affiliated occupant removes it
// after updating its last-known attributes, so a "went offline" notice
// can still be rendered from the returned record. Affiliated occupants
// persist as offline placeholders so authority history survives
// disconnection.
func (o *Occupants) Apply(up OccupantUpdate) OccupantChange {
	o.mu.Lock()
	defer o.mu.Unlock()

	occ := o.byNick[up.Nickname]

	if up.Unavailable {
		if occ == nil {
			return OccupantChange{}
		}
		change := OccupantChange{Occupant: occ, WentOffline: occ.Presence == PresenceOnline}
		o.updateLocked(occ, up, &change)
		occ.Presence = PresenceOffline
		if !occ.Affiliation.AboveNone() && !occ.Self {
			delete(o.byNick, up.Nickname)
			change.Removed = true
		}
		return change
	}

	change := OccupantChange{}
	if occ == nil {
		occ = &Occupant{Nickname: up.Nickname}
		o.byNick[up.Nickname] = occ
		change.Created = true
	}
	change.Occupant = occ
	o.updateLocked(occ, up, &change)
	occ.Presence = PresenceOnline
	return change
}

// updateLocked applies attribute updates and records transitions.
func (o *Occupants) updateLocked(occ *Occupant, up OccupantUpdate, change *OccupantChange) {
	if up.JID.String() != "" {
		occ.JID = up.JID
	}
	if up.StatusCodes != nil {
		occ.StatusCodes = up.StatusCodes
	}
	if up.Self {
		occ.Self = true
	}
	if up.Affiliation != "" && up.Affiliation != occ.Affiliation {
		change.OldAffiliation = occ.Affiliation
		change.AffiliationChanged = !change.Created
		occ.Affiliation = up.Affiliation
	}
	if up.Role != "" && up.Role != occ.Role {
		change.OldRole = occ.Role
		change.RoleChanged = !change.Created
		occ.Role = up.Role
	}
}

// Rename moves an occupant to a new nickname, preserving its record.
func (o *Occupants) Rename(oldNick, newNick string) *Occupant {
	o.mu.Lock()
	defer o.mu.Unlock()

	occ := o.byNick[oldNick]
	if occ == nil {
		return nil
	}
	delete(o.byNick, oldNick)
	occ.Nickname = newNick
	o.byNick[newNick] = occ
	return occ
}

// AddPrivateMessage appends to an occupant's private thread.
func (o *Occupants) AddPrivateMessage(nick string, msg *ChatMessage) *Occupant {
	o.mu.Lock()
	defer o.mu.Unlock()

	occ := o.byNick[nick]
	if occ == nil {
		occ = &Occupant{Nickname: nick, Presence: PresenceOffline}
		o.byNick[nick] = occ
	}
	occ.Messages = append(occ.Messages, msg)
	return occ
}

// Clear empties the roster. With keepAffiliated set, affiliated
// occupants survive as offline placeholders for resilient re-entry.
func (o *Occupants) Clear(keepAffiliated bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !keepAffiliated {
		o.byNick = make(map[string]*Occupant)
		return
	}
	for nick, occ := range o.byNick {
		if occ.Affiliation.AboveNone() {
			occ.Presence = PresenceOffline
			occ.Role = RoleNone
			continue
		}
		delete(o.byNick, nick)
	}
}
