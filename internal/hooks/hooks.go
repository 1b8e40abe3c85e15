// Package hooks provides named extension points that transform protocol
// payloads before the engine uses them. Hooks are shape-preserving: a
// transform receives a payload and returns a payload of the same type.
package hooks

import (
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/palaver-im/palaver/internal/xmpp"
)

// JoinPresenceFunc may rewrite a join presence before it is sent.
type JoinPresenceFunc func(room jid.JID, p xmpp.Presence) xmpp.Presence

// NicknameFunc may supply a nickname for a room. The first hook that
// returns a non-empty string wins.
type NicknameFunc func(room jid.JID) string

// OutgoingMessageFunc may rewrite an outgoing groupchat message.
type OutgoingMessageFunc func(room jid.JID, m xmpp.Message) xmpp.Message

// Registry holds the registered hooks. A single registry is shared by
// all rooms of a session.
type Registry struct {
	mu           sync.RWMutex
	joinPresence []JoinPresenceFunc
	nickname     []NicknameFunc
	outgoing     []OutgoingMessageFunc
}

// NewRegistry creates an empty hook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// OnConstructedJoinPresence registers a join-presence transform.
func (r *Registry) OnConstructedJoinPresence(f JoinPresenceFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.joinPresence = append(r.joinPresence, f)
}

// OnGetNicknameForRoom registers a nickname provider.
func (r *Registry) OnGetNicknameForRoom(f NicknameFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nickname = append(r.nickname, f)
}

// OnGetOutgoingMessageAttributes registers an outgoing-message transform.
func (r *Registry) OnGetOutgoingMessageAttributes(f OutgoingMessageFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outgoing = append(r.outgoing, f)
}

// ConstructedJoinPresence runs the join presence through every
// registered transform in registration order.
func (r *Registry) ConstructedJoinPresence(room jid.JID, p xmpp.Presence) xmpp.Presence {
	r.mu.RLock()
	fns := r.joinPresence
	r.mu.RUnlock()

	for _, f := range fns {
		p = f(room, p)
	}
	return p
}

// NicknameForRoom asks the registered providers for a nickname. Returns
// "" if no provider has one.
func (r *Registry) NicknameForRoom(room jid.JID) string {
	r.mu.RLock()
	fns := r.nickname
	r.mu.RUnlock()

	for _, f := range fns {
		if nick := f(room); nick != "" {
			return nick
		}
	}
	return ""
}

// OutgoingMessageAttributes runs an outgoing message through every
// registered transform in registration order.
func (r *Registry) OutgoingMessageAttributes(room jid.JID, m xmpp.Message) xmpp.Message {
	r.mu.RLock()
	fns := r.outgoing
	r.mu.RUnlock()

	for _, f := range fns {
		m = f(room, m)
	}
	return m
}
