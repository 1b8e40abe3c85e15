package hooks

import (
	"testing"

	"mellium.im/xmpp/jid"

	"github.com/palaver-im/palaver/internal/xmpp"
)

func TestOutgoingTransformsRunInRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	room := jid.MustParse("room@muc.example.com")

	r.OnGetOutgoingMessageAttributes(func(_ jid.JID, m xmpp.Message) xmpp.Message {
		m.Body += "-first"
		return m
	})
	r.OnGetOutgoingMessageAttributes(func(_ jid.JID, m xmpp.Message) xmpp.Message {
		m.Body += "-second"
		return m
	})

	out := r.OutgoingMessageAttributes(room, xmpp.Message{Body: "base"})
	if out.Body != "base-first-second" {
		t.Fatalf("got %q", out.Body)
	}
}

func TestNicknameFirstNonEmptyWins(t *testing.T) {
	r := NewRegistry()
	room := jid.MustParse("room@muc.example.com")

	r.OnGetNicknameForRoom(func(jid.JID) string { return "" })
	r.OnGetNicknameForRoom(func(jid.JID) string { return "winner" })
	r.OnGetNicknameForRoom(func(jid.JID) string { return "loser" })

	if got := r.NicknameForRoom(room); got != "winner" {
		t.Fatalf("got %q", got)
	}
}

func TestEmptyRegistryPassesThrough(t *testing.T) {
	r := NewRegistry()
	room := jid.MustParse("room@muc.example.com")

	if got := r.NicknameForRoom(room); got != "" {
		t.Fatalf("empty registry produced nickname %q", got)
	}
	p := xmpp.Presence{Status: "hello"}
	if out := r.ConstructedJoinPresence(room, p); out.Status != "hello" {
		t.Fatalf("presence mutated by empty registry")
	}
}
