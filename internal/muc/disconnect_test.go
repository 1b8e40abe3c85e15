package muc

import (
	"testing"

	"github.com/palaver-im/palaver/internal/xmpp"
)

func TestClassifyPresenceErrorConditions(t *testing.T) {
	tests := []struct {
		condition string
		want      DisconnectReason
	}{
		{"conflict", ReasonNicknameConflict},
		{"not-authorized", ReasonPasswordRequired},
		{"forbidden", ReasonBanned},
		{"registration-required", ReasonRegistrationRequired},
		{"gone", ReasonDestroyed},
		{"service-unavailable", ReasonRoomFull},
		{"remote-server-not-found", ReasonUnreachable},
		{"remote-server-timeout", ReasonUnreachable},
		{"internal-server-error", ReasonGeneric},
	}

	for _, tc := range tests {
		d := ClassifyPresenceError(&xmpp.StanzaError{Condition: tc.condition})
		if d.Reason != tc.want {
			t.Fatalf("condition %s classified as %s, want %s", tc.condition, d.Reason, tc.want)
		}
		if d.Message == "" {
			t.Fatalf("condition %s produced no user-facing message", tc.condition)
		}
	}
}

func TestClassifyPresenceErrorNil(t *testing.T) {
	d := ClassifyPresenceError(nil)
	if d.Reason != ReasonGeneric {
		t.Fatalf("nil error classified as %s, want %s", d.Reason, ReasonGeneric)
	}
}

func TestClassifyStatusCodesBan(t *testing.T) {
	x := &userX{
		Items: []userItem{{
			Affiliation: "outcast",
			Role:        "none",
			Actor:       &actorEl{Nick: "admin"},
			Reason:      "spamming",
		}},
		Statuses: []statusEl{{Code: CodeBanned}},
	}

	d := ClassifyStatusCodes(x)
	if d.Reason != ReasonBanned {
		t.Fatalf("expected ban, got %s", d.Reason)
	}
	if d.Actor != "admin" {
		t.Fatalf("expected actor admin, got %q", d.Actor)
	}
	if d.Message != "spamming" {
		t.Fatalf("expected item reason as message, got %q", d.Message)
	}
	if len(d.Codes) != 1 || d.Codes[0] != "301" {
		t.Fatalf("expected code metadata [301], got %v", d.Codes)
	}
}

func TestClassifyStatusCodesNickChangeIsNotDisconnect(t *testing.T) {
	x := &userX{
		Items:    []userItem{{Nick: "luna-2"}},
		Statuses: []statusEl{{Code: CodeNewNick}},
	}

	d := ClassifyStatusCodes(x)
	if d.Reason != ReasonNone {
		t.Fatalf("nickname change classified as %s", d.Reason)
	}
}

func TestClassifyStatusCodesDestroyWithAlternate(t *testing.T) {
	x := &userX{
		Destroy: &destroyEl{JID: "newroom@muc.example.com", Reason: "moved"},
	}

	d := ClassifyStatusCodes(x)
	if d.Reason != ReasonDestroyed {
		t.Fatalf("expected destroyed, got %s", d.Reason)
	}
	if d.Alternate != "newroom@muc.example.com" {
		t.Fatalf("expected alternate venue, got %q", d.Alternate)
	}
	if d.Message != "moved" {
		t.Fatalf("expected destroy reason as message, got %q", d.Message)
	}
}

func TestMutateNickname(t *testing.T) {
	tests := []struct{ in, want string }{
		{"luna", "luna-2"},
		{"luna-2", "luna-3"},
		{"luna-9", "luna-10"},
		{"dash-name", "dash-name-2"},
	}
	for _, tc := range tests {
		if got := MutateNickname(tc.in); got != tc.want {
			t.Fatalf("MutateNickname(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
