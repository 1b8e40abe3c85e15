package muc

import (
	"testing"

	"mellium.im/xmpp/jid"
)

func TestOccupantsApplyUpsert(t *testing.T) {
	o := NewOccupants()

	change := o.Apply(OccupantUpdate{
		Nickname:    "alice",
		Affiliation: AffiliationMember,
		Role:        RoleParticipant,
	})
	if !change.Created {
		t.Fatalf("first presence did not create the occupant")
	}

	change = o.Apply(OccupantUpdate{
		Nickname:    "alice",
		Affiliation: AffiliationAdmin,
		Role:        RoleModerator,
	})
	if change.Created {
		t.Fatalf("second presence created a duplicate")
	}
	if !change.AffiliationChanged || change.OldAffiliation != AffiliationMember {
		t.Fatalf("affiliation transition not recorded: %+v", change)
	}
	if !change.RoleChanged || change.OldRole != RoleParticipant {
		t.Fatalf("role transition not recorded: %+v", change)
	}
	if o.Len() != 1 {
		t.Fatalf("expected 1 occupant, got %d", o.Len())
	}
}

func TestOccupantsUnavailableRemovesNonAffiliated(t *testing.T) {
	o := NewOccupants()
	o.Apply(OccupantUpdate{Nickname: "guest", Affiliation: AffiliationNone, Role: RoleParticipant})

	change := o.Apply(OccupantUpdate{Nickname: "guest", Unavailable: true})
	if !change.Removed {
		t.Fatalf("non-affiliated occupant not removed on unavailable")
	}
	if !change.WentOffline {
		t.Fatalf("offline transition not reported for notice rendering")
	}
	if change.Occupant == nil || change.Occupant.Nickname != "guest" {
		t.Fatalf("removed occupant record not returned")
	}
	if o.ByNickname("guest") != nil {
		t.Fatalf("removed occupant still present in roster")
	}
}

func TestOccupantsUnavailableKeepsAffiliated(t *testing.T) {
	o := NewOccupants()
	o.Apply(OccupantUpdate{Nickname: "alice", Affiliation: AffiliationMember, Role: RoleParticipant})

	change := o.Apply(OccupantUpdate{Nickname: "alice", Affiliation: AffiliationMember, Unavailable: true})
	if change.Removed {
		t.Fatalf("affiliated occupant was removed")
	}

	occ := o.ByNickname("alice")
	if occ == nil {
		t.Fatalf("affiliated occupant missing after unavailable")
	}
	if occ.Presence != PresenceOffline {
		t.Fatalf("expected offline placeholder, got %s", occ.Presence)
	}
	if occ.Affiliation != AffiliationMember {
		t.Fatalf("affiliation lost across disconnection: %s", occ.Affiliation)
	}
}

func TestOccupantsUnavailableUnknownIsNoop(t *testing.T) {
	o := NewOccupants()
	change := o.Apply(OccupantUpdate{Nickname: "stranger", Unavailable: true})
	if change.Occupant != nil || change.Removed {
		t.Fatalf("unavailable for unknown occupant produced a change: %+v", change)
	}
}

func TestOccupantsOwn(t *testing.T) {
	o := NewOccupants()
	o.Apply(OccupantUpdate{Nickname: "alice", Role: RoleParticipant})
	o.Apply(OccupantUpdate{Nickname: "me", Role: RoleModerator, Self: true})

	own := o.Own()
	if own == nil || own.Nickname != "me" {
		t.Fatalf("own occupant not found")
	}
}

func TestOccupantsByAddress(t *testing.T) {
	o := NewOccupants()
	addr := jid.MustParse("alice@example.com/desktop")
	o.Apply(OccupantUpdate{Nickname: "alice", JID: addr, Role: RoleParticipant})

	occ := o.ByAddress(jid.MustParse("alice@example.com"))
	if occ == nil || occ.Nickname != "alice" {
		t.Fatalf("lookup by bare address failed")
	}
}

func TestOccupantsRename(t *testing.T) {
	o := NewOccupants()
	o.Apply(OccupantUpdate{Nickname: "luna", Affiliation: AffiliationMember, Role: RoleParticipant})

	occ := o.Rename("luna", "selene")
	if occ == nil {
		t.Fatalf("rename of known occupant returned nil")
	}
	if o.ByNickname("luna") != nil {
		t.Fatalf("old nickname still resolves after rename")
	}
	got := o.ByNickname("selene")
	if got == nil || got.Affiliation != AffiliationMember {
		t.Fatalf("renamed occupant lost its record")
	}
}

func TestOccupantsClearKeepsAffiliated(t *testing.T) {
	o := NewOccupants()
	o.Apply(OccupantUpdate{Nickname: "member", Affiliation: AffiliationMember, Role: RoleParticipant})
	o.Apply(OccupantUpdate{Nickname: "guest", Affiliation: AffiliationNone, Role: RoleVisitor})

	o.Clear(true)

	if o.ByNickname("guest") != nil {
		t.Fatalf("non-affiliated occupant survived clear")
	}
	occ := o.ByNickname("member")
	if occ == nil {
		t.Fatalf("affiliated occupant did not survive clear")
	}
	if occ.Presence != PresenceOffline || occ.Role != RoleNone {
		t.Fatalf("surviving placeholder not reset: presence=%s role=%s", occ.Presence, occ.Role)
	}
}
