package muc

import (
	"testing"

	"mellium.im/xmpp/jid"
)

func entry(addr string, aff Affiliation) AffiliationEntry {
	return AffiliationEntry{JID: jid.MustParse(addr), Affiliation: aff}
}

func TestComputeAffiliationDeltaDisjoint(t *testing.T) {
	desired := []AffiliationEntry{
		entry("alice@example.com", AffiliationMember),
		entry("bob@example.com", AffiliationAdmin),
		entry("carol@example.com", AffiliationNone),
	}
	current := []AffiliationEntry{
		entry("bob@example.com", AffiliationMember),
		entry("carol@example.com", AffiliationMember),
	}

	d := ComputeAffiliationDelta(desired, current)

	if len(d.Grants) != 2 {
		t.Fatalf("expected 2 grants, got %d", len(d.Grants))
	}
	if len(d.Revokes) != 1 {
		t.Fatalf("expected 1 revoke, got %d", len(d.Revokes))
	}

	seen := make(map[string]int)
	for _, e := range d.Grants {
		seen[e.JID.Bare().String()]++
	}
	for _, e := range d.Revokes {
		seen[e.JID.Bare().String()]++
	}
	for _, e := range d.Unchanged {
		seen[e.JID.Bare().String()]++
	}
	for addr, n := range seen {
		if n != 1 {
			t.Fatalf("address %s appears in %d delta sets", addr, n)
		}
	}
}

func TestComputeAffiliationDeltaUnchanged(t *testing.T) {
	desired := []AffiliationEntry{entry("alice@example.com", AffiliationMember)}
	current := []AffiliationEntry{entry("alice@example.com", AffiliationMember)}

	d := ComputeAffiliationDelta(desired, current)
	if len(d.Grants) != 0 || len(d.Revokes) != 0 {
		t.Fatalf("identical lists produced grants=%d revokes=%d", len(d.Grants), len(d.Revokes))
	}
	if len(d.Unchanged) != 1 {
		t.Fatalf("expected 1 unchanged entry, got %d", len(d.Unchanged))
	}
}

func TestComputeAffiliationDeltaNeverRevokesAbsent(t *testing.T) {
	desired := []AffiliationEntry{entry("ghost@example.com", AffiliationNone)}

	d := ComputeAffiliationDelta(desired, nil)
	if len(d.Revokes) != 0 {
		t.Fatalf("revoke emitted for an address not on the current list")
	}
	if len(d.Grants) != 0 {
		t.Fatalf("grant emitted for an affiliation-none entry")
	}
}

func TestComputeAffiliationDeltaLeavesUnmentionedAlone(t *testing.T) {
	desired := []AffiliationEntry{entry("alice@example.com", AffiliationMember)}
	current := []AffiliationEntry{
		entry("alice@example.com", AffiliationNone),
		entry("owner@example.com", AffiliationOwner),
	}

	d := ComputeAffiliationDelta(desired, current)
	for _, e := range d.Revokes {
		if e.JID.Bare().String() == "owner@example.com" {
			t.Fatalf("delta touched an address the desired list does not mention")
		}
	}
	if len(d.Grants) != 1 {
		t.Fatalf("expected 1 grant, got %d", len(d.Grants))
	}
}

func TestComputeAffiliationDeltaCaseInsensitive(t *testing.T) {
	desired := []AffiliationEntry{
		entry("Alice@Example.Com", AffiliationMember),
		entry("alice@example.com", AffiliationAdmin),
	}
	current := []AffiliationEntry{entry("alice@example.com", AffiliationMember)}

	d := ComputeAffiliationDelta(desired, current)
	total := len(d.Grants) + len(d.Revokes) + len(d.Unchanged)
	if total != 1 {
		t.Fatalf("duplicate desired entries were not collapsed: %d delta entries", total)
	}
	if len(d.Unchanged) != 1 {
		t.Fatalf("first desired entry should win; got grants=%d unchanged=%d", len(d.Grants), len(d.Unchanged))
	}
}
