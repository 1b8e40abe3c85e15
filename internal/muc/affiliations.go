package muc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"mellium.im/xmpp/jid"

	"github.com/palaver-im/palaver/internal/xmpp"
)

// AffiliationEntry is one address/affiliation pair on a room list.
type AffiliationEntry struct {
	JID         jid.JID
	Affiliation Affiliation
	Nick        string
	Reason      string
}

// Delta is the minimal set of authority changes that transforms a
// current member list into a desired one. Grants and revokes are
// disjoint; unchanged entries need no protocol action.
type Delta struct {
	Grants    []AffiliationEntry
	Revokes   []AffiliationEntry
	Unchanged []AffiliationEntry
}

// affiliationKey normalizes an address for list comparison.
func affiliationKey(j jid.JID) string {
	return strings.ToLower(j.Bare().String())
}

// ComputeAffiliationDelta compares a desired member list against the
// current server-reported lists, keyed on case-normalized bare address.
// Only addresses explicitly named in the desired list are touched: a
// revoke is never emitted for an address absent from the current list,
// and current owners or admins that the desired list does not mention
// are left alone.
func ComputeAffiliationDelta(desired, current []AffiliationEntry) Delta {
	currentByKey := make(map[string]AffiliationEntry, len(current))
	for _, c := range current {
		currentByKey[affiliationKey(c.JID)] = c
	}

	var d Delta
	seen := make(map[string]bool, len(desired))
	for _, want := range desired {
		key := affiliationKey(want.JID)
		if seen[key] {
			continue
		}
		seen[key] = true

		cur, exists := currentByKey[key]
		switch {
		case exists && cur.Affiliation == want.Affiliation:
			d.Unchanged = append(d.Unchanged, want)
		case want.Affiliation == AffiliationNone:
			if exists && cur.Affiliation != AffiliationNone {
				d.Revokes = append(d.Revokes, want)
			}
		default:
			d.Grants = append(d.Grants, want)
		}
	}
	return d
}

// FetchAffiliations retrieves the room list for one affiliation.
func (r *Room) FetchAffiliations(ctx context.Context, aff Affiliation) ([]AffiliationEntry, error) {
	payload, err := xmpp.MarshalPayload(adminQuery{
		Items: []userItem{{Affiliation: string(aff)}},
	})
	if err != nil {
		return nil, err
	}

	reply, err := r.reg.tr.SendIQ(ctx, xmpp.IQ{
		To:      r.jid,
		Type:    xmpp.TypeGet,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s list: %w", aff, err)
	}
	if reply.Type == xmpp.TypeError {
		return nil, iqError("affiliation list query", reply)
	}
	if reply.Payload == nil {
		return nil, nil
	}

	var q adminQuery
	if err := reply.Payload.Decode(&q); err != nil {
		return nil, fmt.Errorf("malformed affiliation list: %w", err)
	}

	entries := make([]AffiliationEntry, 0, len(q.Items))
	for _, item := range q.Items {
		addr, err := jid.Parse(item.JID)
		if err != nil {
			r.log.Warn("skipping malformed address %q in %s list: %v", item.JID, aff, err)
			continue
		}
		entries = append(entries, AffiliationEntry{
			JID:         addr,
			Affiliation: Affiliation(item.Affiliation),
			Nick:        item.Nick,
		})
	}
	return entries, nil
}

// currentAffiliationLists fetches the member, admin and owner lists and
// merges them into one current-state list.
func (r *Room) currentAffiliationLists(ctx context.Context) ([]AffiliationEntry, error) {
	var current []AffiliationEntry
	for _, aff := range []Affiliation{AffiliationMember, AffiliationAdmin, AffiliationOwner} {
		entries, err := r.FetchAffiliations(ctx, aff)
		if err != nil {
			return nil, err
		}
		current = append(current, entries...)
	}
	return current, nil
}

// ApplyAffiliationDelta sends the grants and revokes of a computed
// delta to the room in a single admin request. Revoked addresses are
// set to the "none" affiliation.
func (r *Room) ApplyAffiliationDelta(ctx context.Context, delta Delta) error {
	items := make([]userItem, 0, len(delta.Grants)+len(delta.Revokes))
	for _, g := range delta.Grants {
		items = append(items, userItem{
			JID:         g.JID.Bare().String(),
			Affiliation: string(g.Affiliation),
			Reason:      g.Reason,
		})
	}
	for _, rv := range delta.Revokes {
		items = append(items, userItem{
			JID:         rv.JID.Bare().String(),
			Affiliation: string(AffiliationNone),
			Reason:      rv.Reason,
		})
	}
	if len(items) == 0 {
		return nil
	}

	payload, err := xmpp.MarshalPayload(adminQuery{Items: items})
	if err != nil {
		return err
	}

	reply, err := r.reg.tr.SendIQ(ctx, xmpp.IQ{
		To:      r.jid,
		Type:    xmpp.TypeSet,
		Payload: payload,
	})
	if err != nil {
		return fmt.Errorf("failed to update member list: %w", err)
	}
	if reply.Type == xmpp.TypeError {
		return iqError("member list update", reply)
	}
	return nil
}

// SetMemberList reconciles the room's member list with the desired one:
// it fetches the current lists, computes the minimal delta, and applies
// it. A malformed desired list aborts the operation before any request
// is sent.
func (r *Room) SetMemberList(ctx context.Context, desired []AffiliationEntry) (Delta, error) {
	for _, want := range desired {
		if want.JID.String() == "" {
			err := errors.New("affiliation list contains an empty address")
			r.log.Error("rejecting member list update: %v", err)
			return Delta{}, err
		}
	}

	current, err := r.currentAffiliationLists(ctx)
	if err != nil {
		return Delta{}, err
	}

	delta := ComputeAffiliationDelta(desired, current)
	if err := r.ApplyAffiliationDelta(ctx, delta); err != nil {
		return delta, err
	}
	return delta, nil
}

// SetAffiliation changes a single participant's affiliation; banning is
// a grant of the outcast affiliation.
func (r *Room) SetAffiliation(ctx context.Context, entry AffiliationEntry) error {
	return r.ApplyAffiliationDelta(ctx, Delta{Grants: []AffiliationEntry{entry}})
}

// SetRole changes an occupant's role by nickname; kicking is a role
// change to none.
func (r *Room) SetRole(ctx context.Context, nick string, role Role, reason string) error {
	payload, err := xmpp.MarshalPayload(adminQuery{
		Items: []userItem{{Nick: nick, Role: string(role), Reason: reason}},
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
		return fmt.Errorf("failed to change role of %s: %w", nick, err)
	}
	if reply.Type == xmpp.TypeError {
		return iqError("role change", reply)
	}
	return nil
}

// Kick removes an occupant from the room by revoking their role.
func (r *Room) Kick(ctx context.Context, nick, reason string) error {
	return r.SetRole(ctx, nick, RoleNone, reason)
}

// Ban bans a participant by address.
func (r *Room) Ban(ctx context.Context, addr jid.JID, reason string) error {
	return r.SetAffiliation(ctx, AffiliationEntry{
		JID:         addr,
		Affiliation: AffiliationOutcast,
		Reason:      reason,
	})
}

func iqError(op string, reply *xmpp.IQ) error {
	cond := "undefined-condition"
	text := ""
	if reply.Error != nil {
		cond = reply.Error.Condition
		text = reply.Error.Text
	}
	if text != "" {
		return fmt.Errorf("%s failed: %s (%s)", op, text, cond)
	}
	return fmt.Errorf("%s failed: %s", op, cond)
}
