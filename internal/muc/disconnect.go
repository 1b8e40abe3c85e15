package muc

import (
	"strconv"
	"strings"

	"github.com/palaver-im/palaver/internal/xmpp"
)

// DisconnectReason is the finite set of user-facing reasons a room
// connection can end or fail to establish.
type DisconnectReason int

const (
	ReasonNone DisconnectReason = iota
	ReasonBanned
	ReasonKicked
	ReasonNicknameConflict
	ReasonRegistrationRequired
	ReasonDestroyed
	ReasonPasswordRequired
	ReasonRoomFull
	ReasonUnreachable
	ReasonGeneric
)

// String returns the string representation of the reason
func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonBanned:
		return "banned"
	case ReasonKicked:
		return "kicked"
	case ReasonNicknameConflict:
		return "nickname-conflict"
	case ReasonRegistrationRequired:
		return "registration-required"
	case ReasonDestroyed:
		return "room-destroyed"
	case ReasonPasswordRequired:
		return "password-required"
	case ReasonRoomFull:
		return "room-full"
	case ReasonUnreachable:
		return "unreachable"
	default:
		return "entry-failure"
	}
}

// Disconnect carries a classified outcome plus its human-readable
// metadata. Every classification results in an observable state
// transition or a logged diagnostic; none are silently swallowed.
type Disconnect struct {
	Reason    DisconnectReason
	Message   string
	Actor     string
	Codes     []string
	Alternate string // replacement room address when destroyed
}

// ClassifyPresenceError maps an error-typed presence received in reply
// to a join attempt onto a disconnect outcome.
func ClassifyPresenceError(err *xmpp.StanzaError) Disconnect {
	if err == nil {
		return Disconnect{Reason: ReasonGeneric, Message: "You're not allowed to enter this groupchat"}
	}

	d := Disconnect{}
	switch err.Condition {
	case "conflict":
		d.Reason = ReasonNicknameConflict
		d.Message = "The nickname you chose is reserved or currently in use, please choose a different one"
	case "not-authorized":
		d.Reason = ReasonPasswordRequired
		d.Message = "A password is required to enter this groupchat"
	case "forbidden":
		d.Reason = ReasonBanned
		d.Message = "You have been banned from this groupchat"
	case "registration-required":
		d.Reason = ReasonRegistrationRequired
		d.Message = "You are not on the member list of this groupchat"
	case "gone":
		d.Reason = ReasonDestroyed
		d.Message = "This groupchat no longer exists"
		d.Alternate = strings.TrimPrefix(err.AltVenue, "xmpp:")
	case "service-unavailable":
		d.Reason = ReasonRoomFull
		d.Message = "This groupchat has reached its maximum number of participants"
	case "remote-server-not-found", "remote-server-timeout":
		d.Reason = ReasonUnreachable
		d.Message = "The groupchat service is currently unreachable"
	case "item-not-found":
		d.Reason = ReasonUnreachable
		d.Message = "This groupchat does not (yet) exist"
	default:
		d.Reason = ReasonGeneric
		d.Message = "You're not allowed to enter this groupchat"
	}
	if err.Text != "" {
		d.Message = err.Text
	}
	return d
}

// ClassifyStatusCodes maps the status codes of a self unavailable
// presence onto a disconnect outcome. A 303 nickname change is not a
// disconnection and yields ReasonNone.
func ClassifyStatusCodes(x *userX) Disconnect {
	if x == nil {
		return Disconnect{Reason: ReasonNone}
	}

	d := Disconnect{Codes: x.codes()}
	if len(x.Items) > 0 {
		item := x.Items[0]
		if item.Actor != nil {
			if item.Actor.Nick != "" {
				d.Actor = item.Actor.Nick
			} else {
				d.Actor = item.Actor.JID
			}
		}
		if item.Reason != "" {
			d.Message = item.Reason
		}
	}

	if x.Destroy != nil {
		d.Reason = ReasonDestroyed
		if d.Message == "" {
			d.Message = "This groupchat has been destroyed"
		}
		if x.Destroy.Reason != "" {
			d.Message = x.Destroy.Reason
		}
		d.Alternate = x.Destroy.JID
		return d
	}

	switch {
	case x.hasCode(CodeNewNick):
		d.Reason = ReasonNone
	case x.hasCode(CodeBanned):
		d.Reason = ReasonBanned
		if d.Message == "" {
			d.Message = "You have been banned from this groupchat"
		}
	case x.hasCode(CodeKicked):
		d.Reason = ReasonKicked
		if d.Message == "" {
			d.Message = "You have been kicked from this groupchat"
		}
	case x.hasCode(CodeAffiliationChange):
		d.Reason = ReasonRegistrationRequired
		if d.Message == "" {
			d.Message = "You have been removed from this groupchat because of an affiliation change"
		}
	case x.hasCode(CodeMembersOnly):
		d.Reason = ReasonRegistrationRequired
		if d.Message == "" {
			d.Message = "You have been removed because this groupchat has become members-only"
		}
	case x.hasCode(CodeShutdown):
		d.Reason = ReasonUnreachable
		if d.Message == "" {
			d.Message = "The service hosting this groupchat is shutting down"
		}
	default:
		d.Reason = ReasonNone
	}
	return d
}

// MutateNickname computes the deterministic retry nickname used after a
// nickname conflict: append a numeric suffix, or increment an existing
// one. "luna" becomes "luna-2", "luna-2" becomes "luna-3".
func MutateNickname(nick string) string {
	if i := strings.LastIndex(nick, "-"); i > 0 {
		if n, err := strconv.Atoi(nick[i+1:]); err == nil {
			return nick[:i+1] + strconv.Itoa(n+1)
		}
	}
	return nick + "-2"
}
