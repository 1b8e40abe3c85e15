package muc

import (
	"encoding/xml"
	"strconv"
	"time"

	"github.com/palaver-im/palaver/internal/xmpp"
)

// Namespaces used by the groupchat protocol.
const (
	NSMUC        = "http://jabber.org/protocol/muc"
	NSUser       = NSMUC + "#user"
	NSAdmin      = NSMUC + "#admin"
	NSOwner      = NSMUC + "#owner"
	NSConference = "jabber:x:conference"
	NSData       = "jabber:x:data"
	NSPing       = "urn:xmpp:ping"
	NSChatStates = "http://jabber.org/protocol/chatstates"
	NSReceipts   = "urn:xmpp:receipts"
	NSMarkers    = "urn:xmpp:chat-markers:0"
	NSCorrect    = "urn:xmpp:message-correct:0"
	NSRetract    = "urn:xmpp:message-retract:0"
	NSModerate   = "urn:xmpp:message-moderate:0"
	NSFasten     = "urn:xmpp:fasten:0"
	NSSID        = "urn:xmpp:sid:0"
	NSMAM        = "urn:xmpp:mam:2"
	NSForward    = "urn:xmpp:forward:0"
	NSDelay      = "urn:xmpp:delay"
	NSOOB        = "jabber:x:oob"
	NSReference  = "urn:xmpp:reference:0"
	NSActivity   = "urn:xmpp:ramp:0"
)

// Numeric status codes carried in muc#user payloads.
const (
	CodeNonAnonymous      = 100
	CodeSelfPresence      = 110
	CodeLoggingEnabled    = 170
	CodeLoggingDisabled   = 171
	CodeNowNonAnonymous   = 172
	CodeNowSemiAnonymous  = 173
	CodeConfigChanged     = 104
	CodeShowsUnavailable  = 102
	CodeHidesUnavailable  = 103
	CodeNewRoom           = 201
	CodeNickModified      = 210
	CodeBanned            = 301
	CodeNewNick           = 303
	CodeKicked            = 307
	CodeAffiliationChange = 321
	CodeMembersOnly       = 322
	CodeShutdown          = 332
)

// Affiliation represents a long-lived authority grant, independent of
// presence.
type Affiliation string

const (
	AffiliationOwner   Affiliation = "owner"
	AffiliationAdmin   Affiliation = "admin"
	AffiliationMember  Affiliation = "member"
	AffiliationOutcast Affiliation = "outcast"
	AffiliationNone    Affiliation = "none"
)

// ranking orders affiliations by authority for "above none" checks.
func (a Affiliation) ranking() int {
	switch a {
	case AffiliationOwner:
		return 4
	case AffiliationAdmin:
		return 3
	case AffiliationMember:
		return 2
	case AffiliationNone:
		return 1
	default:
		return 0
	}
}

// AboveNone reports whether the affiliation grants persistent standing
// in the room.
func (a Affiliation) AboveNone() bool {
	return a.ranking() > AffiliationNone.ranking()
}

// Role represents session-scoped authority, reset each absence.
type Role string

const (
	RoleModerator   Role = "moderator"
	RoleParticipant Role = "participant"
	RoleVisitor     Role = "visitor"
	RoleNone        Role = "none"
)

// userX is the muc#user payload attached to room presence and some
// messages.
type userX struct {
	XMLName  xml.Name   `xml:"http://jabber.org/protocol/muc#user x"`
	Items    []userItem `xml:"item"`
	Statuses []statusEl `xml:"status"`
	Destroy  *destroyEl `xml:"destroy"`
	Invites  []inviteEl `xml:"invite"`
}

func (x *userX) hasCode(code int) bool {
	for _, s := range x.Statuses {
		if s.Code == code {
			return true
		}
	}
	return false
}

func (x *userX) codes() []string {
	out := make([]string, 0, len(x.Statuses))
	for _, s := range x.Statuses {
		out = append(out, strconv.Itoa(s.Code))
	}
	return out
}

type userItem struct {
	Affiliation string   `xml:"affiliation,attr,omitempty"`
	Role        string   `xml:"role,attr,omitempty"`
	JID         string   `xml:"jid,attr,omitempty"`
	Nick        string   `xml:"nick,attr,omitempty"`
	Actor       *actorEl `xml:"actor"`
	Reason      string   `xml:"reason,omitempty"`
}

type actorEl struct {
	Nick string `xml:"nick,attr,omitempty"`
	JID  string `xml:"jid,attr,omitempty"`
}

type statusEl struct {
	Code int `xml:"code,attr"`
}

type destroyEl struct {
	JID    string `xml:"jid,attr,omitempty"`
	Reason string `xml:"reason,omitempty"`
}

type inviteEl struct {
	From   string `xml:"from,attr,omitempty"`
	To     string `xml:"to,attr,omitempty"`
	Reason string `xml:"reason,omitempty"`
}

// joinX is the muc join payload on an initial presence: history hint
// plus optional password.
type joinX struct {
	XMLName  xml.Name   `xml:"http://jabber.org/protocol/muc x"`
	History  *historyEl `xml:"history"`
	Password string     `xml:"password,omitempty"`
}

type historyEl struct {
	MaxStanzas int `xml:"maxstanzas,attr"`
}

// adminQuery carries affiliation/role items on muc#admin IQs.
type adminQuery struct {
	XMLName xml.Name   `xml:"http://jabber.org/protocol/muc#admin query"`
	Items   []userItem `xml:"item"`
}

// ownerQuery carries configuration forms and destroy requests.
type ownerQuery struct {
	XMLName xml.Name        `xml:"http://jabber.org/protocol/muc#owner query"`
	Form    *dataForm       `xml:"jabber:x:data x"`
	Destroy *ownerDestroyEl `xml:"destroy"`
}

type dataForm struct {
	XMLName xml.Name    `xml:"jabber:x:data x"`
	Type    string      `xml:"type,attr"`
	Fields  []formField `xml:"field"`
}

type formField struct {
	Var    string   `xml:"var,attr,omitempty"`
	Type   string   `xml:"type,attr,omitempty"`
	Values []string `xml:"value"`
}

type ownerDestroyEl struct {
	JID    string `xml:"jid,attr,omitempty"`
	Reason string `xml:"reason,omitempty"`
}

type pingEl struct {
	XMLName xml.Name `xml:"urn:xmpp:ping ping"`
}

type originIDEl struct {
	XMLName xml.Name `xml:"urn:xmpp:sid:0 origin-id"`
	ID      string   `xml:"id,attr"`
}

type stanzaIDEl struct {
	XMLName xml.Name `xml:"urn:xmpp:sid:0 stanza-id"`
	ID      string   `xml:"id,attr"`
	By      string   `xml:"by,attr,omitempty"`
}

type applyToEl struct {
	XMLName  xml.Name    `xml:"urn:xmpp:fasten:0 apply-to"`
	ID       string      `xml:"id,attr"`
	Moderate *moderateEl `xml:"moderate"`
}

type moderateEl struct {
	XMLName xml.Name   `xml:"urn:xmpp:message-moderate:0 moderate"`
	Retract *retractEl `xml:"retract"`
	Reason  string     `xml:"reason,omitempty"`
}

type retractEl struct {
	XMLName xml.Name `xml:"urn:xmpp:message-retract:0 retract"`
	ID      string   `xml:"id,attr,omitempty"`
}

type replaceEl struct {
	XMLName xml.Name `xml:"urn:xmpp:message-correct:0 replace"`
	ID      string   `xml:"id,attr"`
}

type oobX struct {
	XMLName xml.Name `xml:"jabber:x:oob x"`
	URL     string   `xml:"url"`
	Desc    string   `xml:"desc,omitempty"`
}

type referenceEl struct {
	XMLName xml.Name `xml:"urn:xmpp:reference:0 reference"`
	Type    string   `xml:"type,attr"`
	URI     string   `xml:"uri,attr"`
	Begin   *int     `xml:"begin,attr"`
	End     *int     `xml:"end,attr"`
}

type forwardedEl struct {
	XMLName xml.Name      `xml:"urn:xmpp:forward:0 forwarded"`
	Delay   *delayEl      `xml:"delay"`
	Message *xmpp.Message `xml:"message"`
}

type delayEl struct {
	XMLName xml.Name `xml:"urn:xmpp:delay delay"`
	Stamp   string   `xml:"stamp,attr"`
	From    string   `xml:"from,attr,omitempty"`
}

func (d *delayEl) time() (time.Time, bool) {
	if d == nil || d.Stamp == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, d.Stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// conferenceX is a direct invitation payload.
type conferenceX struct {
	XMLName  xml.Name `xml:"jabber:x:conference x"`
	JID      string   `xml:"jid,attr"`
	Password string   `xml:"password,attr,omitempty"`
	Reason   string   `xml:"reason,attr,omitempty"`
}

type activityEl struct {
	XMLName xml.Name `xml:"urn:xmpp:ramp:0 activity"`
}
