package muc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mellium.im/xmpp/jid"

	"github.com/palaver-im/palaver/internal/xmpp"
	"github.com/palaver-im/palaver/internal/xmpp/disco"
)

// ErrNicknameRequired is returned when no nickname could be resolved
// for a room and the caller must supply one.
var ErrNicknameRequired = errors.New("muc: no nickname available for room")

// Join connects to the room. A nickname or password passed here is
// remembered for subsequent rejoins; empty values keep whatever was
// resolved before. Joining a room that is already connecting or
// connected is a no-op.
func (r *Room) Join(nickname, password string) error {
	var events []Event
	r.mu.Lock()
	switch r.session.Status {
	case StatusConnecting, StatusConnected, StatusEntered:
		r.mu.Unlock()
		return nil
	case StatusClosing:
		r.mu.Unlock()
		return fmt.Errorf("room %s is closing", r.jid)
	}
	if nickname != "" {
		r.nickname = nickname
	}
	if password != "" {
		r.password = password
	}
	r.session.DisconnectionMessage = ""
	r.session.DisconnectionReason = ""
	r.session.DisconnectionActor = ""
	r.session.DisconnectionCodes = nil
	r.session.DisconnectionAlternate = ""
	r.nickRetries = 0
	r.setStatusLocked(StatusConnecting, &events)
	r.mu.Unlock()
	r.publish(events)

	// The join needs IQ round-trips (reserved nickname, disco). Those
	// replies arrive on the stanza dispatch goroutine, so the join must
	// not run on it.
	go r.doJoin()
	return nil
}

func (r *Room) doJoin() {
	ctx, cancel := r.reg.requestCtx()
	defer cancel()

	nick := r.resolveNickname(ctx)
	if nick == "" {
		var events []Event
		r.mu.Lock()
		r.setStatusLocked(StatusNicknameRequired, &events)
		r.mu.Unlock()
		events = append(events, Event{Type: EventNicknameRequired, Room: r.jid})
		r.publish(events)
		return
	}

	exists := true
	info, err := r.reg.disco.Info(ctx, r.jid)
	if err != nil {
		var qe *disco.QueryError
		if errors.As(err, &qe) && qe.NotFound() {
			exists = false
		} else {
			r.log.Warn("room discovery failed, joining anyway: %v", err)
		}
	}

	r.mu.Lock()
	if r.session.Status != StatusConnecting {
		r.mu.Unlock()
		return
	}
	r.nickname = nick
	r.features = info
	r.exists = exists
	r.mu.Unlock()

	r.ensureHandlers()
	r.sendJoinPresence()
}

// resolveNickname walks the nickname precedence chain: explicit or
// remembered nickname, service-side reserved nickname, hook providers,
// configured default, then the account localpart.
func (r *Room) resolveNickname(ctx context.Context) string {
	r.mu.Lock()
	nick := r.nickname
	r.mu.Unlock()
	if nick != "" {
		return nick
	}
	if n, err := r.reg.disco.ReservedNickname(ctx, r.jid); err == nil && n != "" {
		return n
	}
	if n := r.reg.hooks.NicknameForRoom(r.jid); n != "" {
		return n
	}
	if n := r.reg.cfg.DefaultNick; n != "" {
		return n
	}
	if r.reg.cfg.AutoNickFromJID {
		return r.reg.tr.JID().Localpart()
	}
	return ""
}

// sendJoinPresence builds and sends the directed join presence for the
// currently resolved nickname. Reused verbatim on nickname-conflict
// retries, where only the resource changes.
func (r *Room) sendJoinPresence() {
	r.mu.Lock()
	nick := r.nickname
	password := r.password
	exists := r.exists
	info := r.features
	r.mu.Unlock()

	full, err := r.jid.WithResource(nick)
	if err != nil {
		r.log.Error("invalid nickname %q: %v", nick, err)
		r.markDisconnected("Invalid nickname")
		return
	}

	// Ask for no history when the room is new or its archive covers it.
	max := r.reg.cfg.HistoryMaxStanzas
	if !exists || (info != nil && info.HasFeature(disco.FeatureMAM)) {
		max = 0
	}
	x := joinX{History: &historyEl{MaxStanzas: max}, Password: password}

	p := xmpp.Presence{To: full}
	if ext, err := xmpp.MarshalPayload(x); err == nil {
		p.Extensions = append(p.Extensions, *ext)
	}
	p = r.reg.hooks.ConstructedJoinPresence(r.jid, p)

	if err := r.reg.tr.SendPresence(p); err != nil {
		r.log.Warn("failed to send join presence: %v", err)
		r.markDisconnected("The connection to the server was lost")
	}
}

// ensureHandlers registers the room's stanza handlers once. They stay
// registered for the life of the room object so activity and invite
// traffic is seen even while not joined.
func (r *Room) ensureHandlers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handlersOn {
		return
	}
	bare := r.jid.String()
	r.presHandle = r.reg.tr.AddPresenceHandler(func(p *xmpp.Presence) bool {
		return p.From.Bare().String() == bare
	}, r.handlePresence)
	r.msgHandle = r.reg.tr.AddMessageHandler(func(m *xmpp.Message) bool {
		return m.From.Bare().String() == bare
	}, r.handleMessage)
	r.handlersOn = true
}

func (r *Room) removeHandlers() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.handlersOn {
		return
	}
	r.reg.tr.RemoveHandler(r.presHandle)
	r.reg.tr.RemoveHandler(r.msgHandle)
	r.handlersOn = false
}

// Leave sends a directed unavailable presence and moves the room to
// disconnected. Safe to call in any state.
func (r *Room) Leave(statusText string) {
	var events []Event
	r.mu.Lock()
	st := r.session.Status
	nick := r.nickname
	if r.rejoinTimer != nil {
		r.rejoinTimer.Stop()
		r.rejoinTimer = nil
	}
	r.stopPingLocked()
	switch st {
	case StatusDisconnected, StatusNicknameRequired, StatusPasswordRequired, StatusBanned, StatusDestroyed:
		r.mu.Unlock()
		return
	}
	if st == StatusConnected || st == StatusEntered {
		if full, err := r.jid.WithResource(nick); err == nil {
			p := xmpp.Presence{To: full, Type: xmpp.TypeUnavailable, Status: statusText}
			if err := r.reg.tr.SendPresence(p); err != nil {
				r.log.Warn("failed to send leave presence: %v", err)
			}
		}
	}
	if st != StatusClosing {
		r.setStatusLocked(StatusDisconnected, &events)
	}
	r.mu.Unlock()

	r.occupants.Clear(true)
	r.states.reset()
	events = append(events, Event{Type: EventLeft, Room: r.jid})
	r.publish(events)
}

// Rejoin schedules a reconnection attempt. Triggers arriving within the
// debounce window coalesce into a single attempt. Terminal outcomes
// (banned, destroyed) and rooms that need caller input are not retried.
func (r *Room) Rejoin() {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.session.Status {
	case StatusConnecting, StatusConnected, StatusEntered, StatusClosing,
		StatusBanned, StatusDestroyed, StatusNicknameRequired, StatusPasswordRequired:
		return
	}
	if r.rejoinTimer != nil {
		return
	}
	r.rejoinTimer = time.AfterFunc(r.reg.rejoinDebounce(), r.doRejoin)
}

func (r *Room) doRejoin() {
	r.mu.Lock()
	r.rejoinTimer = nil
	if r.session.Status != StatusDisconnected {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	// The roster from the previous tenure is stale by now.
	r.occupants.Clear(true)
	if err := r.Join("", ""); err != nil {
		r.log.Warn("rejoin failed: %v", err)
	}
}

// SetHidden toggles background mode. A hidden room is left but keeps
// watching for activity; unhiding a disconnected room rejoins it.
func (r *Room) SetHidden(hidden bool) {
	r.mu.Lock()
	if r.hidden == hidden {
		r.mu.Unlock()
		return
	}
	r.hidden = hidden
	st := r.session.Status
	r.mu.Unlock()

	if hidden {
		// Services only deliver sparse activity notifications to
		// affiliated users; anyone else would go silent entirely.
		own := r.occupants.Own()
		affiliated := own != nil && own.Affiliation.AboveNone()
		if st == StatusConnecting || st == StatusConnected || st == StatusEntered {
			r.Leave("")
		}
		if affiliated {
			r.subscribeActivity()
		}
		return
	}
	if st == StatusDisconnected {
		r.Rejoin()
	}
}

// Hidden reports whether the room is in background mode.
func (r *Room) Hidden() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hidden
}

// subscribeActivity registers interest in sparse activity notifications
// from the room while not joined.
func (r *Room) subscribeActivity() {
	p := xmpp.Presence{To: r.jid}
	ext, err := xmpp.MarshalPayload(activityEl{})
	if err != nil {
		return
	}
	p.Extensions = append(p.Extensions, *ext)
	if err := r.reg.tr.SendPresence(p); err != nil {
		r.log.Warn("failed to subscribe to room activity: %v", err)
		return
	}
	r.ensureHandlers()
	r.mu.Lock()
	r.usingActivity = true
	r.mu.Unlock()
}

// handlePresence is the entry point for all presence from this room's
// address. Runs on the stanza dispatch goroutine.
func (r *Room) handlePresence(p *xmpp.Presence) {
	if p.Type == xmpp.TypeError {
		r.handlePresenceError(p)
		return
	}

	nick := p.From.Resourcepart()
	if nick == "" {
		// Bare-address presence carries service-level signals only.
		return
	}

	var x *userX
	if ext := p.Extension(NSUser, "x"); ext != nil {
		var decoded userX
		if err := ext.Decode(&decoded); err != nil {
			r.log.Warn("malformed muc#user payload from %s: %v", p.From, err)
		} else {
			x = &decoded
		}
	}

	self := x != nil && x.hasCode(CodeSelfPresence)
	if !self {
		// Some services omit 110 on the echo of our own join.
		r.mu.Lock()
		self = nick == r.nickname && r.session.Status == StatusConnecting
		r.mu.Unlock()
	}

	if p.Type == xmpp.TypeUnavailable {
		r.handleUnavailable(x, nick, self)
		return
	}
	r.handleAvailable(x, nick, self)
}

func statusCodeInts(x *userX) []int {
	if x == nil {
		return nil
	}
	out := make([]int, 0, len(x.Statuses))
	for _, s := range x.Statuses {
		out = append(out, s.Code)
	}
	return out
}

func (r *Room) handleAvailable(x *userX, nick string, self bool) {
	var item userItem
	if x != nil && len(x.Items) > 0 {
		item = x.Items[0]
	}

	up := OccupantUpdate{
		Nickname:    nick,
		Affiliation: Affiliation(item.Affiliation),
		Role:        Role(item.Role),
		StatusCodes: statusCodeInts(x),
		Self:        self,
	}
	if item.JID != "" {
		if j, err := jid.Parse(item.JID); err == nil {
			up.JID = j
		}
	}
	change := r.occupants.Apply(up)

	var events []Event
	if change.Created || change.AffiliationChanged || change.RoleChanged {
		events = append(events, Event{Type: EventOccupantChanged, Room: r.jid, Occupant: change.Occupant})
	}
	if !self {
		if r.Status() == StatusEntered {
			if change.Created {
				msg := r.addInfoMessage(nick + " joined the groupchat")
				events = append(events, Event{Type: EventMessage, Room: r.jid, Message: msg})
			} else if text := occupantAuthorityNotice(nick, change); text != "" {
				msg := r.addInfoMessage(text)
				events = append(events, Event{Type: EventMessage, Room: r.jid, Message: msg})
			}
		}
		r.publish(events)
		return
	}

	// Our own presence: the service may have modified the nickname, and
	// a 201 means we just created the room.
	r.mu.Lock()
	if nick != r.nickname {
		r.nickname = nick
	}
	if x != nil && x.hasCode(CodeNickModified) {
		r.log.Info("service assigned nickname %q", nick)
	}
	newRoom := x != nil && x.hasCode(CodeNewRoom)
	if newRoom {
		r.exists = true
		r.awaitingConfig = true
	}
	if r.session.Status != StatusEntered {
		r.setStatusLocked(StatusConnected, &events)
		if Role(item.Role) != RoleNone {
			r.setStatusLocked(StatusEntered, &events)
			events = append(events, Event{Type: EventEntered, Room: r.jid})
		}
	}
	r.hasActivity = false
	r.mu.Unlock()
	r.publish(events)

	if newRoom {
		// Configuring needs IQ round-trips; never on the dispatch loop.
		go r.configureNewRoom()
	} else {
		r.startPing()
	}
}

func (r *Room) handleUnavailable(x *userX, nick string, self bool) {
	// A 303 is a rename, not a departure.
	if x != nil && x.hasCode(CodeNewNick) && len(x.Items) > 0 && x.Items[0].Nick != "" {
		newNick := x.Items[0].Nick
		r.occupants.Rename(nick, newNick)
		var events []Event
		if self {
			r.mu.Lock()
			r.nickname = newNick
			r.mu.Unlock()
		}
		msg := r.addInfoMessage(nick + " is now known as " + newNick)
		events = append(events, Event{Type: EventMessage, Room: r.jid, Message: msg})
		r.publish(events)
		return
	}

	if !self {
		var item userItem
		if x != nil && len(x.Items) > 0 {
			item = x.Items[0]
		}
		change := r.occupants.Apply(OccupantUpdate{
			Nickname:    nick,
			Affiliation: Affiliation(item.Affiliation),
			Role:        RoleNone,
			StatusCodes: statusCodeInts(x),
			Unavailable: true,
		})
		r.states.forget(nick)
		if change.Occupant == nil {
			return
		}

		var events []Event
		events = append(events, Event{Type: EventOccupantChanged, Room: r.jid, Occupant: change.Occupant})
		if change.WentOffline {
			msg := r.addInfoMessage(occupantLeaveNotice(nick, x))
			events = append(events, Event{Type: EventMessage, Room: r.jid, Message: msg})
		}
		r.publish(events)
		return
	}

	// Our own unavailable presence ends the tenure.
	d := ClassifyStatusCodes(x)
	switch d.Reason {
	case ReasonBanned:
		r.applyDisconnect(d, StatusBanned)
	case ReasonDestroyed:
		r.applyDisconnect(d, StatusDestroyed)
	case ReasonNone:
		// Echo of our own leave. Leave already transitioned the state;
		// anything else here is a server-side removal without codes.
		if r.Status() != StatusDisconnected && r.Status() != StatusClosing {
			r.applyDisconnect(Disconnect{Reason: ReasonGeneric, Message: "You left the groupchat"}, StatusDisconnected)
		}
	default:
		r.applyDisconnect(d, StatusDisconnected)
	}
}

// occupantAuthorityNotice renders an affiliation or role transition as
// notification text. An affiliation change subsumes the role change
// that usually accompanies it, so at most one notice is produced.
func occupantAuthorityNotice(nick string, change OccupantChange) string {
	if change.AffiliationChanged {
		switch change.Occupant.Affiliation {
		case AffiliationOwner:
			return nick + " is now an owner"
		case AffiliationAdmin:
			return nick + " is now an admin"
		case AffiliationMember:
			return nick + " is now a member"
		case AffiliationOutcast:
			return nick + " has been banned"
		default:
			return nick + " no longer has a position"
		}
	}
	if change.RoleChanged {
		switch change.Occupant.Role {
		case RoleModerator:
			return nick + " is now a moderator"
		case RoleVisitor:
			return nick + " can no longer send messages"
		case RoleParticipant:
			if change.OldRole == RoleModerator {
				return nick + " is no longer a moderator"
			}
			return nick + " can now send messages"
		}
	}
	return ""
}

// occupantLeaveNotice renders a departure notice for another occupant.
func occupantLeaveNotice(nick string, x *userX) string {
	d := ClassifyStatusCodes(x)
	switch d.Reason {
	case ReasonBanned:
		if d.Actor != "" {
			return nick + " was banned by " + d.Actor
		}
		return nick + " was banned from the groupchat"
	case ReasonKicked:
		if d.Actor != "" {
			return nick + " was kicked by " + d.Actor
		}
		return nick + " was kicked from the groupchat"
	default:
		return nick + " left the groupchat"
	}
}

// applyDisconnect records disconnect metadata, transitions the state
// and tears down the tenure. Affiliated occupants survive as offline
// placeholders.
func (r *Room) applyDisconnect(d Disconnect, status ConnectionStatus) {
	var events []Event
	r.mu.Lock()
	r.session.DisconnectionMessage = d.Message
	r.session.DisconnectionReason = d.Reason.String()
	r.session.DisconnectionActor = d.Actor
	r.session.DisconnectionCodes = d.Codes
	r.session.DisconnectionAlternate = d.Alternate
	r.stopPingLocked()
	r.setStatusLocked(status, &events)
	r.mu.Unlock()

	r.occupants.Clear(true)
	r.states.reset()
	dc := d
	events = append(events, Event{Type: EventDisconnected, Room: r.jid, Disconnect: &dc})
	r.publish(events)
}

func (r *Room) handlePresenceError(p *xmpp.Presence) {
	condition := ""
	if p.Error != nil {
		condition = p.Error.Condition
	}

	r.mu.Lock()
	usingActivity := r.usingActivity
	connecting := r.session.Status == StatusConnecting
	r.mu.Unlock()

	// The activity subscription was rejected for capacity; fall back to
	// a real join.
	if condition == "resource-constraint" && usingActivity && !connecting {
		r.mu.Lock()
		r.usingActivity = false
		r.mu.Unlock()
		r.Rejoin()
		return
	}

	d := ClassifyPresenceError(p.Error)

	if d.Reason == ReasonNicknameConflict {
		r.mu.Lock()
		retry := connecting && r.reg.cfg.AutoNickFromJID && r.nickRetries < 3
		if retry {
			r.nickRetries++
			r.nickname = MutateNickname(r.nickname)
			r.log.Info("nickname conflict, retrying as %q", r.nickname)
		}
		r.mu.Unlock()
		if retry {
			go r.sendJoinPresence()
			return
		}
		if !connecting {
			// A rejected rename while joined; the session is still live.
			msg := r.addInfoMessage("That nickname is already in use")
			r.bus.Publish(Event{Type: EventMessage, Room: r.jid, Message: msg})
			return
		}
		r.applyDisconnect(d, StatusNicknameRequired)
		r.bus.Publish(Event{Type: EventNicknameRequired, Room: r.jid})
		return
	}

	switch d.Reason {
	case ReasonPasswordRequired:
		r.applyDisconnect(d, StatusPasswordRequired)
	case ReasonBanned:
		r.applyDisconnect(d, StatusBanned)
	case ReasonDestroyed:
		r.applyDisconnect(d, StatusDestroyed)
	default:
		r.applyDisconnect(d, StatusDisconnected)
	}
}

// configureNewRoom runs after a 201: submit the captured configuration,
// accept the provider defaults, or surface the decision to the caller.
func (r *Room) configureNewRoom() {
	r.mu.Lock()
	desired := r.desiredConfig
	r.mu.Unlock()

	if len(desired) == 0 && !r.reg.cfg.AutoAcceptConfig {
		r.bus.Publish(Event{Type: EventConfigurationRequired, Room: r.jid})
		return
	}

	ctx, cancel := r.reg.requestCtx()
	defer cancel()

	var err error
	if len(desired) == 0 {
		err = r.AcceptDefaultConfiguration(ctx)
	} else {
		err = r.SubmitConfiguration(ctx, desired)
	}
	if err != nil {
		r.log.Warn("room configuration failed: %v", err)
		r.bus.Publish(Event{Type: EventConfigurationRequired, Room: r.jid})
		return
	}
	r.finishConfiguration(ctx)
}

// AcceptDefaultConfiguration submits an empty form, accepting the
// provider's instant-room defaults.
func (r *Room) AcceptDefaultConfiguration(ctx context.Context) error {
	payload, err := xmpp.MarshalPayload(ownerQuery{Form: &dataForm{Type: "submit"}})
	if err != nil {
		return err
	}
	reply, err := r.reg.tr.SendIQ(ctx, xmpp.IQ{To: r.jid, Type: xmpp.TypeSet, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to accept room defaults: %w", err)
	}
	if reply.Type == xmpp.TypeError {
		return iqError("room configuration", reply)
	}
	return nil
}

// SubmitConfiguration fetches the configuration form and submits it
// with the given field values applied over the current ones.
func (r *Room) SubmitConfiguration(ctx context.Context, fields map[string]string) error {
	payload, err := xmpp.MarshalPayload(ownerQuery{})
	if err != nil {
		return err
	}
	reply, err := r.reg.tr.SendIQ(ctx, xmpp.IQ{To: r.jid, Type: xmpp.TypeGet, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to fetch configuration form: %w", err)
	}
	if reply.Type == xmpp.TypeError {
		return iqError("configuration form fetch", reply)
	}

	form := dataForm{Type: "submit"}
	applied := make(map[string]bool, len(fields))
	if reply.Payload != nil {
		var q ownerQuery
		if err := reply.Payload.Decode(&q); err != nil {
			return fmt.Errorf("malformed configuration form: %w", err)
		}
		if q.Form != nil {
			for _, f := range q.Form.Fields {
				if f.Var == "" {
					continue
				}
				if v, ok := fields[f.Var]; ok {
					form.Fields = append(form.Fields, formField{Var: f.Var, Values: []string{v}})
					applied[f.Var] = true
					continue
				}
				form.Fields = append(form.Fields, formField{Var: f.Var, Values: f.Values})
			}
		}
	}
	for k, v := range fields {
		if !applied[k] {
			form.Fields = append(form.Fields, formField{Var: k, Values: []string{v}})
		}
	}

	payload, err = xmpp.MarshalPayload(ownerQuery{Form: &form})
	if err != nil {
		return err
	}
	reply, err = r.reg.tr.SendIQ(ctx, xmpp.IQ{To: r.jid, Type: xmpp.TypeSet, Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to submit configuration: %w", err)
	}
	if reply.Type == xmpp.TypeError {
		return iqError("configuration submit", reply)
	}
	return nil
}

func (r *Room) finishConfiguration(ctx context.Context) {
	r.mu.Lock()
	r.awaitingConfig = false
	r.mu.Unlock()

	info, err := r.reg.disco.Refresh(ctx, r.jid)
	if err != nil {
		r.log.Warn("feature refresh after configuration failed: %v", err)
	} else {
		r.mu.Lock()
		r.features = info
		r.mu.Unlock()
	}
	r.startPing()
}

// SelfPing asks the room whether we are still joined. A room that does
// not implement the ping protocol counts as alive; a timed-out ping is
// retried once before the error is propagated.
func (r *Room) SelfPing(ctx context.Context) (bool, error) {
	r.mu.Lock()
	nick := r.nickname
	st := r.session.Status
	r.mu.Unlock()
	if st != StatusConnected && st != StatusEntered {
		return false, nil
	}

	full, err := r.jid.WithResource(nick)
	if err != nil {
		return false, err
	}
	payload, err := xmpp.MarshalPayload(pingEl{})
	if err != nil {
		return false, err
	}

	iq := xmpp.IQ{To: full, Type: xmpp.TypeGet, Payload: payload}
	reply, err := r.reg.tr.SendIQ(ctx, iq)
	if errors.Is(err, xmpp.ErrTimeout) {
		reply, err = r.reg.tr.SendIQ(ctx, iq)
	}
	if err != nil {
		return false, err
	}

	if reply.Type == xmpp.TypeError && reply.Error != nil {
		switch reply.Error.Condition {
		case "service-unavailable", "feature-not-implemented":
			// The room answered; the session is intact.
			return true, nil
		default:
			return false, nil
		}
	}
	return true, nil
}

// CheckLiveness pings the room and schedules a rejoin when the session
// turns out to be gone. Inconclusive pings change nothing.
func (r *Room) CheckLiveness() {
	if n := r.messages.PurgeDangling(time.Now()); n > 0 {
		r.log.Debug("purged %d dangling moderation placeholders", n)
	}

	ctx, cancel := r.reg.requestCtx()
	defer cancel()

	alive, err := r.SelfPing(ctx)
	if err != nil {
		r.log.Warn("liveness ping inconclusive: %v", err)
		return
	}
	if alive {
		return
	}
	r.log.Info("room session lost, rejoining")
	r.markDisconnected("The groupchat session was lost")
	r.Rejoin()
}

func (r *Room) startPing() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pingStop != nil {
		return
	}
	interval := time.Duration(r.reg.cfg.PingIntervalSeconds) * time.Second
	if interval <= 0 {
		return
	}
	stop := make(chan struct{})
	r.pingStop = stop
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				r.CheckLiveness()
			}
		}
	}()
}

func (r *Room) stopPingLocked() {
	if r.pingStop != nil {
		close(r.pingStop)
		r.pingStop = nil
	}
}
