// Package disco caches service-discovery results and answers feature
// queries for the rest of the engine. Lookups fetch through to the
// entity on a cache miss; configuration-affecting room events call
// Refresh to force a round-trip.
package disco

import (
	"context"
	"encoding/xml"
	"fmt"
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/palaver-im/palaver/internal/xmpp"
)

// Feature represents a disco feature
type Feature string

// Common features
const (
	FeatureDisco        Feature = "http://jabber.org/protocol/disco#info"
	FeatureDiscoItems   Feature = "http://jabber.org/protocol/disco#items"
	FeatureMUC          Feature = "http://jabber.org/protocol/muc"
	FeatureMUCStable    Feature = "http://jabber.org/protocol/muc#stable_id"
	FeatureSelfPing     Feature = "urn:xmpp:ping"
	FeatureChatStates   Feature = "http://jabber.org/protocol/chatstates"
	FeatureReceipts     Feature = "urn:xmpp:receipts"
	FeatureMAM          Feature = "urn:xmpp:mam:2"
	FeatureCorrection   Feature = "urn:xmpp:message-correct:0"
	FeatureModeration   Feature = "urn:xmpp:message-moderate:0"
	FeatureRetraction   Feature = "urn:xmpp:message-retract:0"
	FeatureOccupantID   Feature = "urn:xmpp:occupant-id:0"
	FeatureActivity     Feature = "urn:xmpp:ramp:0"
	FeaturePubSub       Feature = "http://jabber.org/protocol/pubsub"
	FeatureBookmarks    Feature = "urn:xmpp:bookmarks:1"
	FeatureRegistration Feature = "jabber:iq:register"
)

// Identity represents a disco identity
type Identity struct {
	Category string
	Type     string
	Name     string
}

// Info represents a disco#info response: identities, features, and any
// extended form fields (e.g. muc#roominfo).
type Info struct {
	Identities []Identity
	Features   []Feature
	Fields     map[string][]string
}

// HasFeature reports whether the info advertises the feature.
func (i *Info) HasFeature(f Feature) bool {
	for _, have := range i.Features {
		if have == f {
			return true
		}
	}
	return false
}

// QueryError is an error-typed reply to a disco query. The condition
// lets callers distinguish a nonexistent entity (item-not-found) from a
// policy refusal.
type QueryError struct {
	JID       jid.JID
	Condition string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("disco query for %s failed: %s", e.JID, e.Condition)
}

// NotFound reports whether the query failed because the entity does not
// exist on the server.
func (e *QueryError) NotFound() bool {
	return e.Condition == "item-not-found"
}

// Requester is the transport slice the cache needs.
type Requester interface {
	SendIQ(ctx context.Context, iq xmpp.IQ) (*xmpp.IQ, error)
}

// Cache caches disco information per entity address.
type Cache struct {
	mu   sync.RWMutex
	info map[string]*Info
	tr   Requester
}

// NewCache creates a new disco cache
func NewCache(tr Requester) *Cache {
	return &Cache{
		info: make(map[string]*Info),
		tr:   tr,
	}
}

// Info returns the cached info for the entity, fetching it if absent.
func (c *Cache) Info(ctx context.Context, j jid.JID) (*Info, error) {
	c.mu.RLock()
	cached := c.info[j.String()]
	c.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}
	return c.Refresh(ctx, j)
}

// Refresh forces a disco#info round-trip and replaces the cache entry.
func (c *Cache) Refresh(ctx context.Context, j jid.JID) (*Info, error) {
	info, err := c.query(ctx, j, "")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.info[j.String()] = info
	c.mu.Unlock()
	return info, nil
}

// Supports reports whether the entity advertises the feature.
func (c *Cache) Supports(ctx context.Context, j jid.JID, f Feature) (bool, error) {
	info, err := c.Info(ctx, j)
	if err != nil {
		return false, err
	}
	return info.HasFeature(f), nil
}

// Fields returns the extended form fields for the entity (for rooms,
// the muc#roominfo form).
func (c *Cache) Fields(ctx context.Context, j jid.JID) (map[string][]string, error) {
	info, err := c.Info(ctx, j)
	if err != nil {
		return nil, err
	}
	return info.Fields, nil
}

// Identities returns the entity's disco identities.
func (c *Cache) Identities(ctx context.Context, j jid.JID) ([]Identity, error) {
	info, err := c.Info(ctx, j)
	if err != nil {
		return nil, err
	}
	return info.Identities, nil
}

// ReservedNickname queries a room for the nickname the service has
// reserved for us (the x-roomuser-item node). Not cached: it is asked
// once per join attempt and the answer is user-specific.
func (c *Cache) ReservedNickname(ctx context.Context, room jid.JID) (string, error) {
	info, err := c.query(ctx, room, "x-roomuser-item")
	if err != nil {
		return "", err
	}
	for _, id := range info.Identities {
		if id.Category == "conference" && id.Type == "text" {
			return id.Name, nil
		}
	}
	return "", nil
}

// Remove drops the cache entry for an entity.
func (c *Cache) Remove(j jid.JID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.info, j.String())
}

// Clear clears the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.info = make(map[string]*Info)
}

type wireInfoQuery struct {
	XMLName    xml.Name `xml:"http://jabber.org/protocol/disco#info query"`
	Node       string   `xml:"node,attr,omitempty"`
	Identities []struct {
		Category string `xml:"category,attr"`
		Type     string `xml:"type,attr"`
		Name     string `xml:"name,attr"`
	} `xml:"identity"`
	Features []struct {
		Var string `xml:"var,attr"`
	} `xml:"feature"`
	Forms []struct {
		Fields []struct {
			Var    string   `xml:"var,attr"`
			Values []string `xml:"value"`
		} `xml:"field"`
	} `xml:"x"`
}

func (c *Cache) query(ctx context.Context, j jid.JID, node string) (*Info, error) {
	payload, err := xmpp.MarshalPayload(wireInfoQuery{Node: node})
	if err != nil {
		return nil, err
	}

	reply, err := c.tr.SendIQ(ctx, xmpp.IQ{
		To:      j,
		Type:    xmpp.TypeGet,
		Payload: payload,
	})
	if err != nil {
		return nil, err
	}
	if reply.Type == xmpp.TypeError {
		qerr := &QueryError{JID: j}
		if reply.Error != nil {
			qerr.Condition = reply.Error.Condition
		}
		return nil, qerr
	}
	if reply.Payload == nil {
		return nil, fmt.Errorf("disco query for %s returned no payload", j)
	}

	var q wireInfoQuery
	if err := reply.Payload.Decode(&q); err != nil {
		return nil, fmt.Errorf("failed to decode disco response: %w", err)
	}

	info := &Info{Fields: make(map[string][]string)}
	for _, id := range q.Identities {
		info.Identities = append(info.Identities, Identity{
			Category: id.Category,
			Type:     id.Type,
			Name:     id.Name,
		})
	}
	for _, f := range q.Features {
		info.Features = append(info.Features, Feature(f.Var))
	}
	for _, form := range q.Forms {
		for _, field := range form.Fields {
			info.Fields[field.Var] = field.Values
		}
	}
	return info, nil
}
