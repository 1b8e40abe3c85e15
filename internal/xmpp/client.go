package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"mellium.im/sasl"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
)

// ErrTimeout is returned by SendIQ when no reply arrives within the
// request timeout. Callers branch on it with errors.Is; it is never
// treated as fatal to the connection.
var ErrTimeout = errors.New("xmpp: request timed out")

// ErrNotConnected is returned when a send is attempted while offline.
var ErrNotConnected = errors.New("xmpp: not connected")

// Handle identifies a registered stanza handler so it can be removed
// deterministically on teardown.
type Handle uint64

type presenceHandler struct {
	pred func(*Presence) bool
	fn   func(*Presence)
}

type messageHandler struct {
	pred func(*Message) bool
	fn   func(*Message)
}

// Client wraps the Mellium XMPP client
type Client struct {
	session        *xmpp.Session
	jid            jid.JID
	password       string
	server         string
	port           int
	requestTimeout time.Duration
	connected      bool
	mu             sync.RWMutex

	nextHandle   Handle
	presHandlers map[Handle]presenceHandler
	msgHandlers  map[Handle]messageHandler
	pending      map[string]chan *IQ

	onConnect    func()
	onDisconnect func(err error)

	ctx    context.Context
	cancel context.CancelFunc
}

// ClientConfig contains configuration for the XMPP client
type ClientConfig struct {
	JID            string
	Password       string
	Server         string
	Port           int
	Resource       string
	RequestTimeout time.Duration
}

// NewClient creates a new XMPP client
func NewClient(cfg ClientConfig) (*Client, error) {
	j, err := jid.Parse(cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("invalid JID: %w", err)
	}

	if cfg.Resource != "" {
		j, err = j.WithResource(cfg.Resource)
		if err != nil {
			return nil, fmt.Errorf("invalid resource: %w", err)
		}
	}

	if cfg.Port == 0 {
		cfg.Port = 5222
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		jid:            j,
		password:       cfg.Password,
		server:         cfg.Server,
		port:           cfg.Port,
		requestTimeout: cfg.RequestTimeout,
		presHandlers:   make(map[Handle]presenceHandler),
		msgHandlers:    make(map[Handle]messageHandler),
		pending:        make(map[string]chan *IQ),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Connect establishes a connection to the XMPP server
func (c *Client) Connect() error {
	c.mu.Lock()

	if c.connected {
		c.mu.Unlock()
		return nil
	}

	server := c.server
	if server == "" {
		server = c.jid.Domain().String()
	}

	addr := fmt.Sprintf("%s:%d", server, c.port)

	conn, err := net.DialTimeout("tcp", addr, 30*time.Second)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("failed to dial server: %w", err)
	}

	tlsConfig := &tls.Config{
		ServerName: c.jid.Domain().String(),
		MinVersion: tls.VersionTLS12,
	}

	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", c.password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	session, err := xmpp.NewSession(
		c.ctx,
		c.jid.Domain(),
		c.jid,
		conn,
		0,
		negotiator,
	)
	if err != nil {
		conn.Close()
		c.mu.Unlock()
		return fmt.Errorf("failed to negotiate session: %w", err)
	}

	c.session = session
	c.connected = true
	c.jid = session.LocalAddr()
	onConnect := c.onConnect
	c.mu.Unlock()

	go c.handleStanzas(session)

	if onConnect != nil {
		onConnect()
	}

	return nil
}

// Disconnect closes the XMPP connection
func (c *Client) Disconnect() error {
	c.mu.Lock()

	if !c.connected {
		c.mu.Unlock()
		return nil
	}

	c.cancel()

	if c.session != nil {
		_ = c.session.Encode(context.Background(), Presence{Type: TypeUnavailable})
		_ = c.session.Close()
	}

	c.connected = false
	c.session = nil
	onDisconnect := c.onDisconnect
	c.mu.Unlock()

	if onDisconnect != nil {
		onDisconnect(nil)
	}

	return nil
}

// handleStanzas processes incoming stanzas. All handlers for a session
// run on this single goroutine, so no two stanzas are ever processed
// concurrently for the same room.
func (c *Client) handleStanzas(session *xmpp.Session) {
	d := xml.NewTokenDecoder(session.TokenReader())

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		tok, err := d.Token()
		if err != nil {
			if err == io.EOF {
				c.handleDisconnect(nil)
				return
			}
			c.handleDisconnect(err)
			return
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}

		switch start.Name.Local {
		case "message":
			var msg Message
			if err := d.DecodeElement(&msg, &start); err != nil {
				continue
			}
			c.dispatchMessage(&msg)
		case "presence":
			var p Presence
			if err := d.DecodeElement(&p, &start); err != nil {
				continue
			}
			c.dispatchPresence(&p)
		case "iq":
			var iq IQ
			if err := d.DecodeElement(&iq, &start); err != nil {
				continue
			}
			c.dispatchIQ(&iq)
		default:
			_ = d.Skip()
		}
	}
}

func (c *Client) dispatchPresence(p *Presence) {
	c.mu.RLock()
	handlers := make([]presenceHandler, 0, len(c.presHandlers))
	for _, h := range c.presHandlers {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		if h.pred == nil || h.pred(p) {
			h.fn(p)
		}
	}
}

func (c *Client) dispatchMessage(m *Message) {
	c.mu.RLock()
	handlers := make([]messageHandler, 0, len(c.msgHandlers))
	for _, h := range c.msgHandlers {
		handlers = append(handlers, h)
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		if h.pred == nil || h.pred(m) {
			h.fn(m)
		}
	}
}

func (c *Client) dispatchIQ(iq *IQ) {
	if iq.Type != TypeResult && iq.Type != TypeError {
		// Unsolicited get/set IQs (e.g. pings addressed to us) get a
		// minimal result so the peer does not time out.
		if iq.Type == TypeGet {
			_ = c.send(IQ{ID: iq.ID, To: iq.From, Type: TypeResult})
		}
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[iq.ID]
	if ok {
		delete(c.pending, iq.ID)
	}
	c.mu.Unlock()

	if ok {
		ch <- iq
	}
}

// handleDisconnect handles unexpected disconnection
func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.session = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	onDisconnect := c.onDisconnect
	c.mu.Unlock()

	if wasConnected && onDisconnect != nil {
		onDisconnect(err)
	}
}

func (c *Client) send(v interface{}) error {
	c.mu.RLock()
	session := c.session
	connected := c.connected
	c.mu.RUnlock()

	if !connected || session == nil {
		return ErrNotConnected
	}
	return session.Encode(c.ctx, v)
}

// SendPresence sends a presence stanza.
func (c *Client) SendPresence(p Presence) error {
	return c.send(p)
}

// SendMessage sends a message stanza.
func (c *Client) SendMessage(m Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return c.send(m)
}

// SendIQ sends an IQ stanza and suspends the caller until a matching
// reply arrives, the context is cancelled, or the request timeout
// elapses. A timeout resolves to ErrTimeout rather than a panic or a
// torn-down connection; callers must branch on it.
func (c *Client) SendIQ(ctx context.Context, iq IQ) (*IQ, error) {
	if iq.ID == "" {
		iq.ID = uuid.NewString()
	}

	ch := make(chan *IQ, 1)
	c.mu.Lock()
	c.pending[iq.ID] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, iq.ID)
		c.mu.Unlock()
	}

	if err := c.send(iq); err != nil {
		cleanup()
		return nil, err
	}

	timer := time.NewTimer(c.requestTimeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return reply, nil
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-timer.C:
		cleanup()
		return nil, ErrTimeout
	}
}

// AddPresenceHandler registers a presence handler. The predicate runs
// on the stanza loop goroutine; a nil predicate matches everything.
func (c *Client) AddPresenceHandler(pred func(*Presence) bool, fn func(*Presence)) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	h := c.nextHandle
	c.presHandlers[h] = presenceHandler{pred: pred, fn: fn}
	return h
}

// AddMessageHandler registers a message handler.
func (c *Client) AddMessageHandler(pred func(*Message) bool, fn func(*Message)) Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	h := c.nextHandle
	c.msgHandlers[h] = messageHandler{pred: pred, fn: fn}
	return h
}

// RemoveHandler removes a previously registered handler. Removing an
// unknown handle is a no-op, so teardown paths can be called twice.
func (c *Client) RemoveHandler(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.presHandlers, h)
	delete(c.msgHandlers, h)
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// JID returns the client's full JID, including the bound resource.
func (c *Client) JID() jid.JID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.jid
}

// SetConnectHandler sets the connect handler
func (c *Client) SetConnectHandler(handler func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = handler
}

// SetDisconnectHandler sets the disconnect handler
func (c *Client) SetDisconnectHandler(handler func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = handler
}
