// Package plugin hosts external hook providers as separate processes.
// A provider can suggest nicknames, rewrite outgoing messages and
// decorate join presences; the host bridges those into the engine's
// extension points.
package plugin

import (
	"net/rpc"

	"github.com/hashicorp/go-plugin"
)

// Provider is the interface hook plugins implement.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// Version returns the provider version.
	Version() string

	// NicknameFor returns a nickname suggestion for a room address, or
	// "" to defer to other providers.
	NicknameFor(room string) (string, error)

	// TransformOutgoing may rewrite an outgoing message's attributes.
	TransformOutgoing(msg OutgoingMessage) (OutgoingMessage, error)

	// JoinStatus returns a status line attached to join presences for
	// the room, or "".
	JoinStatus(room string) (string, error)
}

// OutgoingMessage is the provider-visible shape of an outgoing message.
type OutgoingMessage struct {
	Room string
	Body string
}

// Handshake is the plugin handshake config.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "PALAVER_PLUGIN",
	MagicCookieValue: "palaver",
}

// PluginMap is the plugin type map.
var PluginMap = map[string]plugin.Plugin{
	"hooks": &HookPlugin{},
}

// Serve is called from a provider binary's main.
func Serve(p Provider) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			"hooks": &HookPlugin{Impl: p},
		},
	})
}

// HookPlugin is the go-plugin adapter for Provider over net/rpc.
type HookPlugin struct {
	Impl Provider
}

func (p *HookPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &rpcServer{impl: p.Impl}, nil
}

func (p *HookPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &rpcClient{client: c}, nil
}

type rpcServer struct {
	impl Provider
}

// InfoReply carries the provider identity.
type InfoReply struct {
	Name    string
	Version string
}

// NicknameArgs is the request for a nickname suggestion.
type NicknameArgs struct {
	Room string
}

// NicknameReply carries a nickname suggestion.
type NicknameReply struct {
	Nickname string
}

// JoinStatusArgs is the request for a join status line.
type JoinStatusArgs struct {
	Room string
}

// JoinStatusReply carries a join status line.
type JoinStatusReply struct {
	Status string
}

func (s *rpcServer) Info(_ struct{}, reply *InfoReply) error {
	reply.Name = s.impl.Name()
	reply.Version = s.impl.Version()
	return nil
}

func (s *rpcServer) NicknameFor(args NicknameArgs, reply *NicknameReply) error {
	nick, err := s.impl.NicknameFor(args.Room)
	if err != nil {
		return err
	}
	reply.Nickname = nick
	return nil
}

func (s *rpcServer) TransformOutgoing(args OutgoingMessage, reply *OutgoingMessage) error {
	out, err := s.impl.TransformOutgoing(args)
	if err != nil {
		return err
	}
	*reply = out
	return nil
}

func (s *rpcServer) JoinStatus(args JoinStatusArgs, reply *JoinStatusReply) error {
	status, err := s.impl.JoinStatus(args.Room)
	if err != nil {
		return err
	}
	reply.Status = status
	return nil
}

type rpcClient struct {
	client *rpc.Client

	name    string
	version string
}

func (c *rpcClient) Name() string {
	c.fetchInfo()
	return c.name
}

func (c *rpcClient) Version() string {
	c.fetchInfo()
	return c.version
}

func (c *rpcClient) fetchInfo() {
	if c.name != "" {
		return
	}
	var reply InfoReply
	if err := c.client.Call("Plugin.Info", struct{}{}, &reply); err != nil {
		return
	}
	c.name = reply.Name
	c.version = reply.Version
}

func (c *rpcClient) NicknameFor(room string) (string, error) {
	var reply NicknameReply
	if err := c.client.Call("Plugin.NicknameFor", NicknameArgs{Room: room}, &reply); err != nil {
		return "", err
	}
	return reply.Nickname, nil
}

func (c *rpcClient) TransformOutgoing(msg OutgoingMessage) (OutgoingMessage, error) {
	var reply OutgoingMessage
	if err := c.client.Call("Plugin.TransformOutgoing", msg, &reply); err != nil {
		return msg, err
	}
	return reply, nil
}

func (c *rpcClient) JoinStatus(room string) (string, error) {
	var reply JoinStatusReply
	if err := c.client.Call("Plugin.JoinStatus", JoinStatusArgs{Room: room}, &reply); err != nil {
		return "", err
	}
	return reply.Status, nil
}
