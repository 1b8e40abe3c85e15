package plugin

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-plugin"
	"mellium.im/xmpp/jid"

	"github.com/palaver-im/palaver/internal/hooks"
	"github.com/palaver-im/palaver/internal/logging"
	"github.com/palaver-im/palaver/internal/xmpp"
)

// Host manages provider lifecycle and wires providers into the hook
// registry.
type Host struct {
	mu        sync.RWMutex
	providers map[string]*LoadedProvider
	pluginDir string
	hooks     *hooks.Registry
	log       *logging.Logger
}

// LoadedProvider is one running provider process.
type LoadedProvider struct {
	Name     string
	Version  string
	Provider Provider
	Client   *plugin.Client
}

// NewHost creates a provider host. Loaded providers register into the
// given hook registry.
func NewHost(pluginDir string, reg *hooks.Registry, log *logging.Logger) *Host {
	if log == nil {
		log = logging.Discard()
	}
	return &Host{
		providers: make(map[string]*LoadedProvider),
		pluginDir: pluginDir,
		hooks:     reg,
		log:       log.With("plugins"),
	}
}

// LoadAll loads every provider binary in the plugin directory. A
// provider that fails to load is skipped, not fatal.
func (h *Host) LoadAll() error {
	if h.pluginDir == "" {
		return nil
	}

	entries, err := os.ReadDir(h.pluginDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(h.pluginDir, entry.Name())
		if err := h.Load(path); err != nil {
			h.log.Warn("failed to load provider %s: %v", entry.Name(), err)
		}
	}

	return nil
}

// Load starts a single provider process and registers its hooks.
func (h *Host) Load(path string) error {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         PluginMap,
		Cmd:             exec.Command(path),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to connect to provider: %w", err)
	}

	raw, err := rpcClient.Dispense("hooks")
	if err != nil {
		client.Kill()
		return fmt.Errorf("failed to dispense provider: %w", err)
	}

	p, ok := raw.(Provider)
	if !ok {
		client.Kill()
		return fmt.Errorf("provider at %s has the wrong interface", path)
	}

	name := p.Name()
	if name == "" {
		client.Kill()
		return fmt.Errorf("provider at %s reported no name", path)
	}

	h.mu.Lock()
	if _, dup := h.providers[name]; dup {
		h.mu.Unlock()
		client.Kill()
		return fmt.Errorf("provider %s already loaded", name)
	}
	h.providers[name] = &LoadedProvider{
		Name:     name,
		Version:  p.Version(),
		Provider: p,
		Client:   client,
	}
	h.mu.Unlock()

	h.register(name, p)
	h.log.Info("loaded provider %s %s", name, p.Version())
	return nil
}

// register bridges one provider into the hook registry. Provider
// failures degrade to the untransformed payload.
func (h *Host) register(name string, p Provider) {
	h.hooks.OnGetNicknameForRoom(func(room jid.JID) string {
		nick, err := p.NicknameFor(room.String())
		if err != nil {
			h.log.Warn("provider %s nickname hook failed: %v", name, err)
			return ""
		}
		return nick
	})

	h.hooks.OnGetOutgoingMessageAttributes(func(room jid.JID, m xmpp.Message) xmpp.Message {
		out, err := p.TransformOutgoing(OutgoingMessage{Room: room.String(), Body: m.Body})
		if err != nil {
			h.log.Warn("provider %s outgoing hook failed: %v", name, err)
			return m
		}
		m.Body = out.Body
		return m
	})

	h.hooks.OnConstructedJoinPresence(func(room jid.JID, pres xmpp.Presence) xmpp.Presence {
		status, err := p.JoinStatus(room.String())
		if err != nil {
			h.log.Warn("provider %s join hook failed: %v", name, err)
			return pres
		}
		if status != "" && pres.Status == "" {
			pres.Status = status
		}
		return pres
	})
}

// UnloadAll kills every provider process. Their hooks become no-ops as
// the dead clients return errors.
func (h *Host) UnloadAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for name, lp := range h.providers {
		lp.Client.Kill()
		delete(h.providers, name)
	}
}

// List returns all loaded providers.
func (h *Host) List() []*LoadedProvider {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make([]*LoadedProvider, 0, len(h.providers))
	for _, lp := range h.providers {
		result = append(result, lp)
	}
	return result
}

// Get returns a specific provider.
func (h *Host) Get(name string) *LoadedProvider {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.providers[name]
}
