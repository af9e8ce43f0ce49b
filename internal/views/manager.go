package views

import (
	"encoding/json"
	"errors"
	"fmt"
	"plugin"
	"sort"
	"sync"
	"time"

	"github.com/EchoPBX/tradedesk/internal/config"
	"github.com/EchoPBX/tradedesk/internal/protocol"
	"github.com/EchoPBX/tradedesk/pkg/sdk"
	"go.uber.org/zap"
)

// Bus events about the view set.
const (
	MountedEvent   = "view.mounted"
	UnmountedEvent = "view.unmounted"
)

// PluginEntry is the symbol a view plugin must export:
//
//	func NewView() sdk.View
const PluginEntry = "NewView"

var (
	ErrUnknownView = errors.New("views: unknown view")
	ErrUnknownKind = errors.New("views: unknown kind")
	ErrDuplicate   = errors.New("views: already mounted")
)

// Host is the connection views talk through.
type Host interface {
	sdk.Sender
	OnConnect(fn func()) (remove func())
}

// Factory builds a fresh, uninitialised view.
type Factory func() sdk.View

// Info describes a mounted view.
type Info struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

type mounted struct {
	info Info
	view sdk.View
	ctx  *viewContext
}

// Manager mounts the views named in the config and keeps them until
// unmounted or reloaded.
type Manager struct {
	log  *zap.Logger
	bus  sdk.Bus
	host Host

	mu    sync.RWMutex
	kinds map[string]Factory
	views map[string]*mounted
}

func NewManager(log *zap.Logger, bus sdk.Bus, host Host) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Manager{
		log:   log.Named("views"),
		bus:   bus,
		host:  host,
		kinds: make(map[string]Factory),
		views: make(map[string]*mounted),
	}
	m.Register("chart", func() sdk.View { return NewChart(protocol.GetChartData) })
	m.Register("in_price_chart", func() sdk.View { return NewChart(protocol.GetInPriceChartData) })
	m.Register("chat", func() sdk.View { return NewChat() })
	m.Register("metrics", func() sdk.View { return NewMetrics() })
	m.Register("trade_history", func() sdk.View { return NewTradeHistory() })
	m.Register("active_trades", func() sdk.View { return NewActiveTrades() })
	m.Register("strategy_tester", func() sdk.View { return NewStrategyTester() })
	return m
}

// Register adds or replaces a view kind.
func (m *Manager) Register(kind string, f Factory) {
	m.mu.Lock()
	m.kinds[kind] = f
	m.mu.Unlock()
}

// Mount builds and initialises one view.
func (m *Manager) Mount(cfg config.View) error {
	m.mu.RLock()
	_, dup := m.views[cfg.Name]
	m.mu.RUnlock()
	if dup {
		return fmt.Errorf("%w: %s", ErrDuplicate, cfg.Name)
	}

	view, kind, err := m.build(cfg)
	if err != nil {
		return err
	}
	ctx := newViewContext(m.log.With(zap.String("view", cfg.Name)), m.bus, m.host, cfg.Config)
	if err := view.Init(ctx); err != nil {
		ctx.release()
		return fmt.Errorf("init view %s: %w", cfg.Name, err)
	}

	m.mu.Lock()
	if _, dup := m.views[cfg.Name]; dup {
		m.mu.Unlock()
		_ = view.Stop()
		ctx.release()
		return fmt.Errorf("%w: %s", ErrDuplicate, cfg.Name)
	}
	info := Info{Name: cfg.Name, Kind: kind}
	m.views[cfg.Name] = &mounted{info: info, view: view, ctx: ctx}
	m.mu.Unlock()

	m.publish(MountedEvent, info)
	m.log.Info("view mounted", zap.String("name", cfg.Name), zap.String("kind", kind))
	return nil
}

func (m *Manager) build(cfg config.View) (sdk.View, string, error) {
	if cfg.Plugin != "" {
		v, err := loadPlugin(cfg.Plugin)
		if err != nil {
			return nil, "", fmt.Errorf("load plugin %s: %w", cfg.Plugin, err)
		}
		return v, "plugin", nil
	}
	m.mu.RLock()
	f, ok := m.kinds[cfg.Kind]
	m.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
	return f(), cfg.Kind, nil
}

func loadPlugin(path string) (sdk.View, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, err
	}
	sym, err := p.Lookup(PluginEntry)
	if err != nil {
		return nil, err
	}
	newView, ok := sym.(func() sdk.View)
	if !ok {
		return nil, fmt.Errorf("%s has type %T, want func() sdk.View", PluginEntry, sym)
	}
	return newView(), nil
}

// Unmount stops a view and drops its subscriptions.
func (m *Manager) Unmount(name string) error {
	m.mu.Lock()
	mv, ok := m.views[name]
	delete(m.views, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownView, name)
	}
	m.stop(mv)
	m.publish(UnmountedEvent, mv.info)
	return nil
}

func (m *Manager) stop(mv *mounted) {
	if err := mv.view.Stop(); err != nil {
		m.log.Warn("view stop failed", zap.String("name", mv.info.Name), zap.Error(err))
	}
	mv.ctx.release()
}

// Apply replaces the mounted set with cfgs. Views that fail to mount are
// logged and skipped.
func (m *Manager) Apply(cfgs []config.View) {
	for _, info := range m.List() {
		_ = m.Unmount(info.Name)
	}
	for _, c := range cfgs {
		if err := m.Mount(c); err != nil {
			m.log.Error("failed to mount view", zap.String("name", c.Name), zap.Error(err))
		}
	}
}

// Snapshot returns the current state of one view.
func (m *Manager) Snapshot(name string) (any, error) {
	m.mu.RLock()
	mv, ok := m.views[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, name)
	}
	return mv.view.Snapshot(), nil
}

// View returns the mounted view itself, for callers that drive it.
func (m *Manager) View(name string) (sdk.View, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mv, ok := m.views[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownView, name)
	}
	return mv.view, nil
}

// List returns the mounted views sorted by name.
func (m *Manager) List() []Info {
	m.mu.RLock()
	out := make([]Info, 0, len(m.views))
	for _, mv := range m.views {
		out = append(out, mv.info)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) Shutdown() {
	m.mu.Lock()
	views := m.views
	m.views = make(map[string]*mounted)
	m.mu.Unlock()
	for _, mv := range views {
		m.stop(mv)
	}
}

func (m *Manager) publish(event string, info Info) {
	if m.bus == nil {
		return
	}
	b, _ := json.Marshal(map[string]any{
		"name": info.Name,
		"kind": info.Kind,
		"time": time.Now().Unix(),
	})
	m.bus.Publish(event, b)
}
