package views

import (
	"encoding/json"
	"sync"

	"github.com/EchoPBX/tradedesk/pkg/sdk"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// viewContext is the sdk.Context of one mounted view. Every subscription and
// connect hook made through it is released when the view is unmounted.
type viewContext struct {
	log    *zap.Logger
	bus    *trackedBus
	host   Host
	config map[string]interface{}

	mu       sync.Mutex
	removers []func()
}

func newViewContext(log *zap.Logger, bus sdk.Bus, host Host, cfg map[string]interface{}) *viewContext {
	c := &viewContext{log: log, host: host, config: cfg}
	c.bus = &trackedBus{Bus: bus, ctx: c}
	return c
}

func (c *viewContext) Log() *zap.Logger               { return c.log }
func (c *viewContext) Bus() sdk.Bus                   { return c.bus }
func (c *viewContext) Sender() sdk.Sender             { return c.host }
func (c *viewContext) Config() map[string]interface{} { return c.config }

func (c *viewContext) OnConnect(fn func()) func() {
	remove := c.host.OnConnect(fn)
	c.track(remove)
	return remove
}

func (c *viewContext) track(fn func()) {
	c.mu.Lock()
	c.removers = append(c.removers, fn)
	c.mu.Unlock()
}

func (c *viewContext) release() {
	c.mu.Lock()
	rs := c.removers
	c.removers = nil
	c.mu.Unlock()
	for _, r := range rs {
		r()
	}
}

type trackedBus struct {
	sdk.Bus
	ctx *viewContext
}

func (b *trackedBus) Subscribe(name string, fn func(json.RawMessage)) func() {
	unsub := b.Bus.Subscribe(name, fn)
	b.ctx.track(unsub)
	return unsub
}

// decodeConfig maps a view's free-form config section onto a yaml-tagged
// struct.
func decodeConfig(raw map[string]interface{}, out any) error {
	if len(raw) == 0 {
		return nil
	}
	b, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, out)
}
