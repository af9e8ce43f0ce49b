package views

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/EchoPBX/tradedesk/internal/events"
	"github.com/EchoPBX/tradedesk/internal/protocol"
	"github.com/EchoPBX/tradedesk/pkg/sdk"
	"go.uber.org/zap"
)

var ErrHistoryExhausted = errors.New("views: no older candles")

const defaultPageSize = 500

type ChartConfig struct {
	Symbol    string `yaml:"symbol"`
	Timeframe string `yaml:"timeframe"`
	// PageSize is how far each LoadMore steps the index offset.
	PageSize int `yaml:"page_size"`
}

// ChartSnapshot is what a candle chart renders.
type ChartSnapshot struct {
	Symbol     string            `json:"symbol"`
	Timeframe  string            `json:"timeframe"`
	Offset     int               `json:"offset"`
	Candles    []protocol.Candle `json:"candles"`
	Indicators json.RawMessage   `json:"indicators,omitempty"`
	Latest     string            `json:"latest_timestamp,omitempty"`
	Loading    bool              `json:"loading"`
	Exhausted  bool              `json:"exhausted"`
	Deleted    bool              `json:"deleted"`
}

// Chart follows one symbol and timeframe on a shared chart-data stream.
// Replies for other charts on the same stream are ignored.
type Chart struct {
	base
	dataKind   protocol.Kind
	deleteKind protocol.Kind

	mu         sync.Mutex
	key        protocol.ChartKey
	pageSize   int
	offset     int
	candles    []protocol.Candle
	indicators json.RawMessage
	loading    bool
	exhausted  bool
	deleted    bool
}

// NewChart returns a chart over get_chart_data or get_in_price_chart_data.
func NewChart(dataKind protocol.Kind) *Chart {
	del := protocol.DeleteChartConfig
	if dataKind == protocol.GetInPriceChartData {
		del = protocol.DeleteInPriceChartConfig
	}
	return &Chart{dataKind: dataKind, deleteKind: del}
}

func (c *Chart) Init(ctx sdk.Context) error {
	var cfg ChartConfig
	if err := decodeConfig(ctx.Config(), &cfg); err != nil {
		return err
	}
	if cfg.Symbol == "" || cfg.Timeframe == "" {
		return errors.New("chart: symbol and timeframe are required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	c.ctx = ctx
	c.key = protocol.ChartKey{Symbol: cfg.Symbol, Timeframe: cfg.Timeframe}
	c.pageSize = cfg.PageSize

	events.SubscribeAs(ctx.Bus(), ctx.Log(), string(c.dataKind), c.onData)
	events.SubscribeAs(ctx.Bus(), ctx.Log(), string(c.deleteKind), c.onDeleted)
	ctx.OnConnect(func() { c.request(0) })
	c.request(0)
	return nil
}

func (c *Chart) Key() protocol.ChartKey { return c.key }

func (c *Chart) request(offset int) {
	c.mu.Lock()
	if c.deleted {
		c.mu.Unlock()
		return
	}
	key := c.key
	c.mu.Unlock()

	sent := c.send(c.dataKind, protocol.ChartDataRequest{
		Symbol:      key.Symbol,
		Timeframe:   key.Timeframe,
		IndexOffset: offset,
	})
	if sent {
		c.mu.Lock()
		c.loading = true
		c.mu.Unlock()
	}
}

// LoadMore asks for the page of candles before the oldest one held.
func (c *Chart) LoadMore() error {
	if c.ctx == nil {
		return ErrNotInitialized
	}
	c.mu.Lock()
	if c.exhausted {
		c.mu.Unlock()
		return ErrHistoryExhausted
	}
	next := c.offset + c.pageSize
	c.mu.Unlock()
	c.request(next)
	return nil
}

func (c *Chart) onData(r protocol.ChartDataReply) {
	if r.Data == nil || !c.key.Matches(r) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleted {
		return
	}
	c.offset = r.Config.Offset
	c.loading = false
	if len(r.Data.Candles) == 0 {
		c.exhausted = true
		c.ctx.Log().Debug("chart history exhausted", zap.Stringer("chart", c.key), zap.Int("offset", c.offset))
		return
	}
	if r.Config.Offset == 0 {
		c.candles = append([]protocol.Candle(nil), r.Data.Candles...)
		c.indicators = r.Data.Indicators
		c.exhausted = false
		return
	}
	c.candles = mergeCandles(r.Data.Candles, c.candles)
	c.indicators = mergeIndicators(r.Data.Indicators, c.indicators)
}

func (c *Chart) onDeleted(d protocol.ChartConfigDeleted) {
	if d.Status == protocol.StatusError {
		return
	}
	for _, k := range d.DeletedConfigs {
		if k == c.key {
			c.mu.Lock()
			c.deleted = true
			c.loading = false
			c.mu.Unlock()
			c.ctx.Log().Info("chart config deleted", zap.Stringer("chart", c.key))
			return
		}
	}
}

func (c *Chart) Snapshot() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := ChartSnapshot{
		Symbol:     c.key.Symbol,
		Timeframe:  c.key.Timeframe,
		Offset:     c.offset,
		Candles:    append([]protocol.Candle(nil), c.candles...),
		Indicators: c.indicators,
		Loading:    c.loading,
		Exhausted:  c.exhausted,
		Deleted:    c.deleted,
	}
	if n := len(c.candles); n > 0 {
		s.Latest = c.candles[n-1].Timestamp
	}
	return s
}

func (c *Chart) Stop() error { return nil }

// mergeCandles joins an older page with the held candles, dropping
// duplicate timestamps and keeping oldest first. Timestamps are
// "YYYY-MM-DD HH:mm:ss" and sort as strings.
func mergeCandles(older, held []protocol.Candle) []protocol.Candle {
	out := make([]protocol.Candle, 0, len(older)+len(held))
	seen := make(map[string]bool, len(older)+len(held))
	for _, list := range [][]protocol.Candle{held, older} {
		for _, c := range list {
			if seen[c.Timestamp] {
				continue
			}
			seen[c.Timestamp] = true
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// mergeIndicators concatenates every array found at the same path, older
// entries first. Non-array leaves keep the held value.
func mergeIndicators(older, held json.RawMessage) json.RawMessage {
	if len(held) == 0 {
		return older
	}
	if len(older) == 0 {
		return held
	}
	var o, h any
	if json.Unmarshal(older, &o) != nil || json.Unmarshal(held, &h) != nil {
		return held
	}
	b, err := json.Marshal(mergeJSON(o, h))
	if err != nil {
		return held
	}
	return b
}

func mergeJSON(older, held any) any {
	switch hv := held.(type) {
	case map[string]any:
		ov, ok := older.(map[string]any)
		if !ok {
			return held
		}
		out := make(map[string]any, len(hv))
		for k, v := range ov {
			out[k] = v
		}
		for k, v := range hv {
			if prev, ok := ov[k]; ok {
				out[k] = mergeJSON(prev, v)
			} else {
				out[k] = v
			}
		}
		return out
	case []any:
		ov, ok := older.([]any)
		if !ok {
			return held
		}
		return append(append([]any{}, ov...), hv...)
	default:
		return held
	}
}
