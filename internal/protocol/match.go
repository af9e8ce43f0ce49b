package protocol

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// ChartKey identifies one chart on the shared get_chart_data stream.
type ChartKey struct {
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// Matches reports whether a chart reply was produced for this key.
func (k ChartKey) Matches(r ChartDataReply) bool {
	return r.Config.Symbol == k.Symbol && r.Config.Timeframe == k.Timeframe
}

func (k ChartKey) String() string { return k.Symbol + "/" + k.Timeframe }

// FieldsMatch reports whether every gjson path in want resolves to the given
// string value inside data. An empty want always matches.
func FieldsMatch(data json.RawMessage, want map[string]string) bool {
	if len(want) == 0 {
		return true
	}
	if !gjson.ValidBytes(data) {
		return false
	}
	for path, v := range want {
		r := gjson.GetBytes(data, path)
		if !r.Exists() || r.String() != v {
			return false
		}
	}
	return true
}

// Field returns the string value at a gjson path, or "" when absent.
func Field(data json.RawMessage, path string) string {
	return gjson.GetBytes(data, path).String()
}
