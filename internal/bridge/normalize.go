package bridge

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bher20/sungrowbridge/pkg/isolarcloud"
)

// Snapshot is the normalized realtime record of one plant. Projected fields
// are omitted, never null, when the source field is absent or not numeric.
type Snapshot struct {
	PlantName     string `json:"plant_name"`
	PlantID       string `json:"plant_id"`
	TimestampUnix int64  `json:"timestamp_unix"`

	PowerW    *float64 `json:"power_w,omitempty"`
	PowerUnit string   `json:"power_unit,omitempty"`

	InverterACPowerW    *float64 `json:"inverter_ac_power_w,omitempty"`
	InverterACPowerUnit string   `json:"inverter_ac_power_unit,omitempty"`

	DailyYieldWh   *float64 `json:"daily_yield_wh,omitempty"`
	DailyYieldUnit string   `json:"daily_yield_unit,omitempty"`

	TotalYieldWh   *float64 `json:"total_yield_wh,omitempty"`
	TotalYieldUnit string   `json:"total_yield_unit,omitempty"`

	// Raw is the compacted source map. It is always present, possibly empty.
	Raw map[string]map[string]any `json:"raw"`
}

// Normalize builds the Snapshot of one plant from its raw vendor fields. It
// does not modify raw.
func Normalize(plantName, plantID string, raw isolarcloud.RawFields, now time.Time) Snapshot {
	compact := Compact(raw)
	s := Snapshot{
		PlantName:     plantName,
		PlantID:       plantID,
		TimestampUnix: now.Unix(),
		Raw:           compact,
	}
	s.PowerW, s.PowerUnit = project(compact, "power")
	s.InverterACPowerW, s.InverterACPowerUnit = project(compact, "inverter_ac_power")
	s.DailyYieldWh, s.DailyYieldUnit = project(compact, "daily_yield")
	s.TotalYieldWh, s.TotalYieldUnit = project(compact, "total_yield")
	return s
}

// Compact drops every field whose container or value is null and prunes null
// entries nested anywhere below the remaining containers.
func Compact(raw isolarcloud.RawFields) map[string]map[string]any {
	out := make(map[string]map[string]any, len(raw))
	for name, container := range raw {
		if container == nil || container["value"] == nil {
			continue
		}
		out[name] = pruneMap(container)
	}
	return out
}

func pruneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v = prune(v); v != nil {
			out[k] = v
		}
	}
	return out
}

func prune(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return pruneMap(x)
	case []any:
		out := make([]any, 0, len(x))
		for _, e := range x {
			if e = prune(e); e != nil {
				out = append(out, e)
			}
		}
		return out
	default:
		return v
	}
}

// project returns the numeric value and unit of field. A value that cannot
// be read as a number yields no pair; it stays visible under raw.
func project(compact map[string]map[string]any, field string) (*float64, string) {
	container, ok := compact[field]
	if !ok {
		return nil, ""
	}
	f, ok := numeric(container["value"])
	if !ok {
		return nil, ""
	}
	unit, _ := container["unit"].(string)
	return &f, unit
}

// numeric reads v as a finite float. Numeric strings are accepted since some
// stations report values as text.
func numeric(v any) (float64, bool) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
