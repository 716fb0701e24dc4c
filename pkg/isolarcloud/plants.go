package isolarcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
)

// Plant is a power station visible to the authorized account.
type Plant struct {
	ID   string
	Name string
}

// RawFields maps a field name to its point container: at least "value" and
// "unit", plus "point_id". A value may be nil when the station did not
// report the point.
type RawFields map[string]map[string]any

const plantPageSize = 100

type plantListResult struct {
	PageList []struct {
		PsID   json.Number `json:"ps_id"`
		PsName string      `json:"ps_name"`
	} `json:"pageList"`
	RowCount int `json:"rowCount"`
}

// Plants lists every power station of the account, following pagination.
// Entries without a name are returned with an empty Name.
func (c *Client) Plants(ctx context.Context) ([]Plant, error) {
	var plants []Plant
	for page := 1; page <= 50; page++ {
		var res plantListResult
		err := c.post(ctx, "/openapi/platform/queryPowerStationList", map[string]any{
			"page": page,
			"size": plantPageSize,
		}, true, &res)
		if err != nil {
			return nil, fmt.Errorf("listing plants: %w", err)
		}
		for _, p := range res.PageList {
			plants = append(plants, Plant{ID: p.PsID.String(), Name: p.PsName})
		}
		if len(res.PageList) < plantPageSize || len(plants) >= res.RowCount {
			break
		}
	}
	return plants, nil
}

type realtimeResult struct {
	DevicePointList []map[string]any `json:"device_point_list"`
	PointDict       []struct {
		PointID     json.Number `json:"point_id"`
		PointName   string      `json:"point_name"`
		StorageUnit string      `json:"storage_unit"`
		PointUnit   string      `json:"point_unit"`
	} `json:"point_dict"`
}

// RealtimeData fetches the RealtimePoints of every plant id in one call. The
// result is keyed by plant id; plants the vendor did not report are absent.
func (c *Client) RealtimeData(ctx context.Context, plantIDs []string) (map[string]RawFields, error) {
	if len(plantIDs) == 0 {
		return map[string]RawFields{}, nil
	}
	var raw json.RawMessage
	err := c.post(ctx, "/openapi/platform/getPowerStationRealTimeData", map[string]any{
		"ps_id_list":        plantIDs,
		"point_id_list":     pointIDList(),
		"is_get_point_dict": "1",
	}, true, &raw)
	if err != nil {
		return nil, fmt.Errorf("fetching realtime data: %w", err)
	}

	if len(raw) == 0 {
		return map[string]RawFields{}, nil
	}

	var res realtimeResult
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&res); err != nil {
		return nil, fmt.Errorf("decoding realtime data: %w", err)
	}

	units := make(map[int]string, len(res.PointDict))
	for _, pd := range res.PointDict {
		id, err := strconv.Atoi(pd.PointID.String())
		if err != nil {
			continue
		}
		if pd.StorageUnit != "" {
			units[id] = pd.StorageUnit
		} else if pd.PointUnit != "" {
			units[id] = pd.PointUnit
		}
	}

	out := make(map[string]RawFields, len(res.DevicePointList))
	for _, entry := range res.DevicePointList {
		if inner, ok := entry["device_point"].(map[string]any); ok {
			entry = inner
		}
		psID := scalarString(entry["ps_id"])
		if psID == "" {
			continue
		}
		out[psID] = decodePoints(entry, units)
	}
	return out, nil
}

func decodePoints(entry map[string]any, units map[int]string) RawFields {
	fields := make(RawFields)
	for key, v := range entry {
		id, ok := parsePointKey(key)
		if !ok {
			continue
		}
		name := key
		var unit any
		if p, known := pointsByID[id]; known {
			name = p.Name
			unit = p.Unit
		}
		if u, ok := units[id]; ok {
			unit = u
		}
		fields[name] = map[string]any{
			"value":    pointValue(v),
			"unit":     unit,
			"point_id": key,
		}
	}
	return fields
}

// pointValue converts json.Number to float64 and keeps strings, which some
// stations use for numeric values, as-is. "--" and "" mean not reported.
func pointValue(v any) any {
	switch x := v.(type) {
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case string:
		if x == "" || x == "--" {
			return nil
		}
		return x
	default:
		return v
	}
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}
