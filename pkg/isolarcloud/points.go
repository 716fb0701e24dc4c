package isolarcloud

import (
	"strconv"
	"strings"
)

// Point describes one realtime measuring point of a power station.
type Point struct {
	ID   int
	Name string
	Unit string
}

// RealtimePoints is the point set requested by RealtimeData. Names are the
// field keys of the returned RawFields.
var RealtimePoints = []Point{
	{ID: 83033, Name: "power", Unit: "W"},
	{ID: 83002, Name: "inverter_ac_power", Unit: "W"},
	{ID: 83022, Name: "daily_yield", Unit: "Wh"},
	{ID: 83024, Name: "total_yield", Unit: "Wh"},
	{ID: 83106, Name: "load_power", Unit: "W"},
	{ID: 83252, Name: "battery_level_soc", Unit: "%"},
	{ID: 83129, Name: "energy_storage_soc_ems", Unit: "%"},
	{ID: 83549, Name: "grid_active_power", Unit: "W"},
	{ID: 83102, Name: "daily_purchased_energy", Unit: "Wh"},
	{ID: 83072, Name: "daily_feed_in_energy", Unit: "Wh"},
	{ID: 83097, Name: "daily_load_consumption", Unit: "Wh"},
}

var pointsByID = func() map[int]Point {
	m := make(map[int]Point, len(RealtimePoints))
	for _, p := range RealtimePoints {
		m[p.ID] = p
	}
	return m
}()

func pointIDList() []string {
	ids := make([]string, 0, len(RealtimePoints))
	for _, p := range RealtimePoints {
		ids = append(ids, strconv.Itoa(p.ID))
	}
	return ids
}

// parsePointKey accepts "p83022" style keys.
func parsePointKey(key string) (int, bool) {
	if len(key) < 2 || !strings.HasPrefix(key, "p") {
		return 0, false
	}
	id, err := strconv.Atoi(key[1:])
	if err != nil {
		return 0, false
	}
	return id, true
}
