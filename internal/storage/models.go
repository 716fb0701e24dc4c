package storage

import (
	"encoding/json"
	"fmt"
)

// State is the persisted representation of the bridge. Its JSON form is
// {"cache": ..., "cache_ts": ..., "plant_ids_by_name": ...}; cache_ts holds
// unix seconds with a fractional part.
type State struct {
	Cache          map[string]json.RawMessage `json:"cache"`
	CacheTS        map[string]float64         `json:"cache_ts"`
	PlantIDsByName map[string]string          `json:"plant_ids_by_name"`
}

// NewState returns an empty State with all maps allocated.
func NewState() *State {
	return &State{
		Cache:          map[string]json.RawMessage{},
		CacheTS:        map[string]float64{},
		PlantIDsByName: map[string]string{},
	}
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := *NewState()
	for k, v := range s.Cache {
		out.Cache[k] = append(json.RawMessage(nil), v...)
	}
	for k, v := range s.CacheTS {
		out.CacheTS[k] = v
	}
	for k, v := range s.PlantIDsByName {
		out.PlantIDsByName[k] = v
	}
	return out
}

// normalize allocates nil maps so decoded states are always usable.
func (s *State) normalize() {
	if s.Cache == nil {
		s.Cache = map[string]json.RawMessage{}
	}
	if s.CacheTS == nil {
		s.CacheTS = map[string]float64{}
	}
	if s.PlantIDsByName == nil {
		s.PlantIDsByName = map[string]string{}
	}
}

// PersistenceError reports a failed state or token read/write. The bridge
// logs these and carries on with its in-memory state.
type PersistenceError struct {
	Op     string // "load" or "save"
	Target string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// CacheLine is one realtime cache entry in the SQL backends.
type CacheLine struct {
	Key      string  `gorm:"primaryKey;column:key"`
	Value    string  `gorm:"column:value;type:text"`
	StoredAt float64 `gorm:"column:stored_at"`
}

// PlantBinding is one plant name to id entry in the SQL backends.
type PlantBinding struct {
	Name    string `gorm:"primaryKey;column:name"`
	PlantID string `gorm:"column:plant_id"`
}
