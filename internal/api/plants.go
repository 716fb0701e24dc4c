package api

import (
	"net/http"
	"sort"
)

// PlantEntry is one binding of the plant index.
type PlantEntry struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// PlantsResponse lists the plant index sorted by name.
type PlantsResponse struct {
	Plants []PlantEntry `json:"plants"`
}

// RegisterPlantHandlers wires the plant index diagnostics:
//
//	GET  /plants                  known plant index
//	POST /plants/refresh          force an index rebuild
//	POST /plants/realtime?name=   single-plant snapshot (own cache line)
func RegisterPlantHandlers(mux *http.ServeMux, svc Bridge) {
	mux.HandleFunc("GET /plants", instrument("/plants", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, plantsResponse(svc.KnownPlants()))
	}))

	mux.HandleFunc("POST /plants/refresh", instrument("/plants/refresh", func(w http.ResponseWriter, r *http.Request) {
		index, err := svc.RefreshPlants(r.Context())
		if err != nil {
			writeUpstreamError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, plantsResponse(index))
	}))

	mux.HandleFunc("POST /plants/realtime", instrument("/plants/realtime", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			writeError(w, r, http.StatusBadRequest, "missing required query parameter: name")
			return
		}
		snap, err := svc.GetRealtimeForPlant(r.Context(), name)
		if err != nil {
			writeUpstreamError(w, r, err)
			return
		}
		writeJSON(w, r, http.StatusOK, snap)
	}))
}

func plantsResponse(index map[string]string) PlantsResponse {
	out := PlantsResponse{Plants: make([]PlantEntry, 0, len(index))}
	for name, id := range index {
		out.Plants = append(out.Plants, PlantEntry{Name: name, ID: id})
	}
	sort.Slice(out.Plants, func(i, j int) bool { return out.Plants[i].Name < out.Plants[j].Name })
	return out
}
