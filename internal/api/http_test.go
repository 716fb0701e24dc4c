package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/bher20/sungrowbridge/internal/bridge"
	"github.com/bher20/sungrowbridge/pkg/isolarcloud"
)

type fakeBridge struct {
	rt         bridge.Realtime
	err        error
	authErr    error
	codes      []string
	plants     map[string]string
	plantNames []string
}

func (f *fakeBridge) AuthURL() string { return "https://web3.isolarcloud.eu/#/authorized-app?applicationId=1" }

func (f *fakeBridge) AuthorizeWithCode(ctx context.Context, code string) error {
	f.codes = append(f.codes, code)
	return f.authErr
}

func (f *fakeBridge) GetRealtimeAll(ctx context.Context) (bridge.Realtime, error) {
	return f.rt, f.err
}

func (f *fakeBridge) GetRealtimeForPlant(ctx context.Context, name string) (bridge.Snapshot, error) {
	f.plantNames = append(f.plantNames, name)
	if f.err != nil {
		return bridge.Snapshot{}, f.err
	}
	return f.rt.Plants.SH, nil
}

func (f *fakeBridge) KnownPlants() map[string]string { return f.plants }

func (f *fakeBridge) RefreshPlants(ctx context.Context) (map[string]string, error) {
	return f.plants, f.err
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newFakeBridge() *fakeBridge {
	now := time.Unix(1700000000, 0)
	return &fakeBridge{
		rt: bridge.Realtime{
			TimestampUnix: now.Unix(),
			Plants: bridge.PlantPair{
				SG: bridge.Normalize("Poolhouse", "11", isolarcloud.RawFields{
					"power": {"value": 1200.0, "unit": "W"},
				}, now),
				SH: bridge.Normalize("Attic", "22", isolarcloud.RawFields{
					"load_power": {"value": 300.0, "unit": "W"},
				}, now),
			},
		},
		plants: map[string]string{"Poolhouse": "11", "Attic": "22"},
	}
}

func do(t *testing.T, h http.Handler, method, target string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var body map[string]any
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("%s %s: invalid JSON %q: %v", method, target, rr.Body.String(), err)
		}
	}
	return rr, body
}

func TestHealthAndAuthStart(t *testing.T) {
	h := NewMux(newFakeBridge(), nil, zerolog.Nop())

	rr, body := do(t, h, http.MethodGet, "/health")
	if rr.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("health: %d %v", rr.Code, body)
	}

	rr, body = do(t, h, http.MethodGet, "/auth/start")
	if rr.Code != http.StatusOK {
		t.Fatalf("auth/start: %d", rr.Code)
	}
	if !strings.HasPrefix(body["authorize_url"].(string), "https://web3.isolarcloud.eu/") {
		t.Errorf("unexpected authorize_url %v", body["authorize_url"])
	}
}

func TestAuthCallback(t *testing.T) {
	fb := newFakeBridge()
	h := NewMux(fb, nil, zerolog.Nop())

	rr, body := do(t, h, http.MethodGet, "/auth/callback?code=abc")
	if rr.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("callback: %d %v", rr.Code, body)
	}
	if len(fb.codes) != 1 || fb.codes[0] != "abc" {
		t.Errorf("expected code abc to be exchanged, got %v", fb.codes)
	}

	rr, body = do(t, h, http.MethodGet, "/auth/callback")
	if rr.Code != http.StatusBadRequest || body["detail"] == "" {
		t.Errorf("missing code: %d %v", rr.Code, body)
	}

	fb.authErr = &bridge.AuthorizationError{Err: errors.New("invalid code")}
	rr, body = do(t, h, http.MethodGet, "/auth/callback?code=bad")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if body["detail"] != "authorization failed: invalid code" {
		t.Errorf("unexpected detail %v", body["detail"])
	}
}

func TestRealtimeViews(t *testing.T) {
	h := NewMux(newFakeBridge(), nil, zerolog.Nop())

	rr, body := do(t, h, http.MethodPost, "/realtime")
	if rr.Code != http.StatusOK {
		t.Fatalf("realtime: %d", rr.Code)
	}
	if body["timestamp_unix"] != float64(1700000000) {
		t.Errorf("unexpected timestamp %v", body["timestamp_unix"])
	}
	plants := body["plants"].(map[string]any)
	if plants["sg"].(map[string]any)["power_w"] != float64(1200) {
		t.Errorf("unexpected sg %v", plants["sg"])
	}

	_, sg := do(t, h, http.MethodPost, "/sg/realtime")
	if sg["plant_name"] != "Poolhouse" || sg["power_unit"] != "W" {
		t.Errorf("unexpected sg view %v", sg)
	}
	_, sh := do(t, h, http.MethodPost, "/sh/realtime")
	if sh["plant_name"] != "Attic" {
		t.Errorf("unexpected sh view %v", sh)
	}
	if _, ok := sh["power_w"]; ok {
		t.Errorf("absent field must be omitted: %v", sh)
	}
	if _, ok := sh["raw"].(map[string]any); !ok {
		t.Errorf("raw must always be present: %v", sh)
	}
}

func TestRealtimeLoxone(t *testing.T) {
	h := NewMux(newFakeBridge(), nil, zerolog.Nop())

	rr, body := do(t, h, http.MethodPost, "/realtime/loxone")
	if rr.Code != http.StatusOK {
		t.Fatalf("loxone: %d", rr.Code)
	}
	want := map[string]any{
		"ts":              float64(1700000000),
		"sg_power_w":      float64(1200),
		"sh_load_power_w": float64(300),
	}
	if len(body) != len(want) {
		t.Fatalf("expected only %v, got %v", want, body)
	}
	for k, v := range want {
		if body[k] != v {
			t.Errorf("%s: want %v, got %v", k, v, body[k])
		}
	}
}

func TestRealtimeFailureCarriesHint(t *testing.T) {
	fb := newFakeBridge()
	fb.err = &bridge.UpstreamFetchError{Op: "realtime", Err: isolarcloud.ErrNotAuthorized}
	h := NewMux(fb, nil, zerolog.Nop())

	for _, path := range []string{"/realtime", "/sg/realtime", "/sh/realtime", "/realtime/loxone"} {
		rr, body := do(t, h, http.MethodPost, path)
		if rr.Code != http.StatusInternalServerError {
			t.Fatalf("%s: expected 500, got %d", path, rr.Code)
		}
		detail, _ := body["detail"].(string)
		if !strings.HasSuffix(detail, "If this is first run, visit GET /auth/start and complete OAuth.") {
			t.Errorf("%s: missing hint in %q", path, detail)
		}
	}

	fb.err = &bridge.PlantNotFoundError{Name: "Garage", Known: []string{"Attic"}}
	_, body := do(t, h, http.MethodPost, "/realtime")
	if !strings.Contains(body["detail"].(string), `Known: ["Attic"]`) {
		t.Errorf("expected known names in detail, got %v", body["detail"])
	}
}

func TestWrongMethod(t *testing.T) {
	h := NewMux(newFakeBridge(), nil, zerolog.Nop())
	for _, c := range []struct{ method, path string }{
		{http.MethodGet, "/realtime"},
		{http.MethodPost, "/health"},
		{http.MethodGet, "/realtime/loxone"},
	} {
		rr, body := do(t, h, c.method, c.path)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", c.method, c.path, rr.Code)
		}
		if body["detail"] != "Method Not Allowed" {
			t.Errorf("%s %s: expected JSON detail, got %q", c.method, c.path, rr.Body.String())
		}
		if rr.Header().Get("Allow") == "" {
			t.Errorf("%s %s: expected Allow header", c.method, c.path)
		}
	}
}

func TestUnknownPathIsJSON(t *testing.T) {
	h := NewMux(newFakeBridge(), nil, zerolog.Nop())

	rr, body := do(t, h, http.MethodGet, "/no/such/route")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if body["detail"] != "Not Found" {
		t.Errorf("expected JSON detail, got %q", rr.Body.String())
	}
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Error("expected request id on fallback responses")
	}
}

func TestRequestID(t *testing.T) {
	h := NewMux(newFakeBridge(), nil, zerolog.Nop())

	rr, _ := do(t, h, http.MethodGet, "/health")
	if len(rr.Header().Get(RequestIDHeader)) != 36 {
		t.Errorf("expected generated uuid, got %q", rr.Header().Get(RequestIDHeader))
	}

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Header().Get(RequestIDHeader) != "abc-123" {
		t.Errorf("expected propagated id, got %q", rr.Header().Get(RequestIDHeader))
	}
}

func TestReadyz(t *testing.T) {
	rr, _ := do(t, NewMux(newFakeBridge(), fakePinger{}, zerolog.Nop()), http.MethodGet, "/readyz")
	if rr.Code != http.StatusOK {
		t.Errorf("expected ready, got %d", rr.Code)
	}
	rr, _ = do(t, NewMux(newFakeBridge(), fakePinger{err: errors.New("down")}, zerolog.Nop()), http.MethodGet, "/readyz")
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rr.Code)
	}
}

func TestPlantDiagnostics(t *testing.T) {
	fb := newFakeBridge()
	h := NewMux(fb, nil, zerolog.Nop())

	for _, c := range []struct{ method, path string }{
		{http.MethodGet, "/plants"},
		{http.MethodPost, "/plants/refresh"},
	} {
		rr, body := do(t, h, c.method, c.path)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s: %d", c.path, rr.Code)
		}
		list := body["plants"].([]any)
		if len(list) != 2 || list[0].(map[string]any)["name"] != "Attic" {
			t.Errorf("%s: expected sorted plants, got %v", c.path, list)
		}
	}

	rr, _ := do(t, h, http.MethodPost, "/plants/realtime")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing name: expected 400, got %d", rr.Code)
	}
	rr, body := do(t, h, http.MethodPost, "/plants/realtime?name=Attic")
	if rr.Code != http.StatusOK || body["plant_id"] != "22" {
		t.Errorf("plant realtime: %d %v", rr.Code, body)
	}
	if len(fb.plantNames) != 1 || fb.plantNames[0] != "Attic" {
		t.Errorf("expected lookup for Attic, got %v", fb.plantNames)
	}
}

func TestDocs(t *testing.T) {
	h := NewMux(newFakeBridge(), nil, zerolog.Nop())

	rr, body := do(t, h, http.MethodGet, "/docs/doc.json")
	if rr.Code != http.StatusOK {
		t.Fatalf("doc.json: %d", rr.Code)
	}
	paths, ok := body["paths"].(map[string]any)
	if !ok {
		t.Fatalf("doc has no paths: %v", body)
	}
	for _, p := range []string{"/realtime", "/auth/callback", "/realtime/loxone"} {
		if _, ok := paths[p]; !ok {
			t.Errorf("doc lacks %s", p)
		}
	}

	rr, _ = do(t, h, http.MethodGet, "/docs/")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "swagger-ui") {
		t.Errorf("docs UI: %d", rr.Code)
	}
}
