package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/bher20/sungrowbridge/pkg/isolarcloud"
)

// fakeVendor records calls and serves canned plant lists and realtime data.
type fakeVendor struct {
	mu            sync.Mutex
	plants        []isolarcloud.Plant
	data          map[string]isolarcloud.RawFields
	plantCalls    int
	realtimeCalls int
	lastIDs       []string

	authErr     error
	plantsErr   error
	realtimeErr error
	// waitForCtx makes RealtimeData block until its context ends.
	waitForCtx bool

	credential []byte
	onToken    func()
}

func (f *fakeVendor) AuthURL(redirectURI string) string {
	return "https://vendor.example/authorize?redirect=" + redirectURI
}

func (f *fakeVendor) Authorize(ctx context.Context, code, redirectURI string) error {
	f.mu.Lock()
	if f.authErr != nil {
		f.mu.Unlock()
		return f.authErr
	}
	f.credential = []byte(`{"access_token":"` + code + `"}`)
	hook := f.onToken
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeVendor) Plants(ctx context.Context) ([]isolarcloud.Plant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plantCalls++
	if f.plantsErr != nil {
		return nil, f.plantsErr
	}
	return append([]isolarcloud.Plant(nil), f.plants...), nil
}

func (f *fakeVendor) RealtimeData(ctx context.Context, ids []string) (map[string]isolarcloud.RawFields, error) {
	f.mu.Lock()
	f.realtimeCalls++
	f.lastIDs = append([]string(nil), ids...)
	wait, err := f.waitForCtx, f.realtimeErr
	f.mu.Unlock()

	if wait {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	out := map[string]isolarcloud.RawFields{}
	for _, id := range ids {
		if raw, ok := f.data[id]; ok {
			out[id] = raw
		}
	}
	return out, nil
}

func (f *fakeVendor) ExportCredential() ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credential, f.credential != nil
}

func (f *fakeVendor) ImportCredential(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(data) == 0 {
		return errors.New("empty")
	}
	f.credential = data
	return nil
}

func (f *fakeVendor) OnTokenChange(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onToken = fn
}

func (f *fakeVendor) counts() (plants, realtime int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.plantCalls, f.realtimeCalls
}

func (f *fakeVendor) setPlants(p []isolarcloud.Plant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plants = p
}

func newFakeVendor() *fakeVendor {
	return &fakeVendor{
		plants: []isolarcloud.Plant{
			{ID: "11", Name: "Poolhouse"},
			{ID: "22", Name: "Attic"},
		},
		data: map[string]isolarcloud.RawFields{
			"11": {
				"power":       {"value": 1200.0, "unit": "W"},
				"daily_yield": {"value": 8100.0, "unit": "Wh"},
			},
			"22": {
				"power":             {"value": 800.0, "unit": "W"},
				"load_power":        {"value": 300.0, "unit": "W"},
				"battery_level_soc": {"value": nil, "unit": "%"},
			},
		},
	}
}
