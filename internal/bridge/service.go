package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bher20/sungrowbridge/internal/logging"
	"github.com/bher20/sungrowbridge/internal/metrics"
	"github.com/bher20/sungrowbridge/internal/storage"
	"github.com/bher20/sungrowbridge/internal/tokens"
	"github.com/bher20/sungrowbridge/pkg/isolarcloud"
)

// AllKey is the cache line of the combined two-plant fetch.
const AllKey = "__ALL__"

const (
	defaultCacheTTL        = 90 * time.Second
	defaultUpstreamTimeout = 20 * time.Second
)

// Vendor is the subset of the iSolarCloud client the bridge depends on.
type Vendor interface {
	AuthURL(redirectURI string) string
	Authorize(ctx context.Context, code, redirectURI string) error
	Plants(ctx context.Context) ([]isolarcloud.Plant, error)
	RealtimeData(ctx context.Context, plantIDs []string) (map[string]isolarcloud.RawFields, error)
}

// Publisher receives every freshly fetched combined snapshot.
type Publisher interface {
	Publish(ctx context.Context, rt Realtime) error
}

// Realtime is the combined snapshot of both monitored plants.
type Realtime struct {
	TimestampUnix int64     `json:"timestamp_unix"`
	Plants        PlantPair `json:"plants"`
}

// PlantPair holds the "sg" and "sh" plant roles.
type PlantPair struct {
	SG Snapshot `json:"sg"`
	SH Snapshot `json:"sh"`
}

// Options configures a Service. Tokens, State and Publisher are optional.
type Options struct {
	RedirectURI     string
	SGPlantName     string
	SHPlantName     string
	CacheTTL        time.Duration
	UpstreamTimeout time.Duration

	Tokens    *tokens.Store
	State     storage.Storage
	Publisher Publisher

	Logger zerolog.Logger
	Now    func() time.Time
}

// Service orchestrates authorization, plant resolution and the realtime
// caches. It is safe for concurrent use.
type Service struct {
	vendor   Vendor
	opts     Options
	logger   zerolog.Logger
	resolver *Resolver
	all      *Cache[Realtime]
	plants   *Cache[Snapshot]

	// tokensHooked is set when the vendor reports token changes itself.
	tokensHooked bool
	authorized   bool
	authMu       sync.Mutex

	persistMu sync.Mutex
}

// New builds a Service and restores persisted tokens and state. Restore
// failures are logged; the service then starts cold.
func New(ctx context.Context, vendor Vendor, opts Options) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = defaultUpstreamTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{
		vendor: vendor,
		opts:   opts,
		logger: logging.WithComponent(opts.Logger, "bridge"),
	}
	s.resolver = NewResolver(s.listPlants, func() { s.persistState(ctx) })
	s.all = NewCache("all", opts.CacheTTL, opts.Now, func(_ string, e Entry[Realtime]) {
		s.persistState(ctx)
		s.publish(ctx, e.Value)
	})
	s.plants = NewCache("plant", opts.CacheTTL, opts.Now, func(string, Entry[Snapshot]) {
		s.persistState(ctx)
	})

	if n, ok := vendor.(interface{ OnTokenChange(func()) }); ok && opts.Tokens != nil {
		n.OnTokenChange(s.persistTokens)
		s.tokensHooked = true
	}

	s.restoreTokens()
	s.restoreState(ctx)
	return s
}

// AuthURL returns the vendor consent URL for the configured redirect URI.
func (s *Service) AuthURL() string {
	return s.vendor.AuthURL(s.opts.RedirectURI)
}

// Authorized reports whether the bridge holds a credential.
func (s *Service) Authorized() bool {
	if a, ok := s.vendor.(interface{ Authorized() bool }); ok {
		return a.Authorized()
	}
	s.authMu.Lock()
	defer s.authMu.Unlock()
	return s.authorized
}

// AuthorizeWithCode exchanges code for a token, persists it and resolves the
// plant index. A resolution failure after a successful exchange is returned.
func (s *Service) AuthorizeWithCode(ctx context.Context, code string) error {
	ctx, cancel := s.upstreamContext(ctx)
	defer cancel()

	started := time.Now()
	err := s.vendor.Authorize(ctx, code, s.opts.RedirectURI)
	metrics.ObserveUpstream("authorize", started, err)
	if err != nil {
		return &AuthorizationError{Err: err}
	}

	s.authMu.Lock()
	s.authorized = true
	s.authMu.Unlock()
	if !s.tokensHooked {
		s.persistTokens()
	}
	s.logger.Info().Msg("authorized with iSolarCloud")

	if err := s.resolver.Rebuild(ctx); err != nil {
		return err
	}
	return nil
}

// GetRealtimeAll returns the combined snapshot of both configured plants,
// fetched with a single vendor call on a cache miss.
func (s *Service) GetRealtimeAll(ctx context.Context) (Realtime, error) {
	return s.all.GetOrFetch(ctx, AllKey, func(ctx context.Context, now time.Time) (Realtime, error) {
		ctx, cancel := s.upstreamContext(ctx)
		defer cancel()

		sgID, err := s.resolver.Resolve(ctx, s.opts.SGPlantName)
		if err != nil {
			return Realtime{}, err
		}
		shID, err := s.resolver.Resolve(ctx, s.opts.SHPlantName)
		if err != nil {
			return Realtime{}, err
		}

		ids := []string{sgID}
		if shID != sgID {
			ids = append(ids, shID)
		}
		data, err := s.realtimeData(ctx, ids)
		if err != nil {
			return Realtime{}, err
		}

		return Realtime{
			TimestampUnix: now.Unix(),
			Plants: PlantPair{
				SG: Normalize(s.opts.SGPlantName, sgID, data[sgID], now),
				SH: Normalize(s.opts.SHPlantName, shID, data[shID], now),
			},
		}, nil
	})
}

// GetRealtimeForPlant returns the snapshot of one plant by name. It uses its
// own cache line, independent of the combined fetch.
func (s *Service) GetRealtimeForPlant(ctx context.Context, name string) (Snapshot, error) {
	return s.plants.GetOrFetch(ctx, name, func(ctx context.Context, now time.Time) (Snapshot, error) {
		ctx, cancel := s.upstreamContext(ctx)
		defer cancel()

		id, err := s.resolver.Resolve(ctx, name)
		if err != nil {
			return Snapshot{}, err
		}
		data, err := s.realtimeData(ctx, []string{id})
		if err != nil {
			return Snapshot{}, err
		}
		return Normalize(name, id, data[id], now), nil
	})
}

// KnownPlants returns a copy of the plant index.
func (s *Service) KnownPlants() map[string]string {
	return s.resolver.Known()
}

// RefreshPlants forces a rebuild of the plant index and returns it.
func (s *Service) RefreshPlants(ctx context.Context) (map[string]string, error) {
	ctx, cancel := s.upstreamContext(ctx)
	defer cancel()
	if err := s.resolver.Rebuild(ctx); err != nil {
		return nil, err
	}
	return s.resolver.Known(), nil
}

// upstreamContext detaches ctx from its caller's cancellation, since a
// coalesced fetch serves every waiting caller, and bounds it by the
// upstream timeout.
func (s *Service) upstreamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.opts.UpstreamTimeout)
}

func (s *Service) listPlants(ctx context.Context) ([]isolarcloud.Plant, error) {
	started := time.Now()
	plants, err := s.vendor.Plants(ctx)
	metrics.ObserveUpstream("plants", started, err)
	return plants, err
}

func (s *Service) realtimeData(ctx context.Context, ids []string) (map[string]isolarcloud.RawFields, error) {
	started := time.Now()
	data, err := s.vendor.RealtimeData(ctx, ids)
	metrics.ObserveUpstream("realtime", started, err)
	if err != nil {
		return nil, upstreamError("realtime", err)
	}
	return data, nil
}

func (s *Service) publish(ctx context.Context, rt Realtime) {
	if s.opts.Publisher == nil {
		return
	}
	if err := s.opts.Publisher.Publish(context.WithoutCancel(ctx), rt); err != nil {
		s.logger.Warn().Err(err).Msg("publishing snapshot failed")
	}
}

// State returns the current persisted representation of the service.
func (s *Service) State() storage.State {
	st := *storage.NewState()
	for key, e := range s.all.Entries() {
		s.putCacheLine(&st, key, e.Value, e.StoredAt)
	}
	for key, e := range s.plants.Entries() {
		if key == AllKey {
			continue
		}
		s.putCacheLine(&st, key, e.Value, e.StoredAt)
	}
	st.PlantIDsByName = s.resolver.Known()
	return st
}

func (s *Service) putCacheLine(st *storage.State, key string, v any, at time.Time) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn().Err(err).Str("line", key).Msg("skipping unencodable cache line")
		return
	}
	st.Cache[key] = data
	st.CacheTS[key] = unixSeconds(at)
}

// persistState writes the full state. Failures are logged and counted; the
// in-memory state stays authoritative.
func (s *Service) persistState(ctx context.Context) {
	if s.opts.State == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := s.opts.State.Save(context.WithoutCancel(ctx), s.State()); err != nil {
		metrics.PersistenceFailuresTotal.WithLabelValues("state").Inc()
		s.logger.Warn().Err(err).Msg("persisting state failed")
	}
}

func (s *Service) restoreState(ctx context.Context) {
	if s.opts.State == nil {
		return
	}
	st, err := s.opts.State.Load(ctx)
	if err != nil {
		metrics.PersistenceFailuresTotal.WithLabelValues("state").Inc()
		s.logger.Warn().Err(err).Msg("loading state failed, starting cold")
		return
	}

	s.resolver.Restore(st.PlantIDsByName)
	for key, raw := range st.Cache {
		at := fromUnixSeconds(st.CacheTS[key])
		var err error
		if key == AllKey {
			var rt Realtime
			if err = json.Unmarshal(raw, &rt); err == nil {
				s.all.Restore(key, Entry[Realtime]{Value: rt, StoredAt: at})
			}
		} else {
			var snap Snapshot
			if err = json.Unmarshal(raw, &snap); err == nil {
				s.plants.Restore(key, Entry[Snapshot]{Value: snap, StoredAt: at})
			}
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("line", key).Msg("dropping unreadable cache line")
		}
	}
	s.logger.Info().
		Int("cache_lines", len(st.Cache)).
		Int("plants", len(st.PlantIDsByName)).
		Msg("restored state")
}

func (s *Service) persistTokens() {
	if s.opts.Tokens == nil {
		return
	}
	holder, ok := s.vendor.(tokens.CredentialHolder)
	if !ok {
		return
	}
	if err := s.opts.Tokens.Persist(holder); err != nil {
		metrics.PersistenceFailuresTotal.WithLabelValues("tokens").Inc()
		s.logger.Warn().Err(err).Msg("persisting tokens failed")
	}
}

func (s *Service) restoreTokens() {
	if s.opts.Tokens == nil {
		return
	}
	holder, ok := s.vendor.(tokens.CredentialHolder)
	if !ok {
		return
	}
	err := s.opts.Tokens.Restore(holder)
	switch {
	case err == nil:
		s.authMu.Lock()
		s.authorized = true
		s.authMu.Unlock()
		s.logger.Info().Str("path", s.opts.Tokens.Path()).Msg("restored tokens")
	case errors.Is(err, tokens.ErrNoToken):
		s.logger.Info().Err(err).Msg("no persisted tokens, authorization required")
	default:
		metrics.PersistenceFailuresTotal.WithLabelValues("tokens").Inc()
		s.logger.Warn().Err(err).Msg("restoring tokens failed")
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixMicro()) / 1e6
}

func fromUnixSeconds(f float64) time.Time {
	return time.UnixMicro(int64(math.Round(f * 1e6)))
}
