package policy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/iTrooz/offline-proxy/internal/cache"
)

// ErrNoResponse is returned when neither network nor cache can answer a navigation
var ErrNoResponse = errors.New("no response available")

const (
	DefaultMaxEntrySize = 10 << 20
	DefaultStoreTimeout = 30 * time.Second
)

// Versions names the two current generations
type Versions struct {
	Label   string
	Primary string
	Static  string
}

// VersionsFor builds the generation names for a version label, e.g. "v2" -> primary-v2, static-v2
func VersionsFor(version string) Versions {
	return Versions{
		Label:   version,
		Primary: "primary-" + version,
		Static:  "static-" + version,
	}
}

// Config holds engine options. Zero values are replaced by defaults.
type Config struct {
	Versions   Versions
	Classifier Classifier
	// FallbackDocument is served, from cache, to navigations that cannot reach the network
	FallbackDocument string
	// MaxEntrySize caps the size of a body the engine captures for storage
	MaxEntrySize int64
	// StoreTimeout bounds a background cache write
	StoreTimeout time.Duration
	Host         Host
	Metrics      *Metrics
}

// Engine applies the caching policy to intercepted requests.
// It is safe for concurrent use; the storage is the only shared state.
type Engine struct {
	storage cache.Storage
	network http.RoundTripper
	cfg     Config

	state atomic.Int32

	// guards retired and the start of background writes
	writes     sync.Mutex
	retired    bool
	background sync.WaitGroup
}

// New creates an engine in the installed state.
// network performs the real requests, storage holds the generations.
func New(storage cache.Storage, network http.RoundTripper, cfg Config) *Engine {
	if cfg.Versions == (Versions{}) {
		cfg.Versions = VersionsFor("v1")
	}
	if cfg.Classifier.APIPrefix == "" && cfg.Classifier.StaticPrefix == "" && cfg.Classifier.EntryDocument == "" {
		cfg.Classifier = DefaultClassifier()
	}
	if cfg.Classifier.StaticExtensions == nil {
		cfg.Classifier.StaticExtensions = DefaultStaticExtensions
	}
	if cfg.FallbackDocument == "" {
		cfg.FallbackDocument = "/"
	}
	if cfg.MaxEntrySize == 0 {
		cfg.MaxEntrySize = DefaultMaxEntrySize
	}
	if cfg.StoreTimeout == 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.Host == nil {
		cfg.Host = noopHost{}
	}
	if network == nil {
		network = http.DefaultTransport
	}

	return &Engine{
		storage: storage,
		network: network,
		cfg:     cfg,
	}
}

// Versions returns the generation names this engine writes into
func (e *Engine) Versions() Versions {
	return e.cfg.Versions
}

// RoundTrip implements http.RoundTripper, so the engine can back an http.Client
func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	return e.Handle(req.Context(), req)
}

// Handle answers one intercepted request.
// The strategy is chosen once from the request classification.
func (e *Engine) Handle(ctx context.Context, req *http.Request) (*http.Response, error) {
	class := e.cfg.Classifier.ClassifyRequest(req)
	strategy := StrategyFor(class)
	key := cache.KeyFor(req)

	log := logrus.WithFields(logrus.Fields{
		"class":    class.String(),
		"strategy": strategy.String(),
		"key":      key,
	})

	var (
		resp   *http.Response
		source Source
		err    error
	)
	switch strategy {
	case StrategyNetworkOnly:
		resp, source = e.networkOnly(ctx, req, log)
	case StrategyNetworkFirstWithFallback:
		resp, source, err = e.networkFirstWithFallback(ctx, req, key, log)
	case StrategyCacheFirst:
		resp, source, err = e.cacheFirst(ctx, req, key, log)
	default:
		resp, source, err = e.networkFirst(ctx, req, key, log)
	}

	if err != nil {
		source = SourceNone
		log.Debugf("No response: %v", err)
	} else {
		log.Debugf("Answered from %s (%d)", source, resp.StatusCode)
	}
	e.cfg.Metrics.observe(class, source)
	return resp, err
}

func (e *Engine) fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	if ctx != req.Context() {
		req = req.WithContext(ctx)
	}
	resp, err := e.network.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, errNilResponse
	}
	return resp, nil
}

func (e *Engine) networkOnly(ctx context.Context, req *http.Request, log *logrus.Entry) (*http.Response, Source) {
	resp, err := e.fetch(ctx, req)
	if err != nil {
		log.Warnf("Network error for API request: %v", err)
		return networkErrorResponse(req), SourceSynthetic
	}
	return resp, SourceNetwork
}

func (e *Engine) networkFirstWithFallback(ctx context.Context, req *http.Request, key string, log *logrus.Entry) (*http.Response, Source, error) {
	resp, err := e.fetch(ctx, req)
	if err != nil {
		log.Infof("Network unavailable for navigation: %v", err)
		if entry := e.match(ctx, key, e.cfg.Versions.Primary, e.cfg.Versions.Static); entry != nil {
			return entry.Response(req), SourceCache, nil
		}
		if fallback := cache.KeyForURL(req, e.cfg.FallbackDocument); fallback != "" && fallback != key {
			if entry := e.match(ctx, fallback, e.cfg.Versions.Primary, e.cfg.Versions.Static); entry != nil {
				return entry.Response(req), SourceCache, nil
			}
		}
		return nil, "", fmt.Errorf("%w for %s: %w", ErrNoResponse, key, err)
	}

	if isErrorStatus(resp.StatusCode) {
		if entry := e.match(ctx, key, e.cfg.Versions.Primary, e.cfg.Versions.Static); entry != nil {
			log.Infof("Navigation got %d, serving cached copy", resp.StatusCode)
			discard(resp)
			return entry.Response(req), SourceCache, nil
		}
		return resp, SourceNetwork, nil
	}

	e.populate(ctx, e.cfg.Versions.Primary, key, req, resp, log)
	return resp, SourceNetwork, nil
}

func (e *Engine) cacheFirst(ctx context.Context, req *http.Request, key string, log *logrus.Entry) (*http.Response, Source, error) {
	if entry := e.match(ctx, key, e.cfg.Versions.Static); entry != nil {
		return entry.Response(req), SourceCache, nil
	}

	resp, err := e.fetch(ctx, req)
	if err != nil {
		return nil, "", err
	}

	e.populate(ctx, e.cfg.Versions.Static, key, req, resp, log)
	return resp, SourceNetwork, nil
}

func (e *Engine) networkFirst(ctx context.Context, req *http.Request, key string, log *logrus.Entry) (*http.Response, Source, error) {
	resp, err := e.fetch(ctx, req)
	if err != nil {
		if entry := e.match(ctx, key, e.cfg.Versions.Primary, e.cfg.Versions.Static); entry != nil {
			log.Infof("Network unavailable, serving cached copy: %v", err)
			return entry.Response(req), SourceCache, nil
		}
		return nil, "", err
	}
	return resp, SourceNetwork, nil
}

// match looks key up in the given generations, in order.
// Missing generations are skipped, never created. Storage errors count as a miss.
func (e *Engine) match(ctx context.Context, key string, generations ...string) *cache.Entry {
	for _, name := range generations {
		gen, ok, err := e.storage.Lookup(ctx, name)
		if err != nil {
			logrus.Warnf("Failed to look up generation %s: %v", name, err)
			continue
		}
		if !ok {
			continue
		}
		entry, err := gen.Match(ctx, key)
		if err != nil {
			logrus.Warnf("Failed to read %s from generation %s: %v", key, name, err)
			continue
		}
		if entry != nil {
			return entry
		}
	}
	return nil
}

// populate stores a copy of resp in the background. The caller never waits for
// the write, and a failed write only gets logged.
func (e *Engine) populate(ctx context.Context, generation, key string, req *http.Request, resp *http.Response, log *logrus.Entry) {
	if !cacheable(req, resp) {
		return
	}
	body, ok := capture(resp, e.cfg.MaxEntrySize)
	if !ok {
		log.Debugf("Response not captured, skipping cache")
		return
	}
	entry := cache.NewEntry(resp, body)

	e.writes.Lock()
	if e.retired {
		e.writes.Unlock()
		log.Debugf("Engine retired, not caching response")
		return
	}
	e.background.Add(1)
	e.writes.Unlock()

	go func() {
		defer e.background.Done()
		defer func() {
			if r := recover(); r != nil {
				e.cfg.Metrics.storeFailed()
				log.Errorf("Panic while caching response: %v", r)
			}
		}()

		storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StoreTimeout)
		defer cancel()

		if err := e.store(storeCtx, generation, key, entry); err != nil {
			e.cfg.Metrics.storeFailed()
			log.Warnf("Failed to cache response in %s: %v", generation, err)
		}
	}()
}

func (e *Engine) store(ctx context.Context, generation, key string, entry *cache.Entry) error {
	gen, err := e.storage.Open(ctx, generation)
	if err != nil {
		return fmt.Errorf("opening generation: %w", err)
	}
	return gen.Put(ctx, key, entry)
}

// Wait blocks until every background cache write has finished
func (e *Engine) Wait() {
	e.background.Wait()
}

// Retire stops the engine from writing to storage, then waits for the writes
// already started. A retired engine still answers requests from cache and network,
// so it can keep serving until its replacement claims the clients.
func (e *Engine) Retire() {
	e.writes.Lock()
	e.retired = true
	e.writes.Unlock()

	e.background.Wait()
}

// Retired reports whether Retire was called
func (e *Engine) Retired() bool {
	e.writes.Lock()
	defer e.writes.Unlock()
	return e.retired
}
