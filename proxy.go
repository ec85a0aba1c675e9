package throttleproxy

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/always-cache/throttle-proxy/cache"
	cachestatus "github.com/always-cache/throttle-proxy/pkg/cache-status"
	"github.com/always-cache/throttle-proxy/pkg/policy"
	"github.com/always-cache/throttle-proxy/pkg/throttle"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

type Config struct {
	// Storage for cache entries.
	// A MemCache using CacheExpiry and CacheMaxEntries is created if nil.
	Cache cache.CacheProvider
	// Time window during which a cached response is served without fetching.
	CacheExpiry time.Duration
	// Upper bound of cached targets. Zero means unbounded.
	CacheMaxEntries int
	// Blocklists applied to every request.
	Rules policy.Rules
	// Size of the chunks the response body is delivered in.
	ChunkSize int
	// Pause between two chunks. Zero delivers chunks back to back.
	ChunkDelay time.Duration
	// Used to retrieve targets. An HTTPFetcher using FetchTimeout is created if nil.
	Fetcher Fetcher
	// Timeout for fetching a target. Zero waits indefinitely.
	FetchTimeout time.Duration
	// Share one fetch between concurrent requests missing the cache for the same target.
	Collapse bool
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// DefaultConfig returns the configuration the proxy runs with unless told otherwise.
func DefaultConfig() Config {
	return Config{
		CacheExpiry: cache.DefaultExpiry,
		Rules:       policy.DefaultRules(),
		ChunkSize:   throttle.DefaultChunkSize,
		ChunkDelay:  throttle.DefaultDelay,
	}
}

type Proxy struct {
	cache    cache.CacheProvider
	rules    policy.Rules
	throttle throttle.Throttle
	fetcher  Fetcher
	collapse bool
	inflight singleflight.Group
	log      zerolog.Logger
}

// Response is a successful proxy outcome, ready to be delivered to the caller.
type Response struct {
	Body        []byte
	ContentType string
	CacheStatus cachestatus.CacheStatus
}

// CreateProxy initializes the proxy instance.
func CreateProxy(config Config) *Proxy {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	p := &Proxy{
		cache:    config.Cache,
		rules:    config.Rules,
		throttle: throttle.New(config.ChunkSize, config.ChunkDelay),
		fetcher:  config.Fetcher,
		collapse: config.Collapse,
		log:      logger,
	}
	if p.throttle.ChunkSize <= 0 {
		p.throttle.ChunkSize = throttle.DefaultChunkSize
	}
	if p.cache == nil {
		p.cache = cache.NewMemCache(cache.Config{
			Expiry:     config.CacheExpiry,
			MaxEntries: config.CacheMaxEntries,
		})
	}
	if p.fetcher == nil {
		p.fetcher = NewHTTPFetcher(config.FetchTimeout)
	}
	return p
}

// ServeHTTP implements the http.Handler interface.
// The target is taken from the `url` query parameter.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer p.recover(w, r)

	res, err := p.Handle(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		var reqErr *RequestError
		if !errors.As(err, &reqErr) {
			reqErr = upstreamFailure(r.URL.Query().Get("url"), err)
		}
		http.Error(w, reqErr.Message, reqErr.Status)
		return
	}
	p.send(w, r, res)
}

// recover recovers from panics and responds with an internal server error.
func (p *Proxy) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		p.logger(r.Context()).WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in proxy handler")
		http.Error(w, "Internal proxy error", http.StatusInternalServerError)
	}
}

// Handle runs the proxy pipeline for a single target:
// validate, check the domain rules, serve a fresh cached response if there is one,
// otherwise fetch, check the content rules and store the response.
// Errors are always of type *RequestError.
func (p *Proxy) Handle(ctx context.Context, target string) (*Response, error) {
	log := p.logger(ctx).With().Str("target", target).Logger()

	if target == "" {
		log.Debug().Msg("Request without target")
		return nil, invalidRequest()
	}

	if domain, blocked := p.rules.DomainBlocked(target); blocked {
		log.Info().Str("domain", domain).Msg("Target blocked by domain rule")
		return nil, domainBlocked(domain)
	}

	var cacheStatus cachestatus.CacheStatus
	if entry, ok, err := p.cache.Get(target); err != nil {
		log.Warn().Err(err).Msg("Could not read from cache")
		cacheStatus.Forward(cachestatus.FwdUriMiss)
	} else if !ok {
		cacheStatus.Forward(cachestatus.FwdUriMiss)
	} else if !entry.Fresh {
		log.Trace().Time("capturedAt", entry.CapturedAt).Msg("Cached response is stale")
		cacheStatus.Forward(cachestatus.FwdStale)
	} else {
		log.Debug().Time("capturedAt", entry.CapturedAt).Msg("Serving from cache")
		cacheStatus.Hit()
		return &Response{
			Body:        entry.Body,
			ContentType: entry.ContentType,
			CacheStatus: cacheStatus,
		}, nil
	}

	if !p.collapse {
		return p.fetchAndStore(ctx, log, target, cacheStatus)
	}

	// the shared fetch must not be cut short by the first caller going away
	v, err, shared := p.inflight.Do(target, func() (interface{}, error) {
		return p.fetchAndStore(context.WithoutCancel(ctx), log, target, cacheStatus)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*Response)
	if shared {
		res.CacheStatus.Detail = "collapsed"
	}
	return &res, nil
}

// fetchAndStore fetches the target and stores the response if it passes the content rules.
func (p *Proxy) fetchAndStore(ctx context.Context, log zerolog.Logger, target string, cacheStatus cachestatus.CacheStatus) (*Response, error) {
	log.Debug().Msg("Fetching from origin")
	upstream, err := p.fetcher.Fetch(ctx, target)
	if err != nil {
		log.Error().Err(err).Msg("Could not fetch target")
		return nil, upstreamFailure(target, err)
	}
	log.Trace().Int("upstreamStatus", upstream.StatusCode).Int("bytes", len(upstream.Body)).Msg("Got response from origin")

	if keyword, blocked := p.rules.ContentBlocked(upstream.Body); blocked {
		log.Info().Str("keyword", keyword).Msg("Response blocked by content rule")
		return nil, contentBlocked(keyword)
	}

	contentType := upstream.ContentType()
	if err := p.cache.Put(target, upstream.Body, contentType); err != nil {
		log.Error().Err(err).Msg("Could not write to cache")
	} else {
		cacheStatus.Stored = true
	}

	return &Response{
		Body:        upstream.Body,
		ContentType: contentType,
		CacheStatus: cacheStatus,
	}, nil
}

// send delivers the response body in paced chunks.
func (p *Proxy) send(w http.ResponseWriter, r *http.Request, res *Response) {
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Body)))
	w.Header().Set(cachestatus.HeaderName, res.CacheStatus.String())
	w.WriteHeader(http.StatusOK)

	start := time.Now()
	written, err := p.throttle.Copy(r.Context(), w, res.Body)
	log := p.logger(r.Context())
	if err != nil {
		log.Warn().Err(err).Int64("bytes", written).Msg("Could not write response body to client")
		return
	}
	log.Debug().
		Str("status", string(res.CacheStatus.Status)).
		Str("fwd", string(res.CacheStatus.FwdReason)).
		Bool("stored", res.CacheStatus.Stored).
		Int("chunks", p.throttle.NumChunks(len(res.Body))).
		Dur("delivery", time.Since(start)).
		Msgf("Wrote body (%d bytes)", written)
}

// logger returns the logger from the context.
// If no logger is found, the proxy logger is returned.
func (p *Proxy) logger(ctx context.Context) *zerolog.Logger {
	logger := zerolog.Ctx(ctx)
	if logger.GetLevel() == zerolog.Disabled {
		return &p.log
	}
	return logger
}
