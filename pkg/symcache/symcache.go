// Package symcache fetches debug objects from the configured source
// locations and derives queryable symbol caches from them. Derived caches
// are kept in memory so repeated requests for the same module do not
// re-download or re-convert anything.
package symcache

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/pyroscope/lidia"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/symbolq/symbolq/pkg/model"
	"github.com/symbolq/symbolq/pkg/objfile"
	"github.com/symbolq/symbolq/pkg/sources"
)

// Request asks for the symbol cache of one module.
type Request struct {
	ObjectType model.ObjectType
	Identifier model.ObjectID
	Sources    []sources.SourceConfig
	Scope      model.Scope
}

// Fetcher is the symbol-cache collaborator used by the symbolication core.
type Fetcher interface {
	FetchSymCache(ctx context.Context, req Request) (*File, error)
}

// File is a fetched symbol-cache artifact. A File with no data is the
// negative result: every source was searched and none had the object. The
// candidate list records which locations were probed either way.
type File struct {
	data       []byte
	arch       model.Architecture
	features   model.ObjectFeatures
	candidates model.CandidateList
}

// NewFile assembles a symbol-cache artifact. Fetcher implementations other
// than Service use it to wrap their results; nil data makes the negative
// result.
func NewFile(data []byte, arch model.Architecture, features model.ObjectFeatures, candidates model.CandidateList) *File {
	return &File{
		data:       data,
		arch:       arch,
		features:   features,
		candidates: candidates,
	}
}

// Parse opens the symbol table held by the file. It returns (nil, nil)
// when the file is the negative result. The caller owns the returned table
// and must close it.
func (f *File) Parse() (*lidia.Table, error) {
	if len(f.data) == 0 {
		return nil, nil
	}
	table, err := lidia.OpenReader(newReaderAtCloser(f.data), lidia.WithCRC())
	if err != nil {
		return nil, newError(KindMalformed, err)
	}
	return table, nil
}

// Architecture the cached object was built for.
func (f *File) Architecture() model.Architecture {
	if f.arch == "" {
		return model.ArchUnknown
	}
	return f.arch
}

// Features of the cached object.
func (f *File) Features() model.ObjectFeatures {
	return f.features
}

// Candidates records the source locations searched for this artifact.
func (f *File) Candidates() model.CandidateList {
	return f.candidates
}

type Config struct {
	MaxCacheBytes int64          `yaml:"max_cache_bytes"`
	Backoff       backoff.Config `yaml:"backoff"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.Int64Var(&cfg.MaxCacheBytes, "symcache.max-cache-bytes", 256<<20, "Maximum total size of in-memory symbol caches.")
	cfg.Backoff = backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		MaxRetries: 3,
	}
}

func (cfg *Config) Validate() error {
	if cfg.MaxCacheBytes < 1 {
		return fmt.Errorf("invalid max-cache-bytes value, must be positive")
	}
	return nil
}

// Service implements Fetcher over object-store source locations.
type Service struct {
	logger  log.Logger
	cfg     Config
	cache   *ristretto.Cache[string, *File]
	group   singleflight.Group
	metrics *metrics
}

func New(logger log.Logger, cfg Config, reg prometheus.Registerer) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *File]{
		NumCounters: 1 << 16,
		MaxCost:     cfg.MaxCacheBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create symcache memory cache: %w", err)
	}

	return &Service{
		logger:  log.With(logger, "component", "symcache"),
		cfg:     cfg,
		cache:   cache,
		metrics: newMetrics(reg),
	}, nil
}

// FetchSymCache returns the symbol cache for the requested module,
// downloading and converting it if it is not cached yet. Concurrent
// requests for the same artifact share one download.
func (s *Service) FetchSymCache(ctx context.Context, req Request) (*File, error) {
	key := string(req.Scope) + "/" + req.Identifier.String()

	if f, ok := s.cache.Get(key); ok {
		s.metrics.cacheOperations.WithLabelValues("get", statusCacheHit).Inc()
		return f, nil
	}
	s.metrics.cacheOperations.WithLabelValues("get", statusMiss).Inc()

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		f, ferr := s.fetch(ctx, req)
		if ferr != nil {
			return nil, ferr
		}
		cost := int64(len(f.data))
		if cost == 0 {
			cost = 1
		}
		s.cache.Set(key, f, cost)
		return f, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	return v.(*File), nil
}

func (s *Service) fetch(ctx context.Context, req Request) (*File, error) {
	start := time.Now()
	status := statusSuccess
	defer func() {
		s.metrics.fetchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	var candidates model.CandidateList
	var lastErr *Error

	for _, src := range req.Sources {
		if !src.AllowsScope(req.Scope) {
			continue
		}
		key := src.ObjectKey(req.Identifier, sources.FileTypeDebugInfo)

		data, err := s.download(ctx, src, key)
		if err != nil {
			if src.Bucket.IsObjNotFoundErr(err) {
				candidates.Merge(model.CandidateList{{
					Source:   src.ID,
					Location: key,
					Status:   model.CandidateNotFound,
				}})
				continue
			}
			level.Warn(s.logger).Log("msg", "symbol cache download failed", "source", src.ID, "key", key, "err", err)
			candidates.Merge(model.CandidateList{{
				Source:   src.ID,
				Location: key,
				Status:   model.CandidateError,
				Details:  err.Error(),
			}})
			lastErr = classify(err)
			continue
		}

		file, err := s.convert(data)
		if err != nil {
			level.Warn(s.logger).Log("msg", "debug object conversion failed", "source", src.ID, "key", key, "err", err)
			candidates.Merge(model.CandidateList{{
				Source:   src.ID,
				Location: key,
				Status:   model.CandidateError,
				Details:  err.Error(),
			}})
			lastErr = newError(KindMalformed, err)
			continue
		}

		candidates.Merge(model.CandidateList{{
			Source:   src.ID,
			Location: key,
			Status:   model.CandidateOK,
		}})
		file.candidates = candidates
		return file, nil
	}

	if lastErr != nil {
		status = statusError
		return nil, lastErr
	}

	status = statusMissing
	return &File{candidates: candidates}, nil
}

func (s *Service) download(ctx context.Context, src sources.SourceConfig, key string) ([]byte, error) {
	boff := backoff.New(ctx, s.cfg.Backoff)
	var lastErr error

	for boff.Ongoing() {
		rc, err := src.Bucket.Get(ctx, key)
		if err == nil {
			data, rerr := io.ReadAll(rc)
			rc.Close()
			if rerr == nil {
				return data, nil
			}
			err = rerr
		}
		if src.Bucket.IsObjNotFoundErr(err) {
			return nil, err
		}
		lastErr = err
		boff.Wait()
	}

	if lastErr == nil {
		lastErr = boff.Err()
	}
	return nil, lastErr
}

// convert derives a queryable symbol cache from a raw debug object.
func (s *Service) convert(data []byte) (*File, error) {
	start := time.Now()
	defer func() {
		s.metrics.conversionDuration.Observe(time.Since(start).Seconds())
	}()

	data, err := objfile.Decompress(data)
	if err != nil {
		s.metrics.conversionErrors.WithLabelValues("compression_error").Inc()
		return nil, err
	}

	obj, err := objfile.Parse(data)
	if err != nil {
		s.metrics.conversionErrors.WithLabelValues("parse_error").Inc()
		return nil, err
	}

	elfFile := obj.ELF()
	if elfFile == nil {
		s.metrics.conversionErrors.WithLabelValues("unsupported_format").Inc()
		return nil, fmt.Errorf("%s objects cannot be converted to symbol caches", obj.Type())
	}

	buf := newMemoryBuffer(len(data))
	if err := lidia.CreateLidiaFromELF(elfFile, buf, lidia.WithCRC(), lidia.WithFiles(), lidia.WithLines()); err != nil {
		s.metrics.conversionErrors.WithLabelValues("conversion_error").Inc()
		return nil, fmt.Errorf("create symbol cache: %w", err)
	}

	return &File{
		data:     buf.Bytes(),
		arch:     obj.Architecture(),
		features: obj.Features(),
	}, nil
}
