// Package objects locates and downloads raw object files from the
// configured source locations. It is the finder/fetcher collaborator of
// the symbolication core; unlike pkg/symcache it hands back plain bytes
// and derives nothing from them.
package objects

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/symbolq/symbolq/pkg/model"
	"github.com/symbolq/symbolq/pkg/objfile"
	"github.com/symbolq/symbolq/pkg/sources"
)

// Purpose states what a located object will be used for. Sources may serve
// different artifact flavors for different purposes.
type Purpose string

const (
	PurposeDebug  Purpose = "debug"
	PurposeUnwind Purpose = "unwind"
	PurposeSource Purpose = "source"
)

// FindObject describes one object-file search.
type FindObject struct {
	FileTypes  []sources.FileType
	Purpose    Purpose
	Scope      model.Scope
	Identifier model.ObjectID
	Sources    []sources.SourceConfig
}

// ObjectFileMeta identifies a located object file so it can be fetched.
type ObjectFileMeta struct {
	Source   sources.SourceConfig
	Key      string
	FileType sources.FileType
}

// FindResult is the outcome of a search. Meta is nil when no source had
// the object; Candidates records every location that was probed.
type FindResult struct {
	Meta       *ObjectFileMeta
	Candidates model.CandidateList
}

// Finder is the object-file collaborator used by the symbolication core.
type Finder interface {
	Find(ctx context.Context, q FindObject) (FindResult, error)
	Fetch(ctx context.Context, meta ObjectFileMeta) ([]byte, error)
}

type Config struct {
	NotFoundCacheSize int            `yaml:"not_found_cache_size"`
	NotFoundCacheTTL  time.Duration  `yaml:"not_found_cache_ttl"`
	Backoff           backoff.Config `yaml:"backoff"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.NotFoundCacheSize, "objects.not-found-cache-size", 4096, "Number of negative lookups memoized per finder.")
	f.DurationVar(&cfg.NotFoundCacheTTL, "objects.not-found-cache-ttl", 5*time.Minute, "How long a negative lookup is considered fresh.")
	cfg.Backoff = backoff.Config{
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 2 * time.Second,
		MaxRetries: 3,
	}
}

func (cfg *Config) Validate() error {
	if cfg.NotFoundCacheSize < 1 {
		return fmt.Errorf("invalid not-found-cache-size value, must be positive")
	}
	return nil
}

// Service implements Finder over object-store source locations.
type Service struct {
	logger   log.Logger
	cfg      Config
	notFound *lru.Cache[string, time.Time]
	group    singleflight.Group
	metrics  *metrics
}

func New(logger log.Logger, cfg Config, reg prometheus.Registerer) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	notFound, err := lru.New[string, time.Time](cfg.NotFoundCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create not-found cache: %w", err)
	}

	return &Service{
		logger:   log.With(logger, "component", "objects"),
		cfg:      cfg,
		notFound: notFound,
		metrics:  newMetrics(reg),
	}, nil
}

// Find probes the configured sources in order for the first location that
// holds one of the requested file types. A search that comes up empty is
// not an error; the zero-meta result carries the candidate provenance.
func (s *Service) Find(ctx context.Context, q FindObject) (FindResult, error) {
	start := time.Now()
	status := statusSuccess
	defer func() {
		s.metrics.findDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	var result FindResult

	for _, src := range q.Sources {
		if !src.AllowsScope(q.Scope) {
			continue
		}
		for _, ft := range q.FileTypes {
			if err := ctx.Err(); err != nil {
				status = statusError
				return result, err
			}

			key := src.ObjectKey(q.Identifier, ft)
			cacheKey := src.ID + "/" + key

			if when, ok := s.notFound.Get(cacheKey); ok && time.Since(when) < s.cfg.NotFoundCacheTTL {
				s.metrics.notFoundCacheHits.Inc()
				result.Candidates.Merge(model.CandidateList{{
					Source:   src.ID,
					Location: key,
					Status:   model.CandidateNotFound,
				}})
				continue
			}

			exists, err := src.Bucket.Exists(ctx, key)
			if err != nil {
				level.Warn(s.logger).Log("msg", "object existence check failed", "source", src.ID, "key", key, "err", err)
				result.Candidates.Merge(model.CandidateList{{
					Source:   src.ID,
					Location: key,
					Status:   model.CandidateError,
					Details:  err.Error(),
				}})
				continue
			}
			if !exists {
				s.notFound.Add(cacheKey, time.Now())
				s.metrics.notFoundCacheAdds.Inc()
				result.Candidates.Merge(model.CandidateList{{
					Source:   src.ID,
					Location: key,
					Status:   model.CandidateNotFound,
				}})
				continue
			}

			result.Candidates.Merge(model.CandidateList{{
				Source:   src.ID,
				Location: key,
				Status:   model.CandidateOK,
			}})
			result.Meta = &ObjectFileMeta{
				Source:   src,
				Key:      key,
				FileType: ft,
			}
			return result, nil
		}
	}

	status = statusMissing
	return result, nil
}

// Fetch downloads a located object file and inflates it if compressed.
// Concurrent fetches of the same location share one download.
func (s *Service) Fetch(ctx context.Context, meta ObjectFileMeta) ([]byte, error) {
	start := time.Now()
	status := statusSuccess
	defer func() {
		s.metrics.fetchDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
	}()

	v, err, _ := s.group.Do(meta.Source.ID+"/"+meta.Key, func() (interface{}, error) {
		return s.download(ctx, meta)
	})
	if err != nil {
		status = statusError
		return nil, err
	}

	data := v.([]byte)
	s.metrics.fetchSizeBytes.Observe(float64(len(data)))
	return data, nil
}

func (s *Service) download(ctx context.Context, meta ObjectFileMeta) ([]byte, error) {
	boff := backoff.New(ctx, s.cfg.Backoff)
	var lastErr error

	for boff.Ongoing() {
		rc, err := meta.Source.Bucket.Get(ctx, meta.Key)
		if err == nil {
			data, rerr := io.ReadAll(rc)
			rc.Close()
			if rerr == nil {
				return objfile.Decompress(data)
			}
			err = rerr
		}
		if meta.Source.Bucket.IsObjNotFoundErr(err) {
			return nil, err
		}
		lastErr = err
		boff.Wait()
	}

	if lastErr == nil {
		lastErr = boff.Err()
	}
	return nil, fmt.Errorf("fetch %s from %s: %w", meta.Key, meta.Source.ID, lastErr)
}
