// Package sources describes where debug artifacts are searched for. The
// symbolication core treats the configured list as opaque: it only passes
// it through to the fetch collaborators, which probe the locations in the
// configured order.
package sources

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/symbolq/symbolq/pkg/model"
)

// FileType narrows a search to one artifact flavor within a source.
type FileType string

const (
	// FileTypeDebugInfo is a stripped or full debug companion file.
	FileTypeDebugInfo FileType = "debuginfo"
	// FileTypeExecutable is the executable image itself.
	FileTypeExecutable FileType = "executable"
	// FileTypeSourceBundle is an archive of the source files referenced by
	// an image's debug info.
	FileTypeSourceBundle FileType = "sourcebundle"
)

// SourceTypes returns the file types that can satisfy source-context
// lookups.
func SourceTypes() []FileType {
	return []FileType{FileTypeSourceBundle}
}

// Bucket is the read side of an object store holding debug artifacts.
// github.com/thanos-io/objstore buckets satisfy it.
type Bucket interface {
	Get(ctx context.Context, name string) (io.ReadCloser, error)
	Exists(ctx context.Context, name string) (bool, error)
	IsObjNotFoundErr(err error) bool
	Name() string
}

// SourceConfig binds one named search location to its backing bucket.
// Locations are probed in the order they are configured.
type SourceConfig struct {
	// ID names the source in candidate provenance and logs.
	ID string
	// Bucket holds the artifacts.
	Bucket Bucket
	// PathPrefix is prepended to every computed object key.
	PathPrefix string
	// Scopes limits the source to specific tenants. Empty means the source
	// is available to every scope.
	Scopes []model.Scope
}

// AllowsScope reports whether the source may be searched for the scope.
func (s SourceConfig) AllowsScope(scope model.Scope) bool {
	if len(s.Scopes) == 0 {
		return true
	}
	for _, allowed := range s.Scopes {
		if allowed == scope || allowed == model.ScopeGlobal {
			return true
		}
	}
	return false
}

// ObjectKey computes the bucket key for an artifact. The layout is the
// common symbol-server one: the lowercased identifier followed by the
// artifact flavor.
func (s SourceConfig) ObjectKey(id model.ObjectID, ft FileType) string {
	return path.Join(s.PathPrefix, strings.ToLower(id.String()), string(ft))
}
