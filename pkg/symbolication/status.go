package symbolication

import (
	"context"
	"errors"

	"github.com/symbolq/symbolq/pkg/model"
	"github.com/symbolq/symbolq/pkg/symcache"
)

// statusFromError maps a fetch failure onto the module status surfaced to
// callers.
func statusFromError(err error) model.ObjectFileStatus {
	var serr *symcache.Error
	if errors.As(err, &serr) {
		switch serr.Kind {
		case symcache.KindDownloadFailed:
			return model.StatusFetchingFailed
		case symcache.KindMalformed:
			return model.StatusMalformed
		case symcache.KindTimeout:
			return model.StatusTimeout
		}
		return model.StatusOther
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.StatusTimeout
	}
	return model.StatusOther
}
