package delegatedhttp

import (
	"context"

	"go.uber.org/zap"
)

// Fallback tries a direct GET first and falls back to the delegated
// facade on failure.
type Fallback struct {
	direct    Getter
	delegated Getter
	log       *zap.Logger
}

func NewFallback(direct, delegated Getter, log *zap.Logger) *Fallback {
	return &Fallback{direct: direct, delegated: delegated, log: log}
}

func (f *Fallback) Get(ctx context.Context, url string) (Response, error) {
	res, err := f.direct.Get(ctx, url)
	if err == nil {
		return res, nil
	}
	f.log.Debug("delegatedhttp: direct GET failed, falling back to delegated", zap.String("url", url), zap.Error(err))
	return f.delegated.Get(ctx, url)
}
