package document

import (
	"context"
	"errors"
	"time"
)

// timeoutStore 為每次遠端呼叫加上逾時.
type timeoutStore struct {
	inner   Store
	timeout time.Duration
}

// WithTimeout 包裝 Store，逾時視同傳輸失敗.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return &timeoutStore{inner: s, timeout: d}
}

func (t *timeoutStore) Load(ctx context.Context) (*Document, Revision, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	doc, rev, err := t.inner.Load(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTransport) {
		return nil, "", TransportError("load", err)
	}
	return doc, rev, err
}

func (t *timeoutStore) Save(ctx context.Context, doc *Document, rev Revision) (Revision, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	next, err := t.inner.Save(ctx, doc, rev)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTransport) {
		return "", TransportError("save", err)
	}
	return next, err
}
