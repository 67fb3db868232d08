package transcript

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// Sink receives every finalized turn (database, message bus, ...).
type Sink interface {
	AppendTurn(ctx context.Context, sessionID string, turn Turn) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, sessionID string, turn Turn) error

func (f SinkFunc) AppendTurn(ctx context.Context, sessionID string, turn Turn) error {
	return f(ctx, sessionID, turn)
}

// MultiSink fans a turn out to every sink concurrently and joins their errors.
type MultiSink []Sink

func (m MultiSink) AppendTurn(ctx context.Context, sessionID string, turn Turn) error {
	var g errgroup.Group
	errs := make([]error, len(m))
	for i, s := range m {
		if s == nil {
			continue
		}
		g.Go(func() error {
			errs[i] = s.AppendTurn(ctx, sessionID, turn)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
