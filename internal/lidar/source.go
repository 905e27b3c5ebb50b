package lidar

import "context"

// Source produces scans into a Store until ctx is cancelled, the store's stop
// flag is raised, or the source fails. A Source owns its device for the whole
// of Run and has released it by the time Run returns.
type Source interface {
	Run(ctx context.Context, store *Store) error
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, store *Store) error

func (f SourceFunc) Run(ctx context.Context, store *Store) error { return f(ctx, store) }
