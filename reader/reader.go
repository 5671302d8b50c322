// Package reader holds the contract every exchange connector implements.
// Each exchange lives in its own subpackage and shares no state with the
// others.
package reader

import (
	"context"

	"cryptolink/models"
)

// DataSource is the capability set of one exchange connector. The Listen
// calls block, reconnecting as needed, until ctx is cancelled and then
// return ctx.Err().
type DataSource interface {
	Exchange() string
	FetchSnapshot(ctx context.Context, pair string) (*models.Snapshot, error)
	ListenTrades(ctx context.Context) error
	ListenDiffs(ctx context.Context) error
	ListenUserStream(ctx context.Context) error
}

// Reader runs the enabled streams of a DataSource in the background.
type Reader interface {
	DataSource
	Start(ctx context.Context) error
	Stop()
}
