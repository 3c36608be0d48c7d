package senka

import "errors"

var (
	// ErrSyncFailed reports that a connection referenced by a sync
	// operation drained, or that no connection to the peer exists.
	ErrSyncFailed = errors.New("sync failed: peer connection gone")

	// ErrManagerGone reports an operation on a root view whose manager
	// has been closed.
	ErrManagerGone = errors.New("manager gone")
)
