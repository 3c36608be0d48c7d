package senka

import (
	"context"
	"fmt"

	"github.com/unkn0wn-root/senka/transport"
)

// RootView is the caller-facing handle on a manager. Views are cheap,
// long-lived, and safe for concurrent use; they outlive the manager but
// fail every operation with ErrManagerGone once it is closed.
type RootView[M any] struct {
	m *Manager[M]
}

// Get returns the current metadata value. Treat it as read-only: joins
// produce fresh values, so a snapshot is never mutated after return.
func (v *RootView[M]) Get() (M, error) {
	if v.m.closed.Load() {
		var zero M
		return zero, ErrManagerGone
	}
	return v.m.store.Snapshot(), nil
}

// Version returns the local version counter: the number of local Join
// calls applied so far.
func (v *RootView[M]) Version() (uint64, error) {
	if v.m.closed.Load() {
		return 0, ErrManagerGone
	}
	return v.m.store.Version(), nil
}

// Join merges delta into the local value, bumps the version, and
// schedules a best-effort push to every currently-connected peer. The
// call returns once the local merge is applied; delivery is
// asynchronous, and a connection dropping before its send simply loses
// the message — the reconnect bootstrap makes that safe.
func (v *RootView[M]) Join(delta M) error {
	m := v.m
	if m.closed.Load() {
		return ErrManagerGone
	}

	ver := m.store.ApplyLocal(delta)

	body, err := m.codec.Encode(delta)
	if err != nil {
		return fmt.Errorf("encode delta: %w", err)
	}
	frame, err := m.wire.encode(mcMetadata, metadataMsg{Delta: body, Ver: ver})
	if err != nil {
		return fmt.Errorf("encode metadata message: %w", err)
	}

	m.fanOut(frame)
	return nil
}

// SyncFrom blocks until this peer has locally merged at least every
// update peer had applied at the moment it answered the query. Fails
// with ErrSyncFailed when the connection to peer is missing or drains
// mid-flight, with ctx.Err() when ctx fires, and with ErrManagerGone on
// manager shutdown.
func (v *RootView[M]) SyncFrom(ctx context.Context, peer transport.PeerID) error {
	if v.m.closed.Load() {
		return ErrManagerGone
	}
	return v.m.syncFrom(ctx, peer)
}

// SyncTo blocks until peer has locally merged at least every update this
// peer had applied when the call was made. Failure mapping matches
// SyncFrom.
func (v *RootView[M]) SyncTo(ctx context.Context, peer transport.PeerID) error {
	if v.m.closed.Load() {
		return ErrManagerGone
	}
	return v.m.syncTo(ctx, peer)
}

// Subscribe registers f to run after every applied join, local or
// remote. f receives no payload; re-read through Get.
func (v *RootView[M]) Subscribe(f func()) error {
	if v.m.closed.Load() {
		return ErrManagerGone
	}
	v.m.store.Subscribe(f)
	return nil
}
