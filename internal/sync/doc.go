// Package sync pulls the authoritative remote copy of a user's tasks and
// labels into a local store.
//
// Overview
//
// A Coordinator runs once per established session. It walks a small state
// machine:
//
//	idle → checking-tables → pulling-tasks → pulling-labels → done
//	                 ↘               ↘                ↘
//	                                error
//
// Each pulled collection replaces the local one wholesale. A collection
// that comes back empty is not applied, and neither is anything after a
// failed step, so an offline session keeps working on its local data. Data
// applied before a failure stays applied.
//
// Usage
//
//	coord := sync.New(remoteStore, st, sync.Options{Notify: sink})
//	if _, err := coord.SessionEstablished(ctx, userID); err != nil {
//	    // reported once through the sink; local state untouched
//	}
//
// Triggering again for the same user after a successful pull is a no-op;
// triggering while a pull is running returns ErrSyncInProgress. Resync
// forces a new pull and is what the daemon uses after the store file
// changes.
package sync
