package repositories

import "errors"

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	cmd, err := repo.GetLatestForHost(ctx, hostname, service)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when a write loses a concurrency race: an insert
// violates the one-command-per-(host, service) constraint, or a guarded
// update targeted a command that was superseded in the meantime. Callers
// holding stale command state should re-read and retry their decision.
var ErrConflict = errors.New("record conflict")
