package identcache

import (
	"errors"
	"fmt"
)

// ErrInvalidAlias reports a populate alias with malformed qualification
// syntax, or a bare alias that cannot be qualified because the record
// carries no realm.
var ErrInvalidAlias = errors.New("identcache: invalid lookup alias")

// ExpireError reports a failed epoch bump for one class. The cache's view
// was not invalidated; the caller should retry or escalate, since stale
// records stay servable until the bump lands.
type ExpireError struct {
	Class   Class
	BumpErr error
}

func (e *ExpireError) Error() string {
	return fmt.Sprintf("expire %s: epoch bump failed: %v", e.Class, e.BumpErr)
}

func (e *ExpireError) Unwrap() error { return e.BumpErr }
