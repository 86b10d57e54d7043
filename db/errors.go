package db

import (
	"strings"

	"github.com/teranos/recurra/errors"
)

// ErrDatabaseClosed marks work that reached the store after shutdown closed it.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err came from a closed handle. database/sql
// keeps its own closed error unexported, so its message is matched as well.
func IsDatabaseClosed(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDatabaseClosed):
		return true
	default:
		return strings.Contains(err.Error(), "database is closed")
	}
}
