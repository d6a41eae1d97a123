package resilience

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite3 "modernc.org/sqlite/lib"
)

// TransientError marks an error as safe to retry, such as a 429 or 5xx from
// the geocoding API.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err as transient. statusCode is the upstream HTTP
// status, or 0 when there was no response.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// IsTransient reports whether err, or any error it wraps, is worth retrying.
// Cancellation never is.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	for _, check := range transientChecks {
		if check(err) {
			return true
		}
	}
	return false
}

var transientChecks = []func(error) bool{
	markedTransient,
	networkTransient,
	postgresTransient,
	sqliteTransient,
	messageTransient,
}

func markedTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func networkTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED)
}

func postgresTransient(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && IsTransientSQLState(pgErr.Code)
}

// sqliteCoder matches *sqlite.Error from modernc.org/sqlite.
type sqliteCoder interface {
	Code() int
}

// sqliteTransient treats a busy or locked database as transient; another
// connection holds the write lock past busy_timeout.
func sqliteTransient(err error) bool {
	var se sqliteCoder
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

var transientMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"i/o timeout",
	"server closed idle connection",
	"database is locked",
}

func messageTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// IsTransientHTTPStatus reports whether an upstream HTTP status is worth
// retrying later.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsTransientSQLState reports whether a Postgres SQLSTATE is retryable:
// serialization failures, deadlocks, the connection exception class and
// cannot_connect_now.
func IsTransientSQLState(code string) bool {
	switch code {
	case "40001", "40P01", "57P03":
		return true
	}
	return strings.HasPrefix(code, "08")
}
