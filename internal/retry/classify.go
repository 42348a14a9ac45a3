package retry

import (
	"errors"
	"strings"
)

// StatusError carries an HTTP status alongside an upstream error so the
// classifier can apply status-based rules.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	return e.Err.Error()
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// HTTPStatus implements the status accessor used by Transient.
func (e *StatusError) HTTPStatus() int {
	return e.Status
}

// transientCodes are errno-style and client-library connection codes that
// indicate a transient network condition.
var transientCodes = []string{
	"ECONNRESET",
	"ETIMEDOUT",
	"ECONNREFUSED",
	"EAI_AGAIN",
	"ENOTFOUND",
	"UND_ERR_CONNECT_TIMEOUT",
	"UND_ERR_HEADERS_TIMEOUT",
	"UND_ERR_BODY_TIMEOUT",
	"UND_ERR_SOCKET",
}

// transientPhrases are message fragments (matched case-insensitively) that
// indicate a transient condition.
var transientPhrases = []string{
	"timeout",
	"timed out",
	"rate limit",
	"temporarily unavailable",
	"fetch failed",
	"network",
	"connection reset",
	"connection refused",
}

// Transient is the default retry predicate. It retries when the error carries
// an HTTP status of 408, 429, or 500-599, when it carries a known transient
// network code, or when its message matches a transient phrase. Everything
// else fails fast.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if IsPermanent(err) {
		return false
	}

	var statusErr interface{ HTTPStatus() int }
	if errors.As(err, &statusErr) {
		if transientStatus(statusErr.HTTPStatus()) {
			return true
		}
	}

	var codeErr interface{ ErrorCode() string }
	if errors.As(err, &codeErr) {
		code := strings.ToUpper(codeErr.ErrorCode())
		for _, c := range transientCodes {
			if code == c {
				return true
			}
		}
	}

	msg := strings.ToLower(err.Error())
	for _, c := range transientCodes {
		if strings.Contains(msg, strings.ToLower(c)) {
			return true
		}
	}
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

func transientStatus(status int) bool {
	return status == 408 || status == 429 || (status >= 500 && status <= 599)
}
