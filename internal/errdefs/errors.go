// Package errdefs defines the typed failures surfaced by the capture pipeline.
package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// InvalidInputError reports a profile URL that cannot be captured.
type InvalidInputError struct {
	URL    string
	Reason string
}

func (e *InvalidInputError) Error() string {
	if e.URL == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid profile URL %q: %s", e.URL, e.Reason)
}

// MissingCredentialsError reports absent login credentials.
type MissingCredentialsError struct {
	Missing []string
}

func (e *MissingCredentialsError) Error() string {
	return fmt.Sprintf("missing credentials: %s must be set", strings.Join(e.Missing, ", "))
}

// LoginError is returned once every login attempt has failed.
type LoginError struct {
	Attempts int
	Err      error
}

func (e *LoginError) Error() string {
	return fmt.Sprintf("Login failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *LoginError) Unwrap() error { return e.Err }

// VerificationError reports a page that does not look authenticated.
type VerificationError struct {
	Reason string
}

func (e *VerificationError) Error() string {
	return "login verification failed: " + e.Reason
}

// ChallengeTimeoutError is returned when nobody completed the challenge in time.
type ChallengeTimeoutError struct {
	Attempts int
	Waited   time.Duration
}

func (e *ChallengeTimeoutError) Error() string {
	return fmt.Sprintf("verification challenge not completed after %d checks (%s)", e.Attempts, e.Waited.Round(time.Second))
}

// ProfileNotFoundError reports a profile page the site says is unavailable.
type ProfileNotFoundError struct {
	URL string
}

func (e *ProfileNotFoundError) Error() string {
	return "Profile not found or unavailable"
}

// SessionInvalidError wraps a failure caused by a closed or detached browser.
// The session manager recovers from it; it never reaches a caller.
type SessionInvalidError struct {
	Err error
}

func (e *SessionInvalidError) Error() string {
	return fmt.Sprintf("browser session is no longer usable: %v", e.Err)
}

func (e *SessionInvalidError) Unwrap() error { return e.Err }

// FetchError is an uncategorized failure during navigation or capture.
type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func IsInvalidInput(err error) bool {
	var target *InvalidInputError
	return errors.As(err, &target)
}

func IsMissingCredentials(err error) bool {
	var target *MissingCredentialsError
	return errors.As(err, &target)
}

func IsLogin(err error) bool {
	var target *LoginError
	return errors.As(err, &target)
}

func IsVerification(err error) bool {
	var target *VerificationError
	return errors.As(err, &target)
}

func IsChallengeTimeout(err error) bool {
	var target *ChallengeTimeoutError
	return errors.As(err, &target)
}

func IsProfileNotFound(err error) bool {
	var target *ProfileNotFoundError
	return errors.As(err, &target)
}

func IsSessionInvalid(err error) bool {
	var target *SessionInvalidError
	return errors.As(err, &target)
}

// HTTPStatus maps an error to the status code the API responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsProfileNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Kind is a short machine-readable name for the error class.
func Kind(err error) string {
	switch {
	case IsInvalidInput(err):
		return "invalid_input"
	case IsProfileNotFound(err):
		return "profile_not_found"
	case IsChallengeTimeout(err):
		return "challenge_timeout"
	case IsLogin(err):
		return "login_failed"
	case IsMissingCredentials(err):
		return "missing_credentials"
	case IsVerification(err):
		return "verification_failed"
	default:
		return "fetch_failed"
	}
}
