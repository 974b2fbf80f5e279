package browser

import (
	"errors"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/profilecap/internal/errdefs"
)

// ErrClosed is returned by pages whose browser has been destroyed.
var ErrClosed = errors.New("browser page is closed")

// goneFragments are messages Chrome and chromedp produce once a target,
// session or frame has disappeared under us.
var goneFragments = []string{
	"detached frame",
	"session closed",
	"target closed",
	"no target with given id",
	"session with given id not found",
	"cannot find context with specified id",
	"execution context was destroyed",
	"websocket: close",
	"use of closed network connection",
	"browser has disconnected",
}

// IsSessionGone reports whether err means the browser context or page is
// unusable and the session must be rebuilt.
func IsSessionGone(err error) bool {
	if err == nil {
		return false
	}
	if errdefs.IsSessionInvalid(err) ||
		errors.Is(err, ErrClosed) ||
		errors.Is(err, chromedp.ErrInvalidContext) ||
		errors.Is(err, chromedp.ErrChannelClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, f := range goneFragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

// AsSessionInvalid wraps err in SessionInvalidError when it means the
// session is gone, and returns it unchanged otherwise.
func AsSessionInvalid(err error) error {
	if err == nil || errdefs.IsSessionInvalid(err) || !IsSessionGone(err) {
		return err
	}
	return &errdefs.SessionInvalidError{Err: err}
}
