package panel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/vpnshop-bot/keyengine/internal/failure"
	"github.com/vpnshop-bot/keyengine/internal/store"
)

// statusError is a non-2xx HTTP response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.code, e.body)
}

// rejectedError is a 2xx response whose envelope reports success=false.
type rejectedError struct {
	path string
	msg  string
}

func (e *rejectedError) Error() string {
	msg := strings.TrimSpace(e.msg)
	if msg == "" {
		msg = "no message"
	}
	return fmt.Sprintf("panel rejected %s: %s", e.path, msg)
}

func isStatus(err error, code int) bool {
	var status *statusError
	return errors.As(err, &status) && status.code == code
}

func isClientNotFound(err error) bool {
	var rejected *rejectedError
	return errors.As(err, &rejected) && strings.Contains(strings.ToLower(rejected.msg), "not found")
}

// isNetworkClass reports errors that quarantine a host: transport failures,
// timeouts and gateway statuses.
func isNetworkClass(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, failure.HostTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var status *statusError
	if errors.As(err, &status) {
		switch status.code {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// classify tags a raw panel error with its failure kind. Errors that already
// carry a kind pass through.
func classify(h store.Host, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || failure.Kind(err) != "unknown" {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return failure.Wrap(err, failure.HostTimeout, "%s on %s", op, h.Name)
	}
	var status *statusError
	if errors.As(err, &status) {
		switch {
		case status.code == http.StatusUnauthorized || status.code == http.StatusForbidden:
			return failure.Wrap(err, failure.AuthFailed, "%s on %s", op, h.Name)
		case status.code == http.StatusNotFound:
			return failure.Wrap(err, failure.NotFound, "%s on %s", op, h.Name)
		case status.code >= 500:
			return failure.Wrap(err, failure.PanelUnavailable, "%s on %s", op, h.Name)
		default:
			return failure.Wrap(err, failure.Validation, "%s on %s", op, h.Name)
		}
	}
	var rejected *rejectedError
	if errors.As(err, &rejected) {
		return failure.Wrap(err, failure.Validation, "%s on %s", op, h.Name)
	}
	return failure.Wrap(err, failure.PanelUnavailable, "%s on %s", op, h.Name)
}
