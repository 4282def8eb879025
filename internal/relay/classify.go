package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/omarluq/gem-relay/internal/upstream"
)

// failureKind drives the retry state machine. It is finer grained than
// Category: several kinds collapse into one terminal category.
type failureKind int

const (
	kindTransient failureKind = iota // 5xx, network: cool the key down, try another
	kindRateLimit                    // 429 per-minute: backoff, try another
	kindDaily                        // 429 per-day: park the key until midnight
	kindAuth                         // 401/403: key is dead, deactivate
	kindBadRequest                   // 400: the request is wrong, stop
	kindCanceled                     // client disconnect
)

// classify buckets an upstream failure. Unknown errors are treated as
// transient so a flaky network never permanently sidelines a key. A deadline
// hit is the per-call upstream timeout, not the client leaving, so it cools
// the key like any other slow upstream; the orchestrator detects a dead
// client from its own context.
func classify(err error) failureKind {
	if errors.Is(err, context.Canceled) {
		return kindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kindTransient
	}

	var ue *upstream.Error
	if !errors.As(err, &ue) {
		return kindTransient
	}

	switch ue.StatusCode {
	case http.StatusTooManyRequests:
		if isDailyQuota(ue.Body) {
			return kindDaily
		}
		return kindRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		return kindAuth
	case http.StatusBadRequest:
		return kindBadRequest
	default:
		return kindTransient
	}
}

// isDailyQuota reports whether a 429 body names a per-day quota. Gemini
// attaches QuotaFailure details with quota ids like
// "GenerateRequestsPerDayPerProjectPerModel"; per-minute exhaustion uses
// "...PerMinute..." ids and backs off instead.
func isDailyQuota(body []byte) bool {
	details := gjson.GetBytes(body, "error.details")
	found := false
	details.ForEach(func(_, detail gjson.Result) bool {
		detail.Get("violations").ForEach(func(_, v gjson.Result) bool {
			if strings.Contains(v.Get("quotaId").String(), "PerDay") {
				found = true
				return false
			}
			return true
		})
		return !found
	})
	if found {
		return true
	}
	// Older error shapes carry the quota id only in the message text.
	return strings.Contains(gjson.GetBytes(body, "error.message").String(), "PerDay")
}
