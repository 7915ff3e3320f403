package api

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/bluesky-social/indigo/xrpc"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
)

// rejectionCodes are XRPC error names that mean the account itself cannot
// perform the operation.
var rejectionCodes = map[string]bool{
	"AccountTakedown":    true,
	"AccountDeactivated": true,
	"AccountSuspended":   true,
	"Unverified":         true,
	"unconfirmed_email":  true,
}

// Classify maps a destination error onto the engine's taxonomy: server-side,
// rate-limit and network failures become transient, account-state failures
// become account rejections. Anything else is returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if models.IsTransient(err) || errors.Is(err, models.ErrAccountRejected) {
		return err
	}

	var xe *xrpc.Error
	if errors.As(err, &xe) {
		if xe.StatusCode >= 500 || xe.StatusCode == http.StatusTooManyRequests {
			return models.Transient(err)
		}
		var inner *xrpc.XRPCError
		if errors.As(xe.Wrapped, &inner) {
			if rejectionCodes[inner.ErrStr] || isUnverifiedMessage(inner.Message) {
				return models.Rejected(inner.ErrStr, err)
			}
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return models.Transient(err)
	}
	return err
}

func isExpiredToken(err error) bool {
	var xe *xrpc.Error
	if !errors.As(err, &xe) {
		return false
	}
	var inner *xrpc.XRPCError
	if errors.As(xe.Wrapped, &inner) {
		return inner.ErrStr == "ExpiredToken" || inner.ErrStr == "InvalidToken"
	}
	return xe.StatusCode == http.StatusUnauthorized
}

func isUnverifiedMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not verified") || strings.Contains(msg, "unverified") || strings.Contains(msg, "confirm your email")
}
