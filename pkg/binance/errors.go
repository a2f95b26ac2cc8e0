package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gregtusar/vaultd/pkg/apperr"
)

const (
	codeTimestampOutsideWindow = -1021
	codeInvalidSignature       = -1022
	codeUnauthorized           = -2014
	codeInvalidAPIKey          = -2015
)

type venueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// parseVenueError maps a non-2xx response onto the error taxonomy.
func parseVenueError(status int, body []byte, header http.Header) error {
	var ve venueError
	_ = json.Unmarshal(body, &ve)

	if status == http.StatusTooManyRequests || status == http.StatusTeapot {
		e := apperr.RateLimited(retryAfter(header))
		e.Detail = "venue " + e.Detail
		return e
	}

	msg := ve.Msg
	if msg == "" {
		msg = http.StatusText(status)
	}

	var e *apperr.Error
	switch ve.Code {
	case codeInvalidAPIKey:
		e = apperr.New(apperr.KindAuth, apperr.CodeInvalidAPIKey, "Invalid API key format")
	case codeUnauthorized:
		e = apperr.New(apperr.KindAuth, apperr.CodeUnauthorized, "Invalid API key, IP, or permissions")
	case codeInvalidSignature:
		e = apperr.New(apperr.KindSignature, apperr.CodeInvalidSignature, "Invalid signature")
	case codeTimestampOutsideWindow:
		e = apperr.New(apperr.KindSignature, apperr.CodeTimestampWindow, "Timestamp outside of the receive window")
	default:
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			e = apperr.New(apperr.KindAuth, apperr.CodeUnauthorized, msg)
		} else {
			e = apperr.New(apperr.KindVenue, apperr.CodeUnknown, msg)
		}
	}
	e.Status = status
	return e
}

func retryAfter(header http.Header) time.Duration {
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}

// transportError classifies failures that happened before a response arrived.
func transportError(endpoint string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return apperr.Wrap(apperr.KindTimeout, apperr.CodeTimeout, fmt.Sprintf("request to %s timed out", endpoint), err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return apperr.Wrap(apperr.KindNetwork, apperr.CodeNetwork, fmt.Sprintf("request to %s failed", endpoint), err)
}
