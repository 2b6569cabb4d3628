package executor

import (
	"net/http"
	"strconv"
)

// parseRetryAfter reads the Retry-After header as a whole-second delay.
// Only the delta-seconds form is supported (every upstream this gateway
// talks to uses it); an HTTP-date value or a missing header yields 0.
func parseRetryAfter(h http.Header) int {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds < 0 {
		return 0
	}
	return seconds
}
