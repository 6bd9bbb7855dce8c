package imapsync

import "strings"

// transportErrorSubstrings flags a dropped connection worth retrying with
// backoff instead of failing the job outright, grounded on the teacher's
// IsConnectionError check.
var transportErrorSubstrings = []string{
	"use of closed network connection",
	"connection reset",
	"broken pipe",
	"eof",
	"i/o timeout",
	"connection refused",
	"no such host",
	"network is unreachable",
}

var rateLimitSubstrings = []string{
	"rate limit",
	"try again later",
	"too many requests",
	"throttl",
}

func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range transportErrorSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range rateLimitSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
