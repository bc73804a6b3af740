// Package rfc9211 builds the Cache-Status response header field,
// which tells clients how the cache handled their request.
package rfc9211

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusHit Status = "hit"
	StatusFwd Status = "fwd"
)

type FwdReason string

const (
	// The cache was configured to not handle this request.
	FwdReasonBypass FwdReason = "bypass"

	// The request method's semantics require the request to be
	// forwarded.
	FwdReasonMethod FwdReason = "method"

	// The cache did not contain any responses that matched the
	// request URI.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// The cache did not contain any responses that could be used to
	// satisfy this request.
	FwdReasonMiss FwdReason = "miss"
)

type CacheStatus struct {
	// Name identifying the cache in the header, e.g. the bucket name.
	Cache     string
	Status    Status
	FwdReason FwdReason
	// Whether the response was stored in the cache.
	Stored bool
	Detail string
}

func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// String returns the header field value, e.g. `pedrova-jizda-cache-v2; fwd=uri-miss; stored`.
func (cs CacheStatus) String() string {
	name := cs.Cache
	if name == "" {
		name = "OfflineCache"
	}
	parts := []string{name}
	switch cs.Status {
	case StatusHit:
		parts = append(parts, "hit")
	case StatusFwd:
		reason := cs.FwdReason
		if reason == "" {
			reason = FwdReasonMiss
		}
		parts = append(parts, fmt.Sprintf("fwd=%s", reason))
	}
	if cs.Stored {
		parts = append(parts, "stored")
	}
	if cs.Detail != "" {
		parts = append(parts, fmt.Sprintf("detail=%s", cs.Detail))
	}
	return strings.Join(parts, "; ")
}
