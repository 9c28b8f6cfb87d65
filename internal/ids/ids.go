// Package ids mints the RequestID and TraceID values that flow through every
// gateway component. Both identifiers are ULIDs: 48 bits of millisecond
// timestamp followed by 80 bits of crypto/rand entropy, Crockford base32
// encoded to a fixed 26-character string. Lexicographic sort order on the
// encoded string therefore matches creation order, which lets audit queries
// and log correlation rely on simple string comparison instead of parsing
// timestamps out of every record.
package ids

import (
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is shared by NewRequestID and NewTraceID. ulid.Monotonic wraps
// crypto/rand so identifiers minted within the same millisecond still sort
// correctly by incrementing the random component rather than colliding.
// It is not safe for concurrent use on its own, so every read is guarded by
// entropyMu below.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewRequestID mints a new RequestID, a ULID string unique to one inbound
// HTTP request.
func NewRequestID() string {
	return mint()
}

// NewTraceID mints a new TraceID. A TraceID is minted once per logical
// operation and may be reused across a request's queue wait, upstream
// invocation, and resulting audit event, so callers that need to correlate
// several RequestIDs under one logical operation should mint a TraceID
// explicitly rather than reusing a RequestID.
func NewTraceID() string {
	return mint()
}

// NewEventID mints a new EventID, a ULID string unique to one persisted
// GatewayEvent. Event IDs are minted by the EventStore itself at append
// time, independently of the RequestID/TraceID the caller supplies.
func NewEventID() string {
	return mint()
}

func mint() string {
	entropyMu.Lock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	entropyMu.Unlock()
	if err != nil {
		// ulid.New only fails when the entropy source errors or the
		// timestamp overflows 48 bits (the year 10889); crypto/rand does
		// not error in practice, so this path is not expected to execute.
		panic(fmt.Sprintf("ids: mint ulid: %v", err))
	}
	return id.String()
}

// ParseTimestamp extracts the embedded creation time from a RequestID or
// TraceID minted by this package. It returns an error if id is not a
// well-formed ULID string.
func ParseTimestamp(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, fmt.Errorf("ids: parse %q: %w", id, err)
	}
	return ulid.Time(parsed.Time()), nil
}
