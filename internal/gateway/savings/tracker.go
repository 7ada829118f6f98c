// Package savings accounts for bytes the compressing proxy saved per
// tunnel. Ziproxy writes an access log line per request; the delta
// between the original and recompressed sizes is credited to the
// tunnel IP that made the request.
package savings

import (
	"strconv"
	"strings"
	"sync"
)

// Ziproxy access log fields, space separated:
//
//	TIME  PROCESS_TIME  ADDRESS  FLAGS  ORIGINAL_SIZE  COMPRESSED_SIZE  METHOD  URL
//	1402372959.505  335  10.8.0.10  T  4393  3131  GET  http://example.org/
const (
	fieldAddress        = 2
	fieldOriginalSize   = 4
	fieldCompressedSize = 5
	fieldMethod         = 6
	minFields           = 7
)

// Tracker accumulates saved bytes per tunnel IP. It is safe for
// concurrent use: the log follower feeds lines while the reporter
// snapshots totals.
type Tracker struct {
	mu   sync.Mutex
	byIP map[string]int64
}

func NewTracker() *Tracker {
	return &Tracker{byIP: make(map[string]int64)}
}

// ConsumeLine parses one access log line and credits the savings to
// the requesting tunnel IP. Returns the bytes saved, zero when the
// line records no compression win or does not parse.
func (t *Tracker) ConsumeLine(line string) int64 {
	fields := strings.Fields(line)
	if len(fields) < minFields {
		return 0
	}
	if fields[fieldMethod] != "GET" {
		return 0
	}
	originalSize, err := strconv.ParseInt(fields[fieldOriginalSize], 10, 64)
	if err != nil {
		return 0
	}
	compressedSize, err := strconv.ParseInt(fields[fieldCompressedSize], 10, 64)
	if err != nil {
		return 0
	}
	saved := originalSize - compressedSize
	if originalSize == 0 || saved <= 0 {
		return 0
	}

	t.mu.Lock()
	t.byIP[fields[fieldAddress]] += saved
	t.mu.Unlock()
	return saved
}

// SavedFor returns the bytes saved so far for a tunnel IP.
func (t *Tracker) SavedFor(ip string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byIP[ip]
}

// Remove clears one tunnel IP's total. Called when the tunnel is
// killed: the next session on this IP can appear before the next
// snapshot-based prune runs.
func (t *Tracker) Remove(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byIP, ip)
}

// Prune drops every IP not in the current connected set. Tunnel IPs
// come from a small pool and are reassigned on reconnect, so stale
// totals must not leak onto the next tenant of an address.
func (t *Tracker) Prune(connected map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ip := range t.byIP {
		if _, ok := connected[ip]; !ok {
			delete(t.byIP, ip)
		}
	}
}
