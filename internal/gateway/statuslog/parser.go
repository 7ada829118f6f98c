// Package statuslog reads the OpenVPN status log.
//
// The status file is rewritten by OpenVPN on an interval and looks like:
//
//	TITLE,OpenVPN 2.6.8 ...
//	TIME,Thu Aug  8 10:20:24 2013,1375957224
//	HEADER,CLIENT_LIST,Common Name,Real Address,Virtual Address,Bytes Received,Bytes Sent,Connected Since,Connected Since (time_t)
//	CLIENT_LIST,88goNcBQ...,103.9.42.133:14702,10.8.0.5,21302,6844,Thu Aug  8 10:19:14 2013,1375957154
//	HEADER,ROUTING_TABLE,...
//	ROUTING_TABLE,...
//	GLOBAL_STATS,...
//	END
//
// Only the CLIENT_LIST rows matter here. Byte counters are absolute
// for the lifetime of the tunnel, which is exactly what the authority
// wants: it overwrites, never accumulates.
package statuslog

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const clientListTag = "CLIENT_LIST"

// Entry is one connected tunnel as reported by OpenVPN. The common
// name on the client certificate is the user id.
type Entry struct {
	UserID            uuid.UUID
	ClientIP          string
	AssignedIP        string
	BytesFromClient   int64
	BytesToClient     int64
	DateConnectedUnix int64
}

// Parse extracts the CLIENT_LIST entries from an OpenVPN status log.
// Rows that do not parse are skipped rather than failing the whole
// snapshot: a torn read of a file OpenVPN is rewriting should not cost
// a reporting cycle.
func Parse(r io.Reader) ([]Entry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var entries []Entry
	for scanner.Scan() {
		entry, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan status log: %w", err)
	}
	return entries, nil
}

// ParseFile reads and parses the status log at path.
func ParseFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open status log: %w", err)
	}
	defer file.Close()
	return Parse(file)
}

func parseLine(line string) (Entry, bool) {
	if !strings.HasPrefix(line, clientListTag+",") {
		return Entry{}, false
	}
	fields := strings.Split(line, ",")
	if len(fields) < 8 {
		return Entry{}, false
	}

	userID, err := uuid.Parse(fields[1])
	if err != nil {
		return Entry{}, false
	}
	bytesFromClient, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	bytesToClient, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return Entry{}, false
	}
	connectedUnix, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return Entry{}, false
	}

	clientIP := fields[2]
	if host, _, found := strings.Cut(clientIP, ":"); found {
		clientIP = host
	}

	return Entry{
		UserID:            userID,
		ClientIP:          clientIP,
		AssignedIP:        fields[3],
		BytesFromClient:   bytesFromClient,
		BytesToClient:     bytesToClient,
		DateConnectedUnix: connectedUnix,
	}, true
}
