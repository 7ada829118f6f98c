package model

import (
	"time"

	"github.com/google/uuid"
)

// ActiveSession is one live VPN tunnel. Identity is
// (UserID, DateConnectedUnix): the OpenVPN connect timestamp survives
// gateway restarts and is stable across status-log polls, unlike any
// gateway-local counter.
type ActiveSession struct {
	UserID             uuid.UUID `db:"user_id" json:"userId"`
	DateConnectedUnix  int64     `db:"date_connected_unix" json:"dateConnectedUnix"`
	AssignedIP         string    `db:"assigned_ip" json:"assignedIP"`
	ClientIP           string    `db:"client_ip" json:"clientIP"`
	ClientIPv6         string    `db:"client_ipv6" json:"clientIPv6,omitempty"`
	ServerHostname     string    `db:"server_hostname" json:"serverHostname"`
	ServerNetDev       string    `db:"server_net_dev" json:"serverNetDev,omitempty"`
	BytesToClient      int64     `db:"bytes_to_client" json:"bytesToClient"`
	BytesFromClient    int64     `db:"bytes_from_client" json:"bytesFromClient"`
	BytesToClientSaved int64     `db:"bytes_to_client_saved" json:"bytesToClientSaved"`
	DateConnected      time.Time `db:"date_connected" json:"dateConnected"`
	DateLastActivity   time.Time `db:"date_last_activity" json:"dateLastActivity"`
	DisconnectedReason string    `db:"disconnected_reason" json:"disconnectedReason,omitempty"`
}

// Usage is the tunnel traffic counted against the balance. Compression
// savings are informational and excluded.
func (s *ActiveSession) Usage() int64 {
	return s.BytesToClient + s.BytesFromClient
}

// ArchivedSession is a closed tunnel moved to the archive table. The
// unique key (UserID, DateConnectedUnix) makes archiving idempotent.
type ArchivedSession struct {
	ActiveSession
	DateDisconnected time.Time `db:"date_disconnected" json:"dateDisconnected"`
}
