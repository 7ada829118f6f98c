package model

import "github.com/google/uuid"

// SessionStat is one row of a gateway usage batch. Counters are
// absolute values read off the OpenVPN status log, not deltas: the
// authority overwrites, never accumulates.
type SessionStat struct {
	UserID             uuid.UUID `json:"userId"`
	DateConnectedUnix  int64     `json:"dateConnectedUnix"`
	AssignedIP         string    `json:"assignedIP"`
	ClientIP           string    `json:"clientIP,omitempty"`
	BytesToClient      int64     `json:"bytesToClient"`
	BytesFromClient    int64     `json:"bytesFromClient"`
	BytesToClientSaved int64     `json:"bytesToClientSaved"`
}

// UsageReport is the periodic stats batch a gateway posts.
type UsageReport struct {
	ServerHostname string        `json:"serverHostname"`
	Sessions       []SessionStat `json:"sessions"`
}

// EvictionList is the synchronous stats response: users whose balance
// has run out and whose tunnels the gateway must kill.
type EvictionList struct {
	Evict []uuid.UUID `json:"evict"`
}
