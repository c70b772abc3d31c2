package store

import "time"

// Certificate is a code signing certificate usable for image verification.
type Certificate struct {
	Label   string    `json:"label"`
	PEM     string    `json:"pem"`
	Subject string    `json:"subject,omitempty"`
	AddedAt time.Time `json:"added_at"`
}

// HistoryEntry records one step of an update.
type HistoryEntry struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Event  string    `json:"event"`
	Size   int64     `json:"size,omitempty"`
	Detail string    `json:"detail,omitempty"`
	Err    string    `json:"error,omitempty"`
}
