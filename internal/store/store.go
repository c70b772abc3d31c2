package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Code signing certificates, keyed by label.
	SaveCertificate(cert *Certificate) error
	// GetCertificate returns the PEM encoded certificate for label.
	GetCertificate(label string) ([]byte, error)
	DeleteCertificate(label string) error
	ListCertificates() ([]*Certificate, error)

	// Update history. Entries are assigned increasing sequence numbers.
	AppendHistory(entry *HistoryEntry) error
	// ListHistory returns up to limit entries, newest first. A limit of
	// zero or less returns everything.
	ListHistory(limit int) ([]*HistoryEntry, error)

	// Close the store
	Close() error
}
