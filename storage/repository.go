// Package storage provides the durable key-value layer shared by every tab
// of an origin. Records are addressed by (partition, record type, record
// id); the partition is the application origin. No backend offers cross-tab
// locking: concurrent writers are last-writer-wins.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrPartitionNotFound is returned when nothing was ever written to a partition.
	ErrPartitionNotFound = errors.New("partition not found")
	// ErrQuotaExceeded is returned when a backend refuses a write for lack of space.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// Well-known record types.
const (
	RecordState   = "STATE"
	RecordSession = "SESSION"
	RecordBackups = "BACKUPS"
	RecordCSRF    = "CSRF"
	RecordKey     = "KEY"

	// CurrentID is the record id of the single canonical entry of a type.
	CurrentID = "current"
)

// BatchTx provides Put and Delete within an atomic transaction.
// The partition is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Put(recordType string, recordID string, envelope *Envelope) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for shared record storage.
type Repository interface {
	Put(partition string, recordType string, recordID string, envelope *Envelope) error
	Get(partition string, recordType string, recordID string) (*Envelope, error)
	List(partition string, recordType string) ([]string, error)
	Delete(partition string, recordType string, recordID string) error
	Batch(partition string, fn func(tx BatchTx) error) error
}

// IsNotFound reports whether err means the record or its partition is absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPartitionNotFound)
}
