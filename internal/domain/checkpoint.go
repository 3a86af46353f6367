package domain

import "time"

type ScannerStatus string

const (
	ScannerStatusStopped  ScannerStatus = "stopped"
	ScannerStatusRunning  ScannerStatus = "running"
	ScannerStatusErroring ScannerStatus = "erroring"
)

// ScannerCheckpoint is the persisted scanner cursor and run configuration.
type ScannerCheckpoint struct {
	LastScannedBlock uint64        `json:"lastScannedBlock"`
	HasScanned       bool          `json:"hasScanned"`
	Status           ScannerStatus `json:"status"`
	BatchSize        uint64        `json:"batchSize"`
	IntervalMs       uint64        `json:"intervalMs"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// NextBlock is the first block that has not been committed yet.
func (c ScannerCheckpoint) NextBlock() uint64 {
	if !c.HasScanned {
		return 0
	}
	return c.LastScannedBlock + 1
}

// WasActive reports whether the scanner was running when the checkpoint was written.
func (c ScannerCheckpoint) WasActive() bool {
	return c.Status == ScannerStatusRunning || c.Status == ScannerStatusErroring
}
