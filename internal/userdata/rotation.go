package userdata

import (
	"userstream/internal/metrics"
	"userstream/logger"
)

// StreamTracker is the transport side bookkeeping of live stream names.
type StreamTracker interface {
	RenameStream(oldID, newID string)
}

// HandleIdentifierRotation moves every registration and the identity
// binding from oldID to newID, then tells the tracker about the rename.
func (d *Dispatcher) HandleIdentifierRotation(oldID, newID string) {
	moved := d.registry.Rotate(oldID, newID)
	if d.tracker != nil {
		d.tracker.RenameStream(oldID, newID)
	}
	if moved {
		metrics.RecordRotation()
	}

	d.log.WithComponent("userdata_rotation").WithFields(logger.Fields{
		"old_stream_id": shortID(oldID),
		"new_stream_id": shortID(newID),
		"moved":         moved,
	}).Info("stream identifier rotated")
}
