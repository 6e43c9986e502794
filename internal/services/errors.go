package services

import (
	"errors"
	"fmt"

	"github.com/huangang/interlock/internal/models"
)

// Error kinds returned by the coordinator and scheduler. The transport
// layer maps these to protocol responses; background loops convert
// failures into execution statuses instead of propagating, so policy
// and action errors surface in JobExecution records, not here.
var (
	ErrResourceBusy     = errors.New("resource busy")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNotFound         = errors.New("not found")
	ErrInvalidTrigger   = errors.New("invalid trigger")
	ErrInvalidArgument  = errors.New("invalid argument")
)

// BusyError reports a conflicting lock on acquire. Callers distinguish
// an observer-vs-exclusive conflict through the holder fields.
type BusyError struct {
	ResourceID    string
	HolderMode    models.LockMode
	HolderSession string
	HolderCount   int
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("resource busy: %s held %s by %d session(s)", e.ResourceID, e.HolderMode, e.HolderCount)
}

func (e *BusyError) Unwrap() error { return ErrResourceBusy }
