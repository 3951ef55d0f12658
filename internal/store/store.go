package store

import (
	"context"
	"errors"
	"time"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/model"
)

// ErrNotFound is returned when a record is not found.
var ErrNotFound = errors.New("record not found")

// Store defines the persistence operations for the audit records the
// daemon keeps: device passthrough grants and payload disk builds.
type Store interface {
	CreateDeviceGrant(ctx context.Context, g *model.DeviceGrant) error
	GetDeviceGrant(ctx context.Context, id string) (*model.DeviceGrant, error)
	ListDeviceGrants(ctx context.Context, activeOnly bool) ([]*model.DeviceGrant, error)
	MarkDeviceReleased(ctx context.Context, id string, at time.Time) error
	RecordPayloadBuild(ctx context.Context, b *model.PayloadBuild) error
	Close() error
}
