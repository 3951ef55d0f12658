package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Project-Pixelstar-Fifteen/packages-modules-Virtualization/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestGrant() *model.DeviceGrant {
	return &model.DeviceGrant{
		ID:        model.NewID(),
		SysfsPath: "/sys/devices/platform/10000000.uart",
		DtboLabel: "uart",
		BoundAt:   time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetDeviceGrant(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := makeTestGrant()

	if err := s.CreateDeviceGrant(ctx, g); err != nil {
		t.Fatalf("CreateDeviceGrant: %v", err)
	}

	got, err := s.GetDeviceGrant(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetDeviceGrant: %v", err)
	}

	if got.ID != g.ID {
		t.Errorf("ID = %q, want %q", got.ID, g.ID)
	}
	if got.SysfsPath != g.SysfsPath {
		t.Errorf("SysfsPath = %q, want %q", got.SysfsPath, g.SysfsPath)
	}
	if got.DtboLabel != g.DtboLabel {
		t.Errorf("DtboLabel = %q, want %q", got.DtboLabel, g.DtboLabel)
	}
	if !got.BoundAt.Equal(g.BoundAt) {
		t.Errorf("BoundAt = %v, want %v", got.BoundAt, g.BoundAt)
	}
	if got.ReleasedAt != nil {
		t.Errorf("ReleasedAt = %v, want nil", got.ReleasedAt)
	}
}

func TestGetDeviceGrantNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDeviceGrant(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDeviceGrant error = %v, want ErrNotFound", err)
	}
}

func TestMarkDeviceReleased(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	g := makeTestGrant()

	if err := s.CreateDeviceGrant(ctx, g); err != nil {
		t.Fatalf("CreateDeviceGrant: %v", err)
	}

	released := time.Now().UTC().Truncate(time.Second)
	if err := s.MarkDeviceReleased(ctx, g.ID, released); err != nil {
		t.Fatalf("MarkDeviceReleased: %v", err)
	}

	got, err := s.GetDeviceGrant(ctx, g.ID)
	if err != nil {
		t.Fatalf("GetDeviceGrant: %v", err)
	}
	if got.ReleasedAt == nil || !got.ReleasedAt.Equal(released) {
		t.Errorf("ReleasedAt = %v, want %v", got.ReleasedAt, released)
	}
}

func TestMarkDeviceReleasedNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.MarkDeviceReleased(context.Background(), "nonexistent", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkDeviceReleased error = %v, want ErrNotFound", err)
	}
}

func TestListDeviceGrantsActiveOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	live := makeTestGrant()
	live.BoundAt = time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	if err := s.CreateDeviceGrant(ctx, live); err != nil {
		t.Fatal(err)
	}

	released := makeTestGrant()
	if err := s.CreateDeviceGrant(ctx, released); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkDeviceReleased(ctx, released.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListDeviceGrants(ctx, false)
	if err != nil {
		t.Fatalf("ListDeviceGrants(all): %v", err)
	}
	if len(all) != 2 {
		t.Errorf("got %d grants, want 2", len(all))
	}

	active, err := s.ListDeviceGrants(ctx, true)
	if err != nil {
		t.Fatalf("ListDeviceGrants(active): %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("got %d active grants, want 1", len(active))
	}
	if active[0].ID != live.ID {
		t.Errorf("active grant = %q, want %q", active[0].ID, live.ID)
	}
}

func TestRecordPayloadBuild(t *testing.T) {
	s := newTestStore(t)

	b := &model.PayloadBuild{
		ID:             model.NewID(),
		ApexCount:      3,
		PartitionCount: 6,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
	}
	if err := s.RecordPayloadBuild(context.Background(), b); err != nil {
		t.Fatalf("RecordPayloadBuild: %v", err)
	}

	// Duplicate IDs must be rejected by the primary key.
	if err := s.RecordPayloadBuild(context.Background(), b); err == nil {
		t.Error("RecordPayloadBuild accepted a duplicate ID")
	}
}
