package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ymode/SyntheticCoin-SYNC/internal/database/postgres"
	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/verification"
)

func newMockManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
	mock.MatchExpectationsInOrder(true)
	return NewManagerWithClients(postgres.NewClientFromDB(db), nil, nil, nil, nil), mock
}

func TestManager_WithoutStores(t *testing.T) {
	mgr := NewManagerWithClients(nil, nil, nil, nil, nil)
	ctx := context.Background()
	reg := registry.New(registry.DefaultConfig(), nil, nil, nil)

	if err := mgr.RecordShare(ctx, fingerprint.Share{DeviceID: "A", Hashrate: 480}); err != nil {
		t.Errorf("RecordShare: %v", err)
	}
	if err := mgr.RecordVerification(ctx, []string{"A"}, verification.Result{IsValid: true}); err != nil {
		t.Errorf("RecordVerification: %v", err)
	}
	if ok, err := mgr.CheckRateLimit(ctx, "client", 1, time.Minute); err != nil || !ok {
		t.Errorf("CheckRateLimit = %v, %v; want allowed", ok, err)
	}
	if _, found, err := mgr.MirroredVerification(ctx, []string{"A"}); found || err != nil {
		t.Errorf("MirroredVerification = %v, %v", found, err)
	}
	if _, found, err := mgr.AverageHashrate(ctx, "A"); found || err != nil {
		t.Errorf("AverageHashrate = %v, %v", found, err)
	}
	if err := mgr.SaveSnapshot(ctx, reg); err != nil {
		t.Errorf("SaveSnapshot: %v", err)
	}
	if counts, err := mgr.LoadSnapshot(ctx, reg); err != nil || counts != (SnapshotCounts{}) {
		t.Errorf("LoadSnapshot = %+v, %v", counts, err)
	}
	if err := mgr.DeleteDevices(ctx, []string{"A"}); err != nil {
		t.Errorf("DeleteDevices: %v", err)
	}
	if err := mgr.Health(ctx); err != nil {
		t.Errorf("Health: %v", err)
	}
	if err := mgr.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestManager_SaveSnapshot(t *testing.T) {
	mgr, mock := newMockManager(t)
	ctx := context.Background()

	reg := registry.New(registry.DefaultConfig(), nil, nil, nil)
	for _, id := range []string{"A", "B"} {
		if !reg.RegisterDevice(id, &fingerprint.Fingerprint{IPAddress: "10.0.0." + id}) {
			t.Fatalf("register %s", id)
		}
	}
	if _, err := reg.RecordOwnership(registry.Ownership{DeviceID: "A", OwnerAddress: "addr"}); err != nil {
		t.Fatalf("RecordOwnership: %v", err)
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO devices").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO devices").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO device_ownership").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := mgr.SaveSnapshot(ctx, reg); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
}

func TestManager_LoadSnapshot(t *testing.T) {
	mgr, mock := newMockManager(t)
	ctx := context.Background()

	registered := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fp, err := json.Marshal(&fingerprint.Fingerprint{DeviceID: "A", IPAddress: "10.0.0.1"})
	if err != nil {
		t.Fatal(err)
	}

	mock.ExpectQuery("SELECT id, fingerprint, registered_at FROM devices").
		WillReturnRows(sqlmock.NewRows([]string{"id", "fingerprint", "registered_at"}).
			AddRow("A", fp, registered))
	mock.ExpectQuery("SELECT id, members, created_at, total_hashrate, blocks_found FROM squads").
		WillReturnRows(sqlmock.NewRows([]string{"id", "members", "created_at", "total_hashrate", "blocks_found"}))
	mock.ExpectQuery("FROM device_ownership").
		WillReturnRows(sqlmock.NewRows([]string{
			"device_id", "manufacturer", "model", "serial_number", "firmware_version", "chip_count",
			"max_hashrate_ghs", "manufacture_date", "owner_address", "signature", "registered_at",
		}).AddRow("A", "Bitaxe", "Gamma", "SN1", "2.4.0", int64(1), 1.2, nil, "addr", nil, registered))

	reg := registry.New(registry.DefaultConfig(), nil, nil, nil)
	counts, err := mgr.LoadSnapshot(ctx, reg)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if want := (SnapshotCounts{Devices: 1, Owners: 1}); counts != want {
		t.Errorf("counts = %+v, want %+v", counts, want)
	}
	if !reg.VerifyDeviceOwnership("A", "addr") {
		t.Error("ownership not restored")
	}
	if at, ok := reg.RegisteredAt("A"); !ok || !at.Equal(registered) {
		t.Errorf("RegisteredAt = %v, %v", at, ok)
	}
}

func TestManager_DeleteDevices(t *testing.T) {
	mgr, mock := newMockManager(t)

	mock.ExpectExec("DELETE FROM devices").WithArgs(sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 2))

	if err := mgr.DeleteDevices(context.Background(), []string{"A", "B"}); err != nil {
		t.Fatalf("DeleteDevices: %v", err)
	}
	if err := mgr.DeleteDevices(context.Background(), nil); err != nil {
		t.Fatalf("DeleteDevices(nil): %v", err)
	}
}
