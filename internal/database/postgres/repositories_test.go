package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
)

func newMock(t *testing.T) (*Client, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		mock.ExpectClose()
		if err := db.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
	return NewClientFromDB(db), mock
}

func TestMigrate(t *testing.T) {
	client, mock := newMock(t)
	mock.ExpectBegin()
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectCommit()

	if err := client.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
}

func TestMigrate_Error(t *testing.T) {
	client, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS devices").WillReturnError(errors.New("permission denied"))
	mock.ExpectRollback()

	err := client.Migrate(context.Background())
	if err == nil || !strings.Contains(err.Error(), "statement 1") {
		t.Fatalf("Migrate() error = %v, want failure on statement 1", err)
	}
}

func TestInTx_CommitAndRollback(t *testing.T) {
	client, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM devices")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	err := client.InTx(ctx, func(q Querier) error {
		return NewDeviceRepository(q).Delete(ctx, []string{"rig-1"})
	})
	if err != nil {
		t.Fatalf("InTx() commit path error = %v", err)
	}

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectRollback()
	if err := client.InTx(ctx, func(Querier) error { return boom }); !errors.Is(err, boom) {
		t.Errorf("InTx() rollback path error = %v, want %v", err, boom)
	}
}

func TestDeviceRepository_Upsert(t *testing.T) {
	client, mock := newMock(t)
	repo := NewDeviceRepository(client.DB())

	registered := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := registry.DeviceRecord{
		ID:           "BITAXE_001",
		Fingerprint:  &fingerprint.Fingerprint{DeviceID: "BITAXE_001", IPAddress: "10.0.0.5", ChipCount: 1},
		RegisteredAt: registered,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO devices")).
		WithArgs("BITAXE_001", sqlmock.AnyArg(), "10.0.0.5", registered).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Upsert(context.Background(), rec); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestDeviceRepository_List(t *testing.T) {
	client, mock := newMock(t)
	repo := NewDeviceRepository(client.DB())

	registered := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	fp := fingerprint.Fingerprint{DeviceID: "A", IPAddress: "10.0.0.1", AverageHashrate: 480}
	fp.TimingSamples[0] = 30000
	raw, err := json.Marshal(fp)
	if err != nil {
		t.Fatal(err)
	}

	rows := sqlmock.NewRows([]string{"id", "fingerprint", "registered_at"}).
		AddRow("A", raw, registered)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, fingerprint, registered_at FROM devices")).WillReturnRows(rows)

	got, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, want 1", len(got))
	}
	if got[0].ID != "A" || !got[0].RegisteredAt.Equal(registered) {
		t.Errorf("unexpected record: %+v", got[0])
	}
	if got[0].Fingerprint.TimingSamples[0] != 30000 || got[0].Fingerprint.AverageHashrate != 480 {
		t.Errorf("fingerprint not decoded: %+v", got[0].Fingerprint)
	}
}

func TestDeviceRepository_ListBadJSON(t *testing.T) {
	client, mock := newMock(t)
	repo := NewDeviceRepository(client.DB())

	rows := sqlmock.NewRows([]string{"id", "fingerprint", "registered_at"}).
		AddRow("A", []byte("{broken"), time.Now())
	mock.ExpectQuery("SELECT id, fingerprint").WillReturnRows(rows)

	if _, err := repo.List(context.Background()); err == nil {
		t.Fatal("expected error for corrupt fingerprint")
	}
}

func TestDeviceRepository_Delete(t *testing.T) {
	client, mock := newMock(t)
	repo := NewDeviceRepository(client.DB())

	if err := repo.Delete(context.Background(), nil); err != nil {
		t.Fatalf("Delete(nil): %v", err)
	}

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM devices")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	if err := repo.Delete(context.Background(), []string{"A", "B"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}

func TestSquadRepository(t *testing.T) {
	client, mock := newMock(t)
	repo := NewSquadRepository(client.DB())
	ctx := context.Background()

	created := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	sq := registry.Squad{ID: "SQUAD_1", Members: []string{"A", "B"}, CreatedAt: created, TotalHashrate: 1000, BlocksFound: 2}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO squads")).
		WithArgs("SQUAD_1", sqlmock.AnyArg(), created, 1000.0, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.Upsert(ctx, sq); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rows := sqlmock.NewRows([]string{"id", "members", "created_at", "total_hashrate", "blocks_found"}).
		AddRow("SQUAD_1", "{A,B}", created, 1000.0, int64(2))
	mock.ExpectQuery(regexp.QuoteMeta("FROM squads")).WillReturnRows(rows)

	got, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || len(got[0].Members) != 2 || got[0].Members[1] != "B" || got[0].BlocksFound != 2 {
		t.Errorf("unexpected squads: %+v", got)
	}
}

func TestOwnershipRepository(t *testing.T) {
	client, mock := newMock(t)
	repo := NewOwnershipRepository(client.DB())
	ctx := context.Background()

	registered := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	o := registry.Ownership{
		DeviceID:        "A",
		Manufacturer:    "Bitaxe",
		Model:           "Ultra",
		SerialNumber:    "SN1",
		FirmwareVersion: "2.4.1",
		ChipCount:       1,
		MaxHashrateGHS:  500,
		OwnerAddress:    "bcrt1qexample",
		Signature:       []byte{1, 2, 3},
		RegisteredAt:    registered,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO device_ownership")).
		WithArgs("A", "Bitaxe", "Ultra", "SN1", "2.4.1", int64(1), 500.0, sqlmock.AnyArg(),
			"bcrt1qexample", []byte{1, 2, 3}, registered).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.Upsert(ctx, o); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	rows := sqlmock.NewRows([]string{
		"device_id", "manufacturer", "model", "serial_number", "firmware_version", "chip_count",
		"max_hashrate_ghs", "manufacture_date", "owner_address", "signature", "registered_at",
	}).AddRow("A", "Bitaxe", "Ultra", "SN1", "2.4.1", int64(1), 500.0, nil, "bcrt1qexample", []byte{1, 2, 3}, registered)
	mock.ExpectQuery(regexp.QuoteMeta("FROM device_ownership")).WillReturnRows(rows)

	got, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records", len(got))
	}
	if got[0].OwnerAddress != "bcrt1qexample" || got[0].ChipCount != 1 || !got[0].ManufactureDate.IsZero() {
		t.Errorf("unexpected record: %+v", got[0])
	}
	if string(got[0].Signature) != string([]byte{1, 2, 3}) {
		t.Errorf("signature = %v", got[0].Signature)
	}
}
