package squad

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
	"github.com/ymode/SyntheticCoin-SYNC/internal/registry"
	"github.com/ymode/SyntheticCoin-SYNC/internal/verification"
)

func newTestService(t *testing.T) (*Service, *registry.Registry) {
	t.Helper()
	reg := registry.New(registry.DefaultConfig(), nil, nil, nil)
	engine, err := verification.New(reg, verification.DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatalf("verification.New: %v", err)
	}
	return NewService(reg, engine, nil, nil), reg
}

func miner(avg uint64, ip string, hashrate float64) *fingerprint.Fingerprint {
	return &fingerprint.Fingerprint{
		AvgNonceTimeUS:        avg,
		TimingVarianceUS:      1200,
		IPAddress:             ip,
		AvgLatencyMS:          40,
		FirmwareVersion:       "2.4.1",
		ChipCount:             1,
		PowerConsumptionWatts: 15,
		AverageHashrate:       hashrate,
	}
}

func TestFormSquad_DistinctPair(t *testing.T) {
	svc, reg := newTestService(t)
	reg.RegisterDevice("A", miner(30000, "192.168.1.101", 480))
	reg.RegisterDevice("B", miner(80000, "10.0.0.5", 520))

	sq, err := svc.FormSquad([]string{"A", "B"})
	if err != nil {
		t.Fatalf("FormSquad: %v", err)
	}
	if !strings.HasPrefix(sq.ID, "SQUAD_") || len(sq.ID) <= len("SQUAD_") {
		t.Errorf("squad id = %q", sq.ID)
	}
	if sq.TotalHashrate != 1000 || sq.BlocksFound != 0 {
		t.Errorf("unexpected squad: %+v", sq)
	}
	if _, ok := reg.Squad(sq.ID); !ok {
		t.Error("formed squad not stored")
	}
}

func TestFormSquad_Rejections(t *testing.T) {
	svc, reg := newTestService(t)
	for i := range 11 {
		reg.RegisterDevice(fmt.Sprintf("D%02d", i), miner(uint64(30000+i*25000), fmt.Sprintf("10.0.%d.1", i), 500))
	}
	for i := range 3 {
		reg.RegisterDevice(fmt.Sprintf("CLONE_%d", i), miner(50000+uint64(i), "192.168.1.100", 500))
	}

	eleven := make([]string, 11)
	for i := range eleven {
		eleven[i] = fmt.Sprintf("D%02d", i)
	}

	tests := []struct {
		name    string
		ids     []string
		wantErr error
	}{
		{"single member", []string{"D00"}, registry.ErrInvalidSquadSize},
		{"eleven members", eleven, registry.ErrInvalidSquadSize},
		{"unregistered member", []string{"D00", "GHOST"}, registry.ErrUnregisteredSquadMember},
		{"repeated member", []string{"D00", "D01", "D00"}, registry.ErrDuplicateSquadMember},
		{"clones", []string{"CLONE_0", "CLONE_1", "CLONE_2"}, ErrSpoofingDetected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.FormSquad(tt.ids)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("FormSquad error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if n := len(reg.Squads()); n != 0 {
		t.Errorf("%d squads stored after rejections, want 0", n)
	}
}

func TestFormSquad_DuplicateMembers(t *testing.T) {
	svc, reg := newTestService(t)
	reg.RegisterDevice("A", miner(30000, "192.168.1.101", 480))

	sq, err := svc.FormSquad([]string{"A", "A"})
	if !errors.Is(err, registry.ErrDuplicateSquadMember) {
		t.Fatalf("FormSquad error = %v, want ErrDuplicateSquadMember (squad %+v)", err, sq)
	}
	if n := len(reg.Squads()); n != 0 {
		t.Errorf("%d squads stored, want 0", n)
	}
}

func TestFormSquad_VerificationErrorCarriesResult(t *testing.T) {
	svc, reg := newTestService(t)
	reg.RegisterDevice("X", miner(50000, "192.168.1.100", 500))
	reg.RegisterDevice("Y", miner(50001, "192.168.1.100", 500))
	reg.RegisterDevice("Z", miner(50002, "192.168.1.100", 500))

	_, err := svc.FormSquad([]string{"X", "Y", "Z"})

	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected VerificationError, got %v", err)
	}
	if !errors.Is(err, ErrSpoofingDetected) {
		t.Errorf("expected ErrSpoofingDetected, got %v", err)
	}
	if len(verr.Result.SuspiciousPairs) != 3 || verr.Result.IsValid || verr.Result.Confidence != 0 {
		t.Errorf("unexpected result: %+v", verr.Result)
	}
}

func TestMembership(t *testing.T) {
	svc, reg := newTestService(t)
	reg.RegisterDevice("A", miner(30000, "1.1.1.1", 100))
	reg.RegisterDevice("B", miner(80000, "2.2.2.2", 100))
	reg.RegisterDevice("C", miner(130000, "3.3.3.3", 100))
	reg.RegisterDevice("A_CLONE", miner(30001, "1.1.1.1", 100))

	sq, err := svc.FormSquad([]string{"A", "B"})
	if err != nil {
		t.Fatalf("FormSquad: %v", err)
	}

	if sq, err = svc.AddMember(sq.ID, "C"); err != nil {
		t.Fatalf("AddMember(C): %v", err)
	}
	if len(sq.Members) != 3 || sq.TotalHashrate != 300 {
		t.Errorf("after add: %+v", sq)
	}

	if _, err := svc.AddMember(sq.ID, "A_CLONE"); !errors.Is(err, ErrDistributionUnverified) {
		t.Errorf("adding a clone of an existing member error = %v, want ErrDistributionUnverified", err)
	}

	if sq, err = svc.RemoveMember(sq.ID, "C"); err != nil {
		t.Fatalf("RemoveMember(C): %v", err)
	}
	if _, err := svc.RemoveMember(sq.ID, "B"); !errors.Is(err, registry.ErrInvalidSquadSize) {
		t.Errorf("RemoveMember below minimum error = %v", err)
	}
}
