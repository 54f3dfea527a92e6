package registry

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ymode/SyntheticCoin-SYNC/internal/fingerprint"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := newFakeClock()
	return New(DefaultConfig(), clock, nil, nil), clock
}

func testDevice(ip string, hashrate float64) *fingerprint.Fingerprint {
	return &fingerprint.Fingerprint{
		IPAddress:             ip,
		AvgNonceTimeUS:        50000,
		FirmwareVersion:       "2.4.1",
		ChipCount:             1,
		PowerConsumptionWatts: 12,
		AverageHashrate:       hashrate,
	}
}

func TestRegisterDevice_Duplicate(t *testing.T) {
	r, _ := newTestRegistry()

	first := testDevice("192.168.1.101", 500)
	if !r.RegisterDevice("BITAXE_001", first) {
		t.Fatal("first registration should succeed")
	}
	if r.RegisterDevice("BITAXE_001", testDevice("10.0.0.5", 900)) {
		t.Fatal("second registration should fail")
	}
	if err := r.Register("BITAXE_001", first); !errors.Is(err, ErrDeviceAlreadyRegistered) {
		t.Errorf("Register duplicate error = %v, want ErrDeviceAlreadyRegistered", err)
	}

	stored, ok := r.Fingerprint("BITAXE_001")
	if !ok {
		t.Fatal("device missing after registration")
	}
	if stored.IPAddress != "192.168.1.101" || stored.AverageHashrate != 500 {
		t.Errorf("stored fingerprint was replaced: %+v", stored)
	}
	if stored.DeviceID != "BITAXE_001" {
		t.Errorf("DeviceID = %q, want BITAXE_001", stored.DeviceID)
	}
}

func TestRegister_StoresCopy(t *testing.T) {
	r, _ := newTestRegistry()
	fp := testDevice("1.1.1.1", 1)
	r.RegisterDevice("A", fp)

	fp.IPAddress = "mutated"
	got, _ := r.Fingerprint("A")
	if got.IPAddress != "1.1.1.1" {
		t.Error("registry kept a reference to the caller's fingerprint")
	}

	got.IPAddress = "mutated again"
	again, _ := r.Fingerprint("A")
	if again.IPAddress != "1.1.1.1" {
		t.Error("Fingerprint returned internal state")
	}
}

func TestUpdateFingerprint(t *testing.T) {
	r, clock := newTestRegistry()
	r.RegisterDevice("A", testDevice("1.1.1.1", 100))

	if r.UpdateFingerprint("UNKNOWN", fingerprint.Share{TimestampUS: 1}) {
		t.Error("update of unknown device should report false")
	}
	if r.GetTotalRegisteredDevices() != 1 {
		t.Error("update of unknown device must not register it")
	}

	before := r.Revisions([]string{"A"})["A"]
	clock.Advance(time.Minute)
	if !r.UpdateFingerprint("A", fingerprint.Share{TimestampUS: 42000, Hashrate: 600, PowerWatts: 5}) {
		t.Fatal("update of known device should report true")
	}

	fp, _ := r.Fingerprint("A")
	if fp.TimingSamples[0] != 42000 || fp.AverageHashrate != 600 {
		t.Errorf("share not applied: %+v", fp)
	}
	if !fp.LastSeen.Equal(clock.Now()) {
		t.Errorf("LastSeen = %v, want %v", fp.LastSeen, clock.Now())
	}
	if after := r.Revisions([]string{"A"})["A"]; after <= before {
		t.Errorf("revision did not advance: %d -> %d", before, after)
	}
}

func TestUpdateFingerprint_Caps(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterDevice("A", testDevice("1.1.1.1", 100))

	for i := range uint64(150) {
		r.UpdateFingerprint("A", fingerprint.Share{Nonce: i, TimestampUS: 1000 + i})
	}

	fp, _ := r.Fingerprint("A")
	if len(fp.RecentNonces) != fingerprint.MaxRecentNonces {
		t.Errorf("len(RecentNonces) = %d, want %d", len(fp.RecentNonces), fingerprint.MaxRecentNonces)
	}
	if fp.TimingSamples[0] != 1149 || fp.TimingSamples[fingerprint.RingSize-1] != 1140 {
		t.Errorf("ring = %v, want 1149..1140", fp.TimingSamples)
	}
}

func TestGetDeviceRewardMultiplier(t *testing.T) {
	tests := []struct {
		name     string
		age      time.Duration
		lastSeen time.Duration // before now; negative means never
		hashrate float64
		power    float64
		want     float64
	}{
		{"new device active and efficient", 23 * time.Hour, 2 * time.Minute, 1500, 10, 1.0},
		{"verified idle inefficient", 30 * time.Hour, time.Hour, 500, 10, 1.1},
		{"verified active", 30 * time.Hour, 2 * time.Minute, 500, 10, 1.15},
		{"verified efficient idle", 30 * time.Hour, -1, 1500, 10, 1.15},
		{"verified active and efficient", 30 * time.Hour, 2 * time.Minute, 1500, 10, 1.2},
		{"zero power gets no efficiency bonus", 30 * time.Hour, time.Hour, 1500, 0, 1.1},
		{"efficiency exactly at threshold", 30 * time.Hour, time.Hour, 1000, 10, 1.1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, clock := newTestRegistry()
			fp := testDevice("1.1.1.1", tt.hashrate)
			fp.PowerConsumptionWatts = tt.power
			r.RegisterDevice("A", fp)

			clock.Advance(tt.age)
			if tt.lastSeen >= 0 {
				r.mu.Lock()
				r.devices["A"].fp.LastSeen = clock.Now().Add(-tt.lastSeen)
				r.mu.Unlock()
			}

			if got := r.GetDeviceRewardMultiplier("A"); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("multiplier = %v, want %v", got, tt.want)
			}
		})
	}

	r, _ := newTestRegistry()
	if got := r.GetDeviceRewardMultiplier("UNKNOWN"); got != 1.0 {
		t.Errorf("unknown device multiplier = %v, want 1.0", got)
	}
}

func TestGetDeviceHashrate(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterDevice("A", testDevice("1.1.1.1", 512.5))

	if got := r.GetDeviceHashrate("A"); got != 512.5 {
		t.Errorf("hashrate = %v, want 512.5", got)
	}
	if got := r.GetDeviceHashrate("UNKNOWN"); got != 0 {
		t.Errorf("unknown hashrate = %v, want 0", got)
	}
}

func TestFingerprints_SkipsUnknown(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterDevice("A", testDevice("1.1.1.1", 1))
	r.RegisterDevice("B", testDevice("2.2.2.2", 1))

	fps, revs := r.Fingerprints([]string{"B", "X", "A"})
	if len(fps) != 2 || fps[0].DeviceID != "B" || fps[1].DeviceID != "A" {
		t.Fatalf("unexpected snapshot order: %v", fps)
	}
	if revs["X"] != 0 || revs["A"] == 0 || revs["B"] == 0 {
		t.Errorf("unexpected revisions: %v", revs)
	}
}

func TestEvictIdle(t *testing.T) {
	r, clock := newTestRegistry()
	r.RegisterDevice("IDLE", testDevice("1.1.1.1", 1))
	r.RegisterDevice("BUSY", testDevice("2.2.2.2", 1))
	oldRev := r.Revisions([]string{"IDLE"})["IDLE"]

	clock.Advance(2 * time.Hour)
	r.UpdateFingerprint("BUSY", fingerprint.Share{TimestampUS: 1000})
	clock.Advance(30 * time.Minute)

	evicted := r.EvictIdle(time.Hour)
	if len(evicted) != 1 || evicted[0] != "IDLE" {
		t.Fatalf("evicted = %v, want [IDLE]", evicted)
	}
	if _, ok := r.Fingerprint("IDLE"); ok {
		t.Error("evicted device still present")
	}

	if !r.RegisterDevice("IDLE", testDevice("1.1.1.1", 1)) {
		t.Fatal("re-registration after eviction should succeed")
	}
	if rev := r.Revisions([]string{"IDLE"})["IDLE"]; rev == oldRev {
		t.Error("re-registration should produce a new revision")
	}
}

func TestRestore(t *testing.T) {
	src, clock := newTestRegistry()
	src.RegisterDevice("A", testDevice("1.1.1.1", 10))
	clock.Advance(time.Hour)
	src.RegisterDevice("B", testDevice("2.2.2.2", 20))

	dst, _ := newTestRegistry()
	dst.RegisterDevice("B", testDevice("9.9.9.9", 99))

	if n := dst.Restore(src.Devices()); n != 1 {
		t.Fatalf("restored %d devices, want 1", n)
	}
	at, ok := dst.RegisteredAt("A")
	if !ok || !at.Equal(newFakeClock().Now()) {
		t.Errorf("registration time not preserved: %v", at)
	}
	if fp, _ := dst.Fingerprint("B"); fp.IPAddress != "9.9.9.9" {
		t.Error("restore overwrote an existing device")
	}
}

func TestCreateSquad(t *testing.T) {
	r, _ := newTestRegistry()
	for i, ip := range []string{"1.1.1.1", "2.2.2.2", "3.3.3.3"} {
		r.RegisterDevice(fmt.Sprintf("D%d", i), testDevice(ip, 100*float64(i+1)))
	}

	tests := []struct {
		name    string
		ids     []string
		gate    SquadGate
		wantErr error
	}{
		{"one member", []string{"D0"}, nil, ErrInvalidSquadSize},
		{"eleven members", strings.Split("a,b,c,d,e,f,g,h,i,j,k", ","), nil, ErrInvalidSquadSize},
		{"unregistered member", []string{"D0", "NOPE"}, nil, ErrUnregisteredSquadMember},
		{"repeated member", []string{"D0", "D0"}, nil, ErrDuplicateSquadMember},
		{"repeated among three", []string{"D0", "D1", "D0"}, nil, ErrDuplicateSquadMember},
		{"gate refuses", []string{"D0", "D1"}, func([]*fingerprint.Fingerprint) error { return errGate }, errGate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := r.CreateSquad(tt.ids, tt.gate); !errors.Is(err, tt.wantErr) {
				t.Errorf("CreateSquad error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if len(r.Squads()) != 0 {
		t.Fatal("rejected squads must not be stored")
	}

	var gateSaw int
	s, err := r.CreateSquad([]string{"D0", "D1", "D2"}, func(fps []*fingerprint.Fingerprint) error {
		gateSaw = len(fps)
		return nil
	})
	if err != nil {
		t.Fatalf("CreateSquad: %v", err)
	}
	if gateSaw != 3 {
		t.Errorf("gate saw %d fingerprints, want 3", gateSaw)
	}
	if !strings.HasPrefix(s.ID, "SQUAD_") || s.TotalHashrate != 600 || s.BlocksFound != 0 {
		t.Errorf("unexpected squad: %+v", s)
	}

	stored, ok := r.Squad(s.ID)
	if !ok || len(stored.Members) != 3 {
		t.Errorf("stored squad = %+v, %v", stored, ok)
	}
}

var errGate = errors.New("gate refused")

func TestCreateSquad_UniqueIDsOnFrozenClock(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterDevice("A", testDevice("1.1.1.1", 1))
	r.RegisterDevice("B", testDevice("2.2.2.2", 1))

	seen := make(map[string]bool)
	for range 5 {
		s, err := r.CreateSquad([]string{"A", "B"}, nil)
		if err != nil {
			t.Fatalf("CreateSquad: %v", err)
		}
		if seen[s.ID] {
			t.Fatalf("duplicate squad id %s", s.ID)
		}
		seen[s.ID] = true
	}
}

func TestSquadMembership(t *testing.T) {
	r, _ := newTestRegistry()
	for i := range 11 {
		r.RegisterDevice(fmt.Sprintf("D%02d", i), testDevice(fmt.Sprintf("10.0.0.%d", i), 10))
	}

	s, err := r.CreateSquad([]string{"D00", "D01"}, nil)
	if err != nil {
		t.Fatalf("CreateSquad: %v", err)
	}

	if _, err := r.AddSquadMember(s.ID, "D00", nil); !errors.Is(err, ErrAlreadyMember) {
		t.Errorf("duplicate add error = %v, want ErrAlreadyMember", err)
	}
	if _, err := r.AddSquadMember("SQUAD_0", "D02", nil); !errors.Is(err, ErrSquadNotFound) {
		t.Errorf("unknown squad error = %v, want ErrSquadNotFound", err)
	}
	if _, err := r.AddSquadMember(s.ID, "NOPE", nil); !errors.Is(err, ErrUnregisteredSquadMember) {
		t.Errorf("unregistered add error = %v, want ErrUnregisteredSquadMember", err)
	}
	if _, err := r.AddSquadMember(s.ID, "D02", func([]*fingerprint.Fingerprint) error { return errGate }); !errors.Is(err, errGate) {
		t.Errorf("gated add error = %v, want errGate", err)
	}

	for i := 2; i < 10; i++ {
		if s, err = r.AddSquadMember(s.ID, fmt.Sprintf("D%02d", i), nil); err != nil {
			t.Fatalf("add D%02d: %v", i, err)
		}
	}
	if _, err := r.AddSquadMember(s.ID, "D10", nil); !errors.Is(err, ErrSquadFull) {
		t.Errorf("eleventh add error = %v, want ErrSquadFull", err)
	}
	if s.TotalHashrate != 100 {
		t.Errorf("TotalHashrate = %v, want 100", s.TotalHashrate)
	}

	if got := r.RewardShare(s.ID, "D05"); math.Abs(got-0.1) > 1e-12 {
		t.Errorf("reward share = %v, want 0.1", got)
	}
	if got := r.RewardShare(s.ID, "D10"); got != 0 {
		t.Errorf("non-member reward share = %v, want 0", got)
	}

	if _, err := r.RemoveSquadMember(s.ID, "D10"); !errors.Is(err, ErrNotMember) {
		t.Errorf("remove non-member error = %v, want ErrNotMember", err)
	}
	for i := 9; i >= 2; i-- {
		if _, err := r.RemoveSquadMember(s.ID, fmt.Sprintf("D%02d", i)); err != nil {
			t.Fatalf("remove D%02d: %v", i, err)
		}
	}
	if _, err := r.RemoveSquadMember(s.ID, "D01"); !errors.Is(err, ErrInvalidSquadSize) {
		t.Errorf("shrinking below minimum error = %v, want ErrInvalidSquadSize", err)
	}
	if got := r.RewardShare(s.ID, "D01"); got != 0.5 {
		t.Errorf("two-member reward share = %v, want 0.5", got)
	}

	s, err = r.RecordBlockFound(s.ID)
	if err != nil || s.BlocksFound != 1 {
		t.Errorf("RecordBlockFound = %+v, %v", s, err)
	}
}

func TestSquad_Methods(t *testing.T) {
	s := &Squad{Members: []string{"A"}}

	if !s.AddDevice("B", 2) || s.AddDevice("B", 3) || s.AddDevice("C", 2) {
		t.Error("AddDevice should accept new members up to the limit only")
	}
	if !s.RemoveDevice("A") || s.RemoveDevice("A") {
		t.Error("RemoveDevice should succeed once")
	}
	if s.RewardShare("B") != 1 {
		t.Errorf("single member share = %v, want 1", s.RewardShare("B"))
	}
	if (&Squad{}).RewardShare("B") != 0 {
		t.Error("empty squad share should be 0")
	}
}

func TestRestoreSquads(t *testing.T) {
	r, _ := newTestRegistry()

	n := r.RestoreSquads([]Squad{
		{ID: "SQUAD_100", Members: []string{"A", "B"}},
		{ID: "SQUAD_200"},
		{ID: "", Members: []string{"C", "D"}},
	})
	if n != 1 {
		t.Fatalf("restored %d squads, want 1", n)
	}
	if _, ok := r.Squad("SQUAD_200"); ok {
		t.Error("squad without members should not be restored")
	}
	if got := r.RewardShare("SQUAD_100", "A"); got != 0.5 {
		t.Errorf("RewardShare = %v, want 0.5", got)
	}
}

func TestRewardShare_PanicsOnEmptySquad(t *testing.T) {
	r, _ := newTestRegistry()
	r.squads["SQUAD_1"] = &Squad{ID: "SQUAD_1"}

	defer func() {
		if recover() == nil {
			t.Error("expected panic for a stored squad with no members")
		}
	}()
	r.RewardShare("SQUAD_1", "A")
}

func TestOwnership(t *testing.T) {
	r, _ := newTestRegistry()

	rec := Ownership{DeviceID: "BITAXE_001", Manufacturer: "Bitaxe", Model: "Ultra", OwnerAddress: "alice", Signature: []byte{1, 2}}
	if _, err := r.RecordOwnership(rec); err != nil {
		t.Fatalf("RecordOwnership: %v", err)
	}
	if _, err := r.RecordOwnership(rec); !errors.Is(err, ErrDeviceAlreadyRegistered) {
		t.Errorf("duplicate ownership error = %v", err)
	}
	r.RecordOwnership(Ownership{DeviceID: "BITAXE_002", OwnerAddress: "alice"})

	if !r.VerifyDeviceOwnership("BITAXE_001", "alice") || r.VerifyDeviceOwnership("BITAXE_001", "bob") {
		t.Error("VerifyDeviceOwnership mismatch")
	}
	if got := r.GetOwnerDevices("alice"); len(got) != 2 || got[0] != "BITAXE_001" {
		t.Errorf("GetOwnerDevices(alice) = %v", got)
	}

	if err := r.TransferDevice("BITAXE_001", "bob", "carol"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("transfer by non-owner error = %v, want ErrNotOwner", err)
	}
	if err := r.TransferDevice("NOPE", "alice", "bob"); !errors.Is(err, ErrDeviceUnknown) {
		t.Errorf("transfer of unknown device error = %v, want ErrDeviceUnknown", err)
	}
	if err := r.TransferDevice("BITAXE_001", "alice", "bob"); err != nil {
		t.Fatalf("TransferDevice: %v", err)
	}

	if !r.VerifyDeviceOwnership("BITAXE_001", "bob") {
		t.Error("bob should own BITAXE_001 after transfer")
	}
	if got := r.GetOwnerDevices("alice"); len(got) != 1 || got[0] != "BITAXE_002" {
		t.Errorf("GetOwnerDevices(alice) after transfer = %v", got)
	}

	o, _ := r.Ownership("BITAXE_001")
	o.Signature[0] = 9
	if again, _ := r.Ownership("BITAXE_001"); again.Signature[0] != 1 {
		t.Error("Ownership returned internal signature slice")
	}
}

func TestStats(t *testing.T) {
	r, clock := newTestRegistry()
	r.RegisterDevice("A", testDevice("1.1.1.1", 100))
	r.RegisterDevice("B", testDevice("1.1.1.1", 200))
	r.RegisterDevice("C", testDevice("3.3.3.3", 300))
	r.UpdateFingerprint("A", fingerprint.Share{TimestampUS: 1, Hashrate: 150})
	clock.Advance(2 * time.Hour)
	r.UpdateFingerprint("C", fingerprint.Share{TimestampUS: 1, Hashrate: 300})

	if got := r.GetTotalRegisteredDevices(); got != 3 {
		t.Errorf("total = %d, want 3", got)
	}
	if got := r.ActiveDevices(time.Hour); got != 1 {
		t.Errorf("active = %d, want 1", got)
	}
	if got := r.DevicesByIP("1.1.1.1"); got != 2 {
		t.Errorf("devices on 1.1.1.1 = %d, want 2", got)
	}

	s := r.Stats(3 * time.Hour)
	if s.TotalDevices != 3 || s.ActiveDevices != 2 || s.UniqueIPs != 2 || s.TotalHashrate != 650 {
		t.Errorf("unexpected stats: %+v", s)
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := New(DefaultConfig(), nil, nil, nil)
	ids := []string{"A", "B", "C", "D"}
	for i, id := range ids {
		r.RegisterDevice(id, testDevice(fmt.Sprintf("10.0.0.%d", i), 100))
	}

	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 200 {
				id := ids[(w+i)%len(ids)]
				r.UpdateFingerprint(id, fingerprint.Share{Nonce: uint64(i), TimestampUS: uint64(1000 + i)})
				r.Fingerprints(ids)
				r.GetDeviceRewardMultiplier(id)
				r.Stats(time.Minute)
			}
		}()
	}
	wg.Wait()

	if got := r.GetTotalRegisteredDevices(); got != len(ids) {
		t.Errorf("total = %d, want %d", got, len(ids))
	}
}

func TestCreateSquad_RepeatedMemberSkipsGate(t *testing.T) {
	r, _ := newTestRegistry()
	r.RegisterDevice("A", testDevice("1.1.1.1", 480))

	gateRan := false
	_, err := r.CreateSquad([]string{"A", "A"}, func([]*fingerprint.Fingerprint) error {
		gateRan = true
		return nil
	})
	if !errors.Is(err, ErrDuplicateSquadMember) {
		t.Fatalf("CreateSquad error = %v, want ErrDuplicateSquadMember", err)
	}
	if gateRan {
		t.Error("gate ran for a repeated member")
	}
	if n := len(r.Squads()); n != 0 {
		t.Errorf("%d squads stored, want 0", n)
	}
}

func TestRegisterCapped(t *testing.T) {
	r, _ := newTestRegistry()

	tests := []struct {
		name    string
		id      string
		ip      string
		wantErr error
	}{
		{"first on address", "A", "10.0.0.1", nil},
		{"second on address", "B", "10.0.0.1", nil},
		{"over the cap", "C", "10.0.0.1", ErrTooManyDevicesPerIP},
		{"other address", "D", "10.0.0.2", nil},
		{"no address", "E", "", nil},
		{"duplicate id wins over cap", "A", "10.0.0.1", ErrDeviceAlreadyRegistered},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.RegisterCapped(tt.id, testDevice(tt.ip, 100), 2); !errors.Is(err, tt.wantErr) {
				t.Errorf("RegisterCapped error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if got := r.GetTotalRegisteredDevices(); got != 4 {
		t.Errorf("registered devices = %d, want 4", got)
	}
}

func TestRegisterCapped_Concurrent(t *testing.T) {
	r, _ := newTestRegistry()

	const perIP = 5
	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.RegisterCapped(fmt.Sprintf("RIG_%02d", i), testDevice("192.168.1.100", 100), perIP)
		}(i)
	}
	wg.Wait()

	if got := r.DevicesByIP("192.168.1.100"); got != perIP {
		t.Errorf("devices on shared address = %d, want %d", got, perIP)
	}
}
