package presence

import (
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nugget/jnap-presence/internal/jnap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(opts ...Option) (*Registry, *fakeClock) {
	clk := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return NewRegistry(append([]Option{WithClock(clk.Now)}, opts...)...), clk
}

func dev(id string, macs ...string) jnap.Device {
	d := jnap.Device{DeviceID: id}
	for _, m := range macs {
		d.KnownInterfaces = append(d.KnownInterfaces, jnap.KnownInterface{MACAddress: m})
	}
	return d
}

func conn(mac string) jnap.Connection {
	return jnap.Connection{MACAddress: mac}
}

func TestMerge_Scenario(t *testing.T) {
	r, clk := newTestRegistry()

	devices := []jnap.Device{dev("d1", "AA:BB")}
	res := r.Merge(devices, []jnap.Connection{conn("AA:BB")})

	snap := r.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected 1 record, got %d", len(snap))
	}
	rec, ok := snap["AA:BB"]
	if !ok {
		t.Fatalf("expected key AA:BB, got %v", snap)
	}
	if !rec.IsOnline {
		t.Error("expected record online")
	}
	if !rec.LastSeen.Equal(clk.Now()) {
		t.Errorf("LastSeen = %v, want %v", rec.LastSeen, clk.Now())
	}
	if !reflect.DeepEqual(res.Added, []string{"AA:BB"}) {
		t.Errorf("Added = %v", res.Added)
	}
	firstSeen := rec.LastSeen

	clk.Advance(10 * time.Second)
	res = r.Merge(devices, nil)

	rec, _ = r.Get("AA:BB")
	if rec.IsOnline {
		t.Error("expected record offline after empty connection list")
	}
	if rec.MACAddress != "AA:BB" {
		t.Errorf("MACAddress = %q, want unchanged", rec.MACAddress)
	}
	if !rec.LastSeen.Equal(firstSeen) {
		t.Errorf("LastSeen advanced without confirmation: %v", rec.LastSeen)
	}
	if !reflect.DeepEqual(res.WentOffline, []string{"AA:BB"}) {
		t.Errorf("WentOffline = %v", res.WentOffline)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	r, clk := newTestRegistry()

	devices := []jnap.Device{
		dev("d1", "AA:01"),
		dev("d2", "AA:02", "AA:03"),
		{DeviceID: "d3", Connections: []jnap.DeviceConnection{{IPAddress: "10.0.0.3"}}},
	}
	conns := []jnap.Connection{conn("AA:01"), conn("AA:03")}

	r.Merge(devices, conns)
	first := r.Snapshot()

	clk.Advance(time.Minute)
	res := r.Merge(devices, conns)
	second := r.Snapshot()

	if len(first) != 3 || len(second) != 3 {
		t.Fatalf("expected 3 records, got %d then %d", len(first), len(second))
	}
	for k, a := range first {
		b := second[k]
		if a.IsOnline != b.IsOnline || a.MACAddress != b.MACAddress || a.IPAddress != b.IPAddress {
			t.Errorf("record %s changed between identical merges: %+v vs %+v", k, a, b)
		}
	}
	if res.Changed() {
		t.Errorf("second identical merge reported changes: %+v", res)
	}
	if res.Online != 2 {
		t.Errorf("Online = %d, want 2", res.Online)
	}
}

func TestMerge_MultipleInterfacesKeyedByDeviceID(t *testing.T) {
	r, _ := newTestRegistry()

	r.Merge([]jnap.Device{dev("d2", "AA:02", "AA:03")}, []jnap.Connection{conn("AA:03")})

	rec, ok := r.Get("d2")
	if !ok {
		t.Fatalf("expected record keyed by device ID, got %v", r.Snapshot())
	}
	if rec.MACAddress != "" {
		t.Errorf("MACAddress = %q, want empty", rec.MACAddress)
	}
	if !rec.IsOnline {
		t.Error("device should be online through one of its interface MACs")
	}
}

func TestMerge_MatchByConnectionDeviceID(t *testing.T) {
	r, _ := newTestRegistry()

	r.Merge([]jnap.Device{dev("d5")}, []jnap.Connection{{MACAddress: "AA:55", DeviceID: "d5"}})

	rec, _ := r.Get("d5")
	if !rec.IsOnline {
		t.Error("expected online via connection deviceID")
	}
}

func TestMerge_DisappearedDeviceRetained(t *testing.T) {
	r, _ := newTestRegistry()

	d := dev("d1", "AA:01")
	d.FriendlyName = "laptop"
	d.Model.Manufacturer = "Dell"
	r.Merge([]jnap.Device{d}, []jnap.Connection{conn("AA:01")})

	res := r.Merge(nil, []jnap.Connection{conn("AA:01")})

	rec, ok := r.Get("AA:01")
	if !ok {
		t.Fatal("record deleted after disappearing from device list")
	}
	if rec.IsOnline {
		t.Error("expected offline after disappearing from device list")
	}
	if rec.DisplayName != "laptop" || rec.Attributes[AttrManufacturer] != "Dell" {
		t.Errorf("attributes not retained: %+v", rec)
	}
	if res.Devices != 0 || len(res.WentOffline) != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestMerge_UnknownConnectionIgnored(t *testing.T) {
	r, _ := newTestRegistry()

	res := r.Merge([]jnap.Device{dev("d1", "AA:01")}, []jnap.Connection{conn("FF:FF")})

	if r.Len() != 1 {
		t.Errorf("phantom record created: %v", r.Snapshot())
	}
	if res.Unmatched != 1 {
		t.Errorf("Unmatched = %d, want 1", res.Unmatched)
	}
}

func TestMerge_DuplicateKeyLastWins(t *testing.T) {
	r, _ := newTestRegistry()

	a := dev("d1", "AA:01")
	a.FriendlyName = "first"
	a.Connections = []jnap.DeviceConnection{{IPAddress: "10.0.0.1"}}
	b := dev("d9", "AA:01")
	b.FriendlyName = "second"

	res := r.Merge([]jnap.Device{a, b}, nil)

	if r.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", r.Len())
	}
	rec, _ := r.Get("AA:01")
	if rec.DisplayName != "second" || rec.DeviceID != "d9" {
		t.Errorf("expected last entry to win, got %+v", rec)
	}
	if rec.IPAddress != "" {
		t.Errorf("IPAddress = %q, want the last entry's (none)", rec.IPAddress)
	}
	if res.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", res.Duplicates)
	}
}

func TestMerge_EmptyInputs(t *testing.T) {
	r, _ := newTestRegistry()

	if res := r.Merge(nil, nil); res.Changed() || r.Len() != 0 {
		t.Errorf("empty merge on empty registry changed state: %+v", res)
	}

	r.Merge([]jnap.Device{dev("d1", "AA:01"), dev("d2", "AA:02")}, []jnap.Connection{conn("AA:01"), conn("AA:02")})
	r.Merge(nil, nil)

	for k, rec := range r.Snapshot() {
		if rec.IsOnline {
			t.Errorf("record %s still online after empty device list", k)
		}
	}
}

func TestMerge_ConnectionAttributes(t *testing.T) {
	r, _ := newTestRegistry()

	devices := []jnap.Device{dev("d1", "AA:01")}
	r.Merge(devices, []jnap.Connection{{
		MACAddress:     "AA:01",
		NegotiatedMbps: 866,
		Wireless:       &jnap.WirelessLink{Band: "5GHz", SignalDecibels: -48},
	}})

	rec, _ := r.Get("AA:01")
	if rec.Attributes[AttrNegotiatedMbps] != "866" || rec.Attributes[AttrBand] != "5GHz" || rec.Attributes[AttrSignalDecibels] != "-48" {
		t.Errorf("connection attributes missing: %v", rec.Attributes)
	}

	r.Merge(devices, nil)
	rec, _ = r.Get("AA:01")
	for _, k := range []string{AttrNegotiatedMbps, AttrBand, AttrSignalDecibels} {
		if _, ok := rec.Attributes[k]; ok {
			t.Errorf("attribute %s kept while offline", k)
		}
	}
}

func TestMerge_IPFollowsCurrentConnections(t *testing.T) {
	withIP := dev("d1", "AA:01")
	withIP.Connections = []jnap.DeviceConnection{{IPAddress: "192.168.1.20", IPv6Address: "fe80::1"}}

	twoConns := dev("d1", "AA:01")
	twoConns.Connections = []jnap.DeviceConnection{
		{IPAddress: "192.168.1.20"},
		{IPAddress: "192.168.1.21"},
	}

	tests := []struct {
		name string
		next jnap.Device
	}{
		{"two connections", twoConns},
		{"no connections", dev("d1", "AA:01")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry()
			r.Merge([]jnap.Device{withIP}, []jnap.Connection{conn("AA:01")})
			if rec, _ := r.Get("AA:01"); rec.IPAddress != "192.168.1.20" {
				t.Fatalf("IPAddress after first poll = %q", rec.IPAddress)
			}

			r.Merge([]jnap.Device{tt.next}, []jnap.Connection{conn("AA:01")})

			rec, _ := r.Get("AA:01")
			if rec.IPAddress != "" || rec.IPv6Address != "" {
				t.Errorf("addresses = %q/%q, want cleared", rec.IPAddress, rec.IPv6Address)
			}
		})
	}
}

func TestMerge_VanishedDeviceKeepsIP(t *testing.T) {
	r, _ := newTestRegistry()

	withIP := dev("d1", "AA:01")
	withIP.Connections = []jnap.DeviceConnection{{IPAddress: "192.168.1.20"}}
	r.Merge([]jnap.Device{withIP}, []jnap.Connection{conn("AA:01")})
	r.Merge(nil, nil)

	rec, _ := r.Get("AA:01")
	if rec.IPAddress != "192.168.1.20" || rec.IsOnline {
		t.Errorf("vanished device = %+v, want offline with last address", rec)
	}
}

func TestMerge_RouterSelfPolicy(t *testing.T) {
	devices := []jnap.Device{dev("router", "C0:56:27:00:00:01"), dev("d1", "AA:01")}

	t.Run("online", func(t *testing.T) {
		r, _ := newTestRegistry(WithRouterIdentity("c0:56:27:00:00:01", SelfOnline))
		r.Merge(devices, nil)

		rec, ok := r.Get("C0:56:27:00:00:01")
		if !ok || !rec.IsOnline {
			t.Errorf("router should be tracked and online, got %+v (ok=%v)", rec, ok)
		}
	})

	t.Run("exclude", func(t *testing.T) {
		r, _ := newTestRegistry(WithRouterIdentity("C0:56:27:00:00:01", SelfExclude))
		r.Merge(devices, nil)

		if _, ok := r.Get("C0:56:27:00:00:01"); ok {
			t.Error("router should not be tracked")
		}
		if r.Len() != 1 {
			t.Errorf("expected 1 record, got %d", r.Len())
		}
	})

	t.Run("online when missing from device list", func(t *testing.T) {
		r, clk := newTestRegistry(WithRouterIdentity("C0:56:27:00:00:01", SelfOnline))
		r.Merge(devices, nil)

		clk.Advance(time.Minute)
		res := r.Merge([]jnap.Device{dev("d1", "AA:01")}, nil)

		rec, ok := r.Get("C0:56:27:00:00:01")
		if !ok || !rec.IsOnline {
			t.Fatalf("router should stay online, got %+v (ok=%v)", rec, ok)
		}
		if !rec.LastSeen.Equal(clk.Now()) {
			t.Errorf("LastSeen = %v, want %v", rec.LastSeen, clk.Now())
		}
		if res.Online != 1 || slices.Contains(res.WentOffline, rec.Key) {
			t.Errorf("result = %+v, want router counted online", res)
		}
	})

	t.Run("restored router comes online without listing itself", func(t *testing.T) {
		r, _ := newTestRegistry(WithRouterIdentity("C0:56:27:00:00:01", SelfOnline))
		r.Restore([]DeviceRecord{{Key: "C0:56:27:00:00:01", DeviceID: "router", DisplayName: "router"}})

		res := r.Merge(nil, nil)

		if rec, _ := r.Get("C0:56:27:00:00:01"); !rec.IsOnline {
			t.Error("restored router should be online after a merge")
		}
		if !slices.Equal(res.WentOnline, []string{"C0:56:27:00:00:01"}) {
			t.Errorf("WentOnline = %v", res.WentOnline)
		}
	})

	t.Run("switch to exclude drops record", func(t *testing.T) {
		r, _ := newTestRegistry()
		r.Merge(devices, nil)
		r.SetRouterIdentity("C0:56:27:00:00:01", SelfExclude)

		if _, ok := r.Get("C0:56:27:00:00:01"); ok {
			t.Error("router record should have been dropped")
		}
	})
}

func TestParseSelfPolicy(t *testing.T) {
	for in, want := range map[string]SelfPolicy{"": SelfOnline, "online": SelfOnline, "exclude": SelfExclude} {
		got, err := ParseSelfPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseSelfPolicy(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseSelfPolicy("ignore"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestSnapshot_IsCopy(t *testing.T) {
	r, _ := newTestRegistry()
	r.Merge([]jnap.Device{dev("d1", "AA:01")}, []jnap.Connection{conn("AA:01")})

	snap := r.Snapshot()
	rec := snap["AA:01"]
	rec.Attributes["injected"] = "x"
	rec.KnownMACs[0] = "FF:FF"

	again, _ := r.Get("AA:01")
	if _, ok := again.Attributes["injected"]; ok {
		t.Error("snapshot shares attribute map with registry")
	}
	if again.KnownMACs[0] != "AA:01" {
		t.Error("snapshot shares KnownMACs with registry")
	}
}

func TestList_Ordered(t *testing.T) {
	r, _ := newTestRegistry()

	b := dev("d2", "AA:02")
	b.FriendlyName = "beta"
	a := dev("d1", "AA:01")
	a.FriendlyName = "alpha"
	r.Merge([]jnap.Device{b, a}, nil)

	list := r.List()
	if len(list) != 2 || list[0].DisplayName != "alpha" || list[1].DisplayName != "beta" {
		t.Errorf("unexpected order: %+v", list)
	}
}

func TestRestore(t *testing.T) {
	r, _ := newTestRegistry()
	r.Merge([]jnap.Device{dev("d1", "AA:01")}, []jnap.Connection{conn("AA:01")})

	n := r.Restore([]DeviceRecord{
		{Key: "AA:01", DisplayName: "stale copy"},
		{Key: "AA:02", DisplayName: "phone", IsOnline: true, Attributes: map[string]string{AttrBand: "5GHz"}},
		{Key: ""},
	})
	if n != 1 {
		t.Fatalf("Restore = %d, want 1", n)
	}

	live, _ := r.Get("AA:01")
	if live.DisplayName == "stale copy" {
		t.Error("restore overwrote a live record")
	}
	restored, ok := r.Get("AA:02")
	if !ok {
		t.Fatal("restored record missing")
	}
	if restored.IsOnline {
		t.Error("restored record should be offline")
	}
	if _, ok := restored.Attributes[AttrBand]; ok {
		t.Error("restored record kept live connection attributes")
	}
}

func TestEvict(t *testing.T) {
	r, clk := newTestRegistry()

	r.Merge([]jnap.Device{dev("d1", "AA:01"), dev("d2", "AA:02")}, []jnap.Connection{conn("AA:01"), conn("AA:02")})
	clk.Advance(time.Hour)
	r.Merge([]jnap.Device{dev("d1", "AA:01"), dev("d2", "AA:02")}, []jnap.Connection{conn("AA:01")})

	if got := r.Evict(0); got != nil {
		t.Errorf("Evict(0) = %v, want nil", got)
	}
	if got := r.Evict(2 * time.Hour); len(got) != 0 {
		t.Errorf("nothing should be old enough yet, got %v", got)
	}

	clk.Advance(2 * time.Hour)
	r.Merge([]jnap.Device{dev("d1", "AA:01"), dev("d2", "AA:02")}, []jnap.Connection{conn("AA:01")})

	removed := r.Evict(2 * time.Hour)
	if !reflect.DeepEqual(removed, []string{"AA:02"}) {
		t.Errorf("Evict = %v, want [AA:02]", removed)
	}
	if _, ok := r.Get("AA:01"); !ok {
		t.Error("online record evicted")
	}
}

func TestRegistry_ConcurrentReaders(t *testing.T) {
	r, _ := newTestRegistry()
	devices := []jnap.Device{dev("d1", "AA:01"), dev("d2", "AA:02")}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				for _, rec := range r.Snapshot() {
					if rec.IsOnline && rec.LastSeen.IsZero() {
						t.Error("online record observed without LastSeen")
						return
					}
				}
			}
		}()
	}
	for j := 0; j < 100; j++ {
		if j%2 == 0 {
			r.Merge(devices, []jnap.Connection{conn("AA:01")})
		} else {
			r.Merge(devices, nil)
		}
	}
	wg.Wait()
}
