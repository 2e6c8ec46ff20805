package presence

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nugget/jnap-presence/internal/jnap"
)

// SelfPolicy decides how the router's own interface is tracked.
type SelfPolicy string

const (
	// SelfOnline tracks the router like any device but always reports
	// it online.
	SelfOnline SelfPolicy = "online"
	// SelfExclude never creates a record for the router.
	SelfExclude SelfPolicy = "exclude"
)

// ParseSelfPolicy validates a configured policy name. Empty means
// SelfOnline.
func ParseSelfPolicy(s string) (SelfPolicy, error) {
	switch SelfPolicy(s) {
	case "", SelfOnline:
		return SelfOnline, nil
	case SelfExclude:
		return SelfExclude, nil
	}
	return "", fmt.Errorf("unknown router self policy %q (want %q or %q)", s, SelfOnline, SelfExclude)
}

// MergeResult summarizes what one Merge changed.
type MergeResult struct {
	Devices     int      // distinct keys in the device list
	Online      int      // records online after the merge
	Added       []string // keys created by this merge
	WentOnline  []string // keys that changed offline → online
	WentOffline []string // keys that changed online → offline
	Duplicates  int      // device list entries that resolved to an already-seen key
	Unmatched   int      // connections that matched no device
}

// Changed reports whether any record was created or changed state.
func (m MergeResult) Changed() bool {
	return len(m.Added) > 0 || len(m.WentOnline) > 0 || len(m.WentOffline) > 0
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithRouterIdentity sets the router's own MAC and how to treat it.
func WithRouterIdentity(mac string, policy SelfPolicy) Option {
	return func(r *Registry) {
		r.routerMAC = jnap.NormalizeMAC(mac)
		r.selfPolicy = policy
	}
}

// Registry owns every DeviceRecord for one router. All mutation happens
// under a single lock held for the whole of a merge, so readers never
// observe a half-applied poll.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*DeviceRecord

	routerMAC  string
	selfPolicy SelfPolicy

	now    func() time.Time
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		records:    make(map[string]*DeviceRecord),
		selfPolicy: SelfOnline,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// SetRouterIdentity updates the router MAC and self policy. Under
// SelfExclude any existing record for the router is dropped.
func (r *Registry) SetRouterIdentity(mac string, policy SelfPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.routerMAC = jnap.NormalizeMAC(mac)
	r.selfPolicy = policy
	if policy != SelfExclude {
		return
	}
	for key, rec := range r.records {
		if r.isRouter(rec) {
			delete(r.records, key)
		}
	}
}

// RouterMAC returns the router MAC the registry was told about.
func (r *Registry) RouterMAC() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.routerMAC
}

func (r *Registry) isRouter(rec *DeviceRecord) bool {
	if r.routerMAC == "" {
		return false
	}
	return rec.Key == r.routerMAC || slices.Contains(rec.KnownMACs, r.routerMAC)
}

// Merge folds one poll's device list and connection list into the
// registry. Devices matched by a connection are marked online and
// stamped with the poll time; every other record, including records
// whose device vanished from the list, is marked offline. Connections
// that match no device are ignored. Merge performs no I/O and cannot
// fail.
func (r *Registry) Merge(devices []jnap.Device, conns []jnap.Connection) MergeResult {
	byMAC := make(map[string]jnap.Connection, len(conns))
	byID := make(map[string]jnap.Connection)
	for _, c := range conns {
		byMAC[jnap.NormalizeMAC(c.MACAddress)] = c
		if c.DeviceID != "" {
			byID[c.DeviceID] = c
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var res MergeResult
	seen := make(map[string]bool, len(devices))
	matched := make(map[string]bool, len(conns))

	for _, d := range devices {
		fresh := NewRecord(d)
		if seen[fresh.Key] {
			res.Duplicates++
			r.logger.Debug("duplicate device key in device list",
				"key", fresh.Key,
				"device_id", d.DeviceID,
			)
		}

		if r.selfPolicy == SelfExclude && r.isRouter(&fresh) {
			continue
		}
		seen[fresh.Key] = true

		rec, ok := r.records[fresh.Key]
		if !ok {
			fresh.Created = now
			rec = &fresh
			r.records[fresh.Key] = rec
			res.Added = append(res.Added, fresh.Key)
		} else {
			rec.update(fresh)
		}

		conn, online := lookup(rec, byMAC, byID)
		if online {
			matched[jnap.NormalizeMAC(conn.MACAddress)] = true
		}
		if !online && r.isRouter(rec) {
			online = true
		}

		wasOnline := rec.IsOnline
		if online {
			rec.IsOnline = true
			rec.LastSeen = now
			if conn.MACAddress != "" {
				rec.applyConnection(conn)
			}
		} else {
			rec.IsOnline = false
			rec.clearConnection()
		}
		switch {
		case online && !wasOnline && ok:
			res.WentOnline = append(res.WentOnline, rec.Key)
		case !online && wasOnline:
			res.WentOffline = append(res.WentOffline, rec.Key)
		}
	}

	for key, rec := range r.records {
		if seen[key] {
			if rec.IsOnline {
				res.Online++
			}
			continue
		}
		if r.selfPolicy == SelfOnline && r.isRouter(rec) {
			// The router is online whether or not it lists itself.
			if !rec.IsOnline {
				res.WentOnline = append(res.WentOnline, key)
			}
			rec.IsOnline = true
			rec.LastSeen = now
			res.Online++
			continue
		}
		if rec.IsOnline {
			res.WentOffline = append(res.WentOffline, key)
		}
		rec.IsOnline = false
		rec.clearConnection()
	}

	res.Devices = len(seen)
	res.Unmatched = len(byMAC) - len(matched)
	slices.Sort(res.WentOnline)
	slices.Sort(res.WentOffline)
	return res
}

// lookup finds the connection proving rec is active: by key, then by
// any known interface MAC, then by device ID.
func lookup(rec *DeviceRecord, byMAC, byID map[string]jnap.Connection) (jnap.Connection, bool) {
	if c, ok := byMAC[rec.Key]; ok {
		return c, true
	}
	for _, mac := range rec.KnownMACs {
		if c, ok := byMAC[mac]; ok {
			return c, true
		}
	}
	if c, ok := byID[rec.DeviceID]; ok {
		return c, true
	}
	return jnap.Connection{}, false
}

// update refreshes rec in place from a newly built record with the
// same key. Online state and LastSeen are left to the caller.
func (rec *DeviceRecord) update(fresh DeviceRecord) {
	rec.DeviceID = fresh.DeviceID
	rec.DisplayName = fresh.DisplayName
	rec.KnownMACs = fresh.KnownMACs
	if fresh.MACAddress != "" {
		rec.MACAddress = fresh.MACAddress
	}
	rec.IPAddress = fresh.IPAddress
	rec.IPv6Address = fresh.IPv6Address

	live := make(map[string]string, len(connectionAttrs))
	for _, k := range connectionAttrs {
		if v, ok := rec.Attributes[k]; ok {
			live[k] = v
		}
	}
	rec.Attributes = fresh.Attributes
	if rec.Attributes == nil {
		rec.Attributes = make(map[string]string)
	}
	maps.Copy(rec.Attributes, live)
}

// Snapshot returns a copy of every record keyed by Key. The copies share
// nothing with the registry.
func (r *Registry) Snapshot() map[string]DeviceRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]DeviceRecord, len(r.records))
	for k, rec := range r.records {
		out[k] = rec.clone()
	}
	return out
}

// List returns copies of every record ordered by display name, then key.
func (r *Registry) List() []DeviceRecord {
	r.mu.RLock()
	out := make([]DeviceRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b DeviceRecord) int {
		return cmp.Or(cmp.Compare(a.DisplayName, b.DisplayName), cmp.Compare(a.Key, b.Key))
	})
	return out
}

// Get returns a copy of the record for key.
func (r *Registry) Get(key string) (DeviceRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[key]
	if !ok {
		return DeviceRecord{}, false
	}
	return rec.clone(), true
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Restore seeds the registry with records persisted by an earlier run.
// Restored records are offline until a poll proves otherwise, and keys
// already present are left alone. It returns the number restored.
func (r *Registry) Restore(records []DeviceRecord) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	n := 0
	for _, rec := range records {
		if rec.Key == "" {
			continue
		}
		if _, ok := r.records[rec.Key]; ok {
			continue
		}
		c := rec.clone()
		if r.selfPolicy == SelfExclude && r.isRouter(&c) {
			continue
		}
		c.IsOnline = false
		c.clearConnection()
		if c.Created.IsZero() {
			c.Created = now
		}
		r.records[c.Key] = &c
		n++
	}
	return n
}

// Evict removes records that are offline and have not been seen for
// longer than olderThan. A record never seen online ages from when it
// was created. It returns the removed keys in sorted order.
func (r *Registry) Evict(olderThan time.Duration) []string {
	if olderThan <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-olderThan)
	var removed []string
	for key, rec := range r.records {
		if rec.IsOnline {
			continue
		}
		last := rec.LastSeen
		if last.IsZero() {
			last = rec.Created
		}
		if last.Before(cutoff) {
			delete(r.records, key)
			removed = append(removed, key)
		}
	}
	slices.Sort(removed)
	return removed
}
