package sync

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	gosync "sync"
	"time"

	"github.com/cybertec-postgresql/exchange_sync/internal/bitrix"
	"github.com/cybertec-postgresql/exchange_sync/internal/mapping"
	"github.com/cybertec-postgresql/exchange_sync/internal/store"
)

type fakeClock struct {
	mu gosync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeRecord struct {
	obj      mapping.WireObject
	modified time.Time
}

type fakeSource struct {
	mu          gosync.Mutex
	objectTypes map[string]string
	records     map[string][]fakeRecord
	fetchErr    map[string]error
	fetches     map[string]int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		objectTypes: map[string]string{
			bitrix.EntityCompany:  mapping.BitrixCompany,
			bitrix.EntityContact:  mapping.BitrixContact,
			bitrix.EntityContract: mapping.BitrixContract,
			bitrix.EntityProduct:  mapping.BitrixProduct,
			bitrix.EntityInvoice:  mapping.BitrixInvoice,
		},
		records:  map[string][]fakeRecord{},
		fetchErr: map[string]error{},
		fetches:  map[string]int{},
	}
}

func (f *fakeSource) add(entityType string, obj mapping.WireObject, modified time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[entityType] = append(f.records[entityType], fakeRecord{obj: obj, modified: modified})
	slices.SortStableFunc(f.records[entityType], func(a, b fakeRecord) int { return a.modified.Compare(b.modified) })
}

func (f *fakeSource) ObjectType(entityType string) (string, bool) {
	t, ok := f.objectTypes[entityType]
	return t, ok
}

func (f *fakeSource) Identify(_ string, obj mapping.WireObject) (string, time.Time) {
	id := obj.String("ID")
	if id == "" {
		id = obj.String("id")
	}
	raw, ok := obj.Value("DATE_MODIFY")
	if !ok {
		return id, time.Time{}
	}
	t, _ := mapping.ParseTime(raw)
	return id, t
}

func (f *fakeSource) Fetch(_ context.Context, entityType string, since *time.Time, offset, limit int) ([]mapping.WireObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[entityType]++
	if err := f.fetchErr[entityType]; err != nil {
		return nil, err
	}
	var out []mapping.WireObject
	for _, r := range f.records[entityType] {
		if since != nil && r.modified.Before(*since) {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, r.obj)
	}
	return out, nil
}

func (f *fakeSource) Get(_ context.Context, entityType, id string) (mapping.WireObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records[entityType] {
		if r.obj.String("ID") == id || r.obj.String("id") == id {
			return r.obj, nil
		}
	}
	return nil, fmt.Errorf("%s %s: %w", entityType, id, bitrix.ErrNotFound)
}

type fakeState struct {
	mu     gosync.Mutex
	states map[string]store.State
	writes int
}

func newFakeState() *fakeState { return &fakeState{states: map[string]store.State{}} }

func (f *fakeState) Get(_ context.Context, entityType string) (*store.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[entityType]
	if !ok {
		return nil, nil
	}
	return &st, nil
}

func (f *fakeState) GetLastSync(ctx context.Context, entityType string) (*time.Time, error) {
	st, _ := f.Get(ctx, entityType)
	if st == nil {
		return nil, nil
	}
	return st.LastExternalUpdatedAt, nil
}

func (f *fakeState) UpdateLastSync(_ context.Context, entityType string, u store.StateUpdate) (*store.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	st := f.states[entityType]
	st.EntityType = entityType
	if u.SyncedAt != nil {
		t := *u.SyncedAt
		st.LastSyncAt = &t
	}
	if u.Watermark != nil && (st.LastExternalUpdatedAt == nil || u.Watermark.After(*st.LastExternalUpdatedAt)) {
		t := *u.Watermark
		st.LastExternalUpdatedAt = &t
	}
	st.TotalPulled += u.Pulled
	st.TotalCreated += u.Created
	st.TotalUpdated += u.Updated
	st.TotalErrors += u.Errors
	st.TotalSkipped += u.Skipped
	f.states[entityType] = st
	return &st, nil
}

type fakeLedger struct {
	mu      gosync.Mutex
	changes []store.Change
	nextID  int64
}

func (f *fakeLedger) Record(_ context.Context, c store.Change) (*store.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.changes {
		ex := &f.changes[i]
		if ex.EntityType == c.EntityType && ex.ExternalID == c.ExternalID && !ex.Status.Terminal() {
			if c.Payload != nil {
				ex.Payload = c.Payload
			}
			if c.LastError != "" {
				ex.LastError = c.LastError
			}
			cp := *ex
			return &cp, nil
		}
	}
	f.nextID++
	c.ID = f.nextID
	if c.Status == "" {
		c.Status = store.StatusPending
	}
	f.changes = append(f.changes, c)
	return &c, nil
}

func (f *fakeLedger) Claim(_ context.Context, now time.Time, stale time.Duration, limit int) ([]store.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Change
	for i := range f.changes {
		if len(out) == limit {
			break
		}
		if f.changes[i].Eligible(now, stale) {
			locked := now
			f.changes[i].Status = store.StatusProcessing
			f.changes[i].LockedAt = &locked
			out = append(out, f.changes[i])
		}
	}
	return out, nil
}

func (f *fakeLedger) find(id int64) (*store.Change, error) {
	for i := range f.changes {
		if f.changes[i].ID == id {
			return &f.changes[i], nil
		}
	}
	return nil, fmt.Errorf("no change found with id %d", id)
}

func (f *fakeLedger) Reschedule(_ context.Context, id int64, retryCount int, next time.Time, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.find(id)
	if err != nil {
		return err
	}
	c.Status, c.RetryCount, c.NextRetryAt, c.LockedAt, c.LastError = store.StatusRetry, retryCount, &next, nil, lastErr
	return nil
}

func (f *fakeLedger) Complete(_ context.Context, id int64, status store.ChangeStatus, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.find(id)
	if err != nil {
		return err
	}
	c.Status, c.LockedAt, c.LastError = status, nil, lastErr
	return nil
}

func (f *fakeLedger) all() []store.Change {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.changes)
}

type fakeEntities struct {
	mu       gosync.Mutex
	entities map[string]mapping.Entity
	upserts  int
	fail     func(ctx context.Context, e mapping.Entity) error
}

func newFakeEntities() *fakeEntities { return &fakeEntities{entities: map[string]mapping.Entity{}} }

func (f *fakeEntities) Upsert(ctx context.Context, e mapping.Entity) (store.UpsertResult, error) {
	if err := ctx.Err(); err != nil {
		return store.Unchanged, err
	}
	if f.fail != nil {
		if err := f.fail(ctx, e); err != nil {
			return store.Unchanged, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	id := e.Model + "/" + e.Key
	old, ok := f.entities[id]
	switch {
	case !ok:
		f.entities[id] = e
		return store.Created, nil
	case reflect.DeepEqual(old.Attributes, e.Attributes) && old.ModifiedAt.Equal(e.ModifiedAt):
		return store.Unchanged, nil
	case old.ModifiedAt.After(e.ModifiedAt):
		return store.Unchanged, nil
	default:
		f.entities[id] = e
		return store.Updated, nil
	}
}

func (f *fakeEntities) Exists(_ context.Context, model, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entities[model+"/"+key]
	return ok, nil
}

func (f *fakeEntities) count(model string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.entities {
		if e.Model == model {
			n++
		}
	}
	return n
}

type fakeMetrics struct {
	mu         gosync.Mutex
	records    map[string]int
	alerts     map[string]int
	cycles     map[string]int
	ledger     map[string]int
	watermarks map[string]time.Time
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{
		records: map[string]int{}, alerts: map[string]int{}, cycles: map[string]int{},
		ledger: map[string]int{}, watermarks: map[string]time.Time{},
	}
}

func (m *fakeMetrics) Record(entity, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[entity+"/"+outcome]++
}

func (m *fakeMetrics) Cycle(entity, result string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cycles[entity+"/"+result]++
}

func (m *fakeMetrics) Watermark(entity string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watermarks[entity] = t
}

func (m *fakeMetrics) Ledger(entity, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger[entity+"/"+status]++
}

func (m *fakeMetrics) Alert(entity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts[entity]++
}
