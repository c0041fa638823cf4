package reconcile

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"crmsync/internal/crm"
)

// pendingCall is a remote call parked until the test releases it.
type pendingCall struct {
	started chan struct{}
	result  chan error
}

func (p *pendingCall) release(err error) { p.result <- err }

// fakeRemote is an in-memory deals backend. Calls registered with hold block
// until released, which lets tests interleave stream events with mutations.
type fakeRemote struct {
	mu      sync.Mutex
	records map[string]crm.Deal
	held    map[string][]*pendingCall
	calls   map[string]int
	// reassign makes Create return a server-chosen id.
	reassign string
}

func newFakeRemote(deals ...crm.Deal) *fakeRemote {
	f := &fakeRemote{
		records: make(map[string]crm.Deal),
		held:    make(map[string][]*pendingCall),
		calls:   make(map[string]int),
	}
	for _, d := range deals {
		f.records[d.ID] = d
	}
	return f
}

func (f *fakeRemote) hold(op string) *pendingCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &pendingCall{started: make(chan struct{}), result: make(chan error, 1)}
	f.held[op] = append(f.held[op], p)
	return p
}

// enter counts the call and parks it when a hold is registered for op.
func (f *fakeRemote) enter(ctx context.Context, op string) error {
	f.mu.Lock()
	f.calls[op]++
	var p *pendingCall
	if queue := f.held[op]; len(queue) > 0 {
		p, f.held[op] = queue[0], queue[1:]
	}
	f.mu.Unlock()
	if p == nil {
		return nil
	}
	close(p.started)
	select {
	case err := <-p.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeRemote) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote) set(d crm.Deal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[d.ID] = d
}

func (f *fakeRemote) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
}

func (f *fakeRemote) Create(ctx context.Context, draft crm.Deal) (crm.Deal, error) {
	if err := f.enter(ctx, "create"); err != nil {
		return crm.Deal{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reassign != "" {
		draft.ID = f.reassign
	}
	f.records[draft.ID] = draft
	return draft, nil
}

func (f *fakeRemote) Update(ctx context.Context, id string, patch crm.Patch) (crm.Deal, error) {
	if err := f.enter(ctx, "update"); err != nil {
		return crm.Deal{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.records[id]
	if !ok {
		return crm.Deal{}, crm.ErrNotFound
	}
	next, err := crm.ApplyPatch(current, patch)
	if err != nil {
		return crm.Deal{}, err
	}
	f.records[id] = next
	return next, nil
}

func (f *fakeRemote) Delete(ctx context.Context, id string) error {
	if err := f.enter(ctx, "delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[id]; !ok {
		return crm.ErrNotFound
	}
	delete(f.records, id)
	return nil
}

// Reads snapshot the backend before parking, so a held fetch returns what
// the server held when the request was sent.
func (f *fakeRemote) FetchOne(ctx context.Context, id string) (crm.Deal, error) {
	f.mu.Lock()
	d, ok := f.records[id]
	f.mu.Unlock()
	if err := f.enter(ctx, "fetch"); err != nil {
		return crm.Deal{}, err
	}
	if !ok {
		return crm.Deal{}, crm.ErrNotFound
	}
	return d, nil
}

func (f *fakeRemote) FetchList(ctx context.Context, filter crm.Filter) ([]crm.Deal, error) {
	f.mu.Lock()
	out := make([]crm.Deal, 0, len(f.records))
	for _, d := range f.records {
		if filter.Group != "" && d.Stage != filter.Group {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Position != out[j].Position {
			return out[i].Position < out[j].Position
		}
		return out[i].ID < out[j].ID
	})
	f.mu.Unlock()
	if err := f.enter(ctx, "list"); err != nil {
		return nil, err
	}
	return out, nil
}

var dealSchema = Schema{Table: crm.TableDeals, IDPrefix: "deal", GroupField: "stage"}

// newDeals builds a loaded deals collection over remote.
func newDeals(t *testing.T, remote *fakeRemote) *Collection[crm.Deal] {
	t.Helper()
	c := NewCollection[crm.Deal](dealSchema, remote, Options{})
	if err := c.Refetch(context.Background()); err != nil {
		t.Fatalf("initial load: %v", err)
	}
	return c
}

// async runs fn in a goroutine and returns a channel with its error.
func async(fn func() error) <-chan error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	return done
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for operation")
		return nil
	}
}

func waitStarted(t *testing.T, p *pendingCall) {
	t.Helper()
	select {
	case <-p.started:
	case <-time.After(2 * time.Second):
		t.Fatal("remote call never started")
	}
}

func stageOf(t *testing.T, c *Collection[crm.Deal], id string) string {
	t.Helper()
	entry, ok := c.Cache().Get(id)
	if !ok {
		t.Fatalf("deal %s not cached", id)
	}
	return entry.Value.Stage
}

func notify(kind crm.ChangeKind, id string) crm.Notification {
	return crm.Notification{Kind: kind, Table: crm.TableDeals, EntityID: id}
}
