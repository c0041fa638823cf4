package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmsync/internal/crm"
	"crmsync/internal/metrics"
	"crmsync/internal/pubsub"
	"crmsync/internal/reconcile"
	"crmsync/internal/search"
	"crmsync/internal/store"
	"crmsync/internal/workspace"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	records *store.RecordStore
	hub     *workspace.Hub
	handler http.Handler
}

func newFixture(t *testing.T, configure ...func(*Options)) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, store.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")))

	records := store.NewRecordStore(db, store.DriverSQLite)
	broker := pubsub.NewMemory()
	records.Observe(pubsub.StoreObserver(broker, nil))

	m := metrics.New()
	registry := prometheus.NewRegistry()
	require.NoError(t, m.Register(registry))

	hub := workspace.NewHub(workspace.Deps{
		Records:   records,
		Transport: broker,
		Manager:   reconcile.ManagerConfig{PollInterval: time.Hour, ReconnectMin: 10 * time.Millisecond, ReconnectMax: 20 * time.Millisecond},
		Metrics:   m,
	}, time.Hour)
	t.Cleanup(hub.Close)

	opts := Options{
		Records:  records,
		Hub:      hub,
		Search:   search.NewService(nil, search.NewDBSearch(records), nil),
		Gatherer: registry,
	}
	for _, fn := range configure {
		fn(&opts)
	}
	return &fixture{records: records, hub: hub, handler: NewHTTPServer(opts).Handler()}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

type errorBody struct {
	Code    string         `json:"code"`
	Error   string         `json:"error"`
	Details map[string]any `json:"details"`
}

type dealView struct {
	Entities []crm.Deal `json:"entities"`
	Pending  []string   `json:"pending"`
	Loading  bool       `json:"loading"`
	Error    string     `json:"error"`
	State    string     `json:"state"`
}

func TestBackendCRUD(t *testing.T) {
	f := newFixture(t)
	base := "/api/backend/tenants/t1/deals"

	rr := f.do(t, http.MethodPost, base, crm.Deal{ID: "deal_1", Title: "Acme", Stage: "lead", Value: 1200})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[crm.Deal](t, rr)
	assert.Equal(t, "deal_1", created.ID)
	assert.Equal(t, "t1", created.TenantID)
	assert.False(t, created.UpdatedAt.IsZero())

	rr = f.do(t, http.MethodPost, base, crm.Deal{Title: "Globex", Stage: "won"})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.True(t, strings.HasPrefix(decode[crm.Deal](t, rr).ID, "deal_"))

	rr = f.do(t, http.MethodGet, base+"?group=lead", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Items []crm.Deal `json:"items"`
	}](t, rr)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "Acme", list.Items[0].Title)

	rr = f.do(t, http.MethodPatch, base+"/deal_1", crm.Patch{"stage": "won", "tenantId": "t2"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	updated := decode[crm.Deal](t, rr)
	assert.Equal(t, "won", updated.Stage)
	assert.Equal(t, "t1", updated.TenantID)

	rr = f.do(t, http.MethodGet, base+"/deal_1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "won", decode[crm.Deal](t, rr).Stage)

	rr = f.do(t, http.MethodDelete, base+"/deal_1", nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = f.do(t, http.MethodGet, base+"/deal_1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", decode[errorBody](t, rr).Code)
}

func TestBackendErrors(t *testing.T) {
	f := newFixture(t)
	base := "/api/backend/tenants/t1/contacts"

	rr := f.do(t, http.MethodPost, base, crm.Contact{ID: "c1", Name: "Ada"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodPost, base, crm.Contact{ID: "c1", Name: "Ada again"})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "CONFLICT", decode[errorBody](t, rr).Code)

	rr = f.do(t, http.MethodPatch, base+"/c1", crm.Patch{"favouriteColour": "teal"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_PATCH", decode[errorBody](t, rr).Code)

	req := httptest.NewRequest(http.MethodPost, base, strings.NewReader("{not json"))
	rr = httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_BODY", decode[errorBody](t, rr).Code)

	rr = f.do(t, http.MethodGet, "/api/backend/tenants/bad.tenant/contacts", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_TENANT", decode[errorBody](t, rr).Code)

	rr = f.do(t, http.MethodGet, "/api/backend/tenants/t1/invoices", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// Tenants never see each other's records.
	rr = f.do(t, http.MethodGet, "/api/backend/tenants/t2/contacts/c1", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDashboardMutationsReachBackend(t *testing.T) {
	f := newFixture(t)
	base := "/api/tenants/t1/deals"

	rr := f.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	view := decode[dealView](t, rr)
	assert.Empty(t, view.Entities)
	assert.NotNil(t, view.Pending)
	assert.False(t, view.Loading)

	rr = f.do(t, http.MethodPost, base, crm.Deal{Title: "Acme", Stage: "lead", Position: 1})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[crm.Deal](t, rr)
	require.NotEmpty(t, created.ID)

	rr = f.do(t, http.MethodPatch, base+"/"+created.ID, crm.Patch{"value": 5000})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, 5000.0, decode[crm.Deal](t, rr).Value)

	rr = f.do(t, http.MethodPost, base+"/"+created.ID+"/move", crm.Placement{Group: "won", Position: 3})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	moved := decode[crm.Deal](t, rr)
	assert.Equal(t, "won", moved.Stage)
	assert.Equal(t, 3.0, moved.Position)

	rr = f.do(t, http.MethodGet, "/api/backend/tenants/t1/deals/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	stored := decode[crm.Deal](t, rr)
	assert.Equal(t, "won", stored.Stage)
	assert.Equal(t, 5000.0, stored.Value)

	// Echoes of our own writes must not duplicate the row.
	time.Sleep(50 * time.Millisecond)
	view = decode[dealView](t, f.do(t, http.MethodGet, base, nil))
	require.Len(t, view.Entities, 1)
	assert.Empty(t, view.Pending)

	rr = f.do(t, http.MethodDelete, base+"/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	view = decode[dealView](t, f.do(t, http.MethodGet, base, nil))
	assert.Empty(t, view.Entities)

	rr = f.do(t, http.MethodGet, "/api/backend/tenants/t1/deals/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestDashboardErrors(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodPatch, "/api/tenants/t1/deals/missing", crm.Patch{"stage": "won"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/tenants/t1/conversations", crm.Conversation{Subject: "Hello"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	conv := decode[crm.Conversation](t, rr)

	rr = f.do(t, http.MethodPost, "/api/tenants/t1/conversations/"+conv.ID+"/move", crm.Placement{Group: "x"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "NOT_MOVABLE", decode[errorBody](t, rr).Code)

	rr = f.do(t, http.MethodPatch, "/api/tenants/t1/conversations/"+conv.ID, crm.Patch{"unread": "many"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_PATCH", decode[errorBody](t, rr).Code)

	rr = f.do(t, http.MethodPost, "/api/tenants/t1/conversations", crm.Conversation{ID: conv.ID, Subject: "Again"})
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestDashboardRollsBackRejectedMutation(t *testing.T) {
	f := newFixture(t)
	base := "/api/tenants/t1/deals"

	rr := f.do(t, http.MethodPost, base, crm.Deal{ID: "d1", Title: "Acme", Stage: "lead"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	// Every backend write fails from here on.
	_, err := f.records.DB().Exec(`DROP TABLE crm_records`)
	require.NoError(t, err)

	rr = f.do(t, http.MethodPatch, base+"/d1", crm.Patch{"stage": "won"})
	require.Equal(t, http.StatusBadGateway, rr.Code, rr.Body.String())
	body := decode[errorBody](t, rr)
	assert.Equal(t, "MUTATION_REJECTED", body.Code)
	assert.Equal(t, "d1", body.Details["entityId"])
	assert.Equal(t, "update", body.Details["kind"])

	view := decode[dealView](t, f.do(t, http.MethodGet, base, nil))
	require.Len(t, view.Entities, 1)
	assert.Equal(t, "lead", view.Entities[0].Stage)
	assert.Empty(t, view.Pending)
}

func TestDashboardFollowsBackendWrites(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/tenants/t1/contacts", nil).Code)
	ws, err := f.hub.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return ws.State() == reconcile.StateSubscribed }, waitFor, tick)

	rr := f.do(t, http.MethodPost, "/api/backend/tenants/t1/contacts", crm.Contact{ID: "c1", Name: "Grace", Status: "lead"})
	require.Equal(t, http.StatusCreated, rr.Code)

	require.Eventually(t, func() bool {
		view := decode[struct {
			Entities []crm.Contact `json:"entities"`
			State    string        `json:"state"`
		}](t, f.do(t, http.MethodGet, "/api/tenants/t1/contacts", nil))
		return len(view.Entities) == 1 && view.State == string(reconcile.StateSubscribed)
	}, waitFor, tick)
}

func TestDashboardRefetch(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/tenants/t1/deals", nil).Code)

	// Written behind the stream's back.
	quiet := store.NewRecordStore(f.records.DB(), store.DriverSQLite)
	_, err := store.NewRepo[crm.Deal](quiet, "t1", crm.TableDeals, "deal").Create(context.Background(), crm.Deal{ID: "d9", Stage: "lead"})
	require.NoError(t, err)
	assert.Empty(t, decode[dealView](t, f.do(t, http.MethodGet, "/api/tenants/t1/deals", nil)).Entities)

	rr := f.do(t, http.MethodPost, "/api/tenants/t1/deals/refetch", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	view := decode[dealView](t, rr)
	require.Len(t, view.Entities, 1)
	assert.Equal(t, "d9", view.Entities[0].ID)
}

func TestWatchStreamsSnapshots(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/tenants/t1/deals/watch"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	var view dealView
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	require.NoError(t, conn.ReadJSON(&view))
	assert.Empty(t, view.Entities)

	rr := f.do(t, http.MethodPost, "/api/tenants/t1/deals", crm.Deal{ID: "d1", Title: "Pushed", Stage: "lead"})
	require.Equal(t, http.StatusCreated, rr.Code)

	deadline := time.Now().Add(waitFor)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		view = dealView{}
		require.NoError(t, conn.ReadJSON(&view))
		if len(view.Entities) == 1 && len(view.Pending) == 0 {
			break
		}
	}
	assert.Equal(t, "Pushed", view.Entities[0].Title)
}

func TestSearchEndpoint(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/api/backend/tenants/t1/deals", crm.Deal{ID: "d1", Title: "Acme Renewal", Stage: "lead"})
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = f.do(t, http.MethodPost, "/api/backend/tenants/t1/contacts", crm.Contact{ID: "c1", Name: "Acme Buyer"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/tenants/t1/search?q=acme", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[search.Response](t, rr).Results, 2)

	rr = f.do(t, http.MethodGet, "/api/tenants/t1/search?q=acme&type=deals", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[search.Response](t, rr)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "d1", resp.Results[0].ID)

	rr = f.do(t, http.MethodGet, "/api/tenants/t2/search?q=acme", nil)
	assert.Empty(t, decode[search.Response](t, rr).Results)

	rr = f.do(t, http.MethodGet, "/api/tenants/t1/search?q=acme&type=invoices", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "INVALID_TYPE", decode[errorBody](t, rr).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/api/tenants/t1/deals", crm.Deal{Title: "Acme", Stage: "lead"})
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `crmsync_mutations_total{kind="create",outcome="confirmed",table="deals"} 1`)
	assert.Contains(t, rr.Body.String(), "crmsync_workspaces_active 1")
}

func TestMapError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domainError(http.StatusTeapot, "TEAPOT", "short and stout", nil), http.StatusTeapot, "TEAPOT"},
		{&reconcile.MutationError{Kind: reconcile.KindDelete, Table: "deals", EntityID: "d1", Err: errors.New("boom")}, http.StatusBadGateway, "MUTATION_REJECTED"},
		{fmt.Errorf("update d1: %w", crm.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{fmt.Errorf("move: %w", reconcile.ErrNotMovable), http.StatusBadRequest, "NOT_MOVABLE"},
		{store.ErrConflict, http.StatusConflict, "CONFLICT"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tc := range cases {
		status, code, _, _ := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.code, code, tc.err.Error())
	}
}
