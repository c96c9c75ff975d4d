package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"tasksync/domain"
	"tasksync/engine"
	"tasksync/order"
)

type stubEngine struct {
	merged  map[domain.Kind][]domain.Entity
	tasks   map[string][]domain.Entity
	orders  map[string][]string
	pending []domain.PendingMutation
	failed  []domain.FailedMutation
	notices []engine.Notice

	mutateOp      domain.Op
	mutateKind    domain.Kind
	mutateID      string
	mutatePayload []byte
	mutateErr     error

	reorderList string
	reorderPos  order.Position
	reorderErr  error

	retried   []string
	discarded []string
	dismissed []string
	offline   *bool
}

func (s *stubEngine) MergedView(kind domain.Kind) []domain.Entity { return s.merged[kind] }
func (s *stubEngine) ListTasks(listID string) []domain.Entity     { return s.tasks[listID] }
func (s *stubEngine) Order(listID string) []string                { return s.orders[listID] }

func (s *stubEngine) Mutate(_ context.Context, op domain.Op, kind domain.Kind, id string, payload []byte) (domain.Entity, error) {
	s.mutateOp, s.mutateKind, s.mutateID, s.mutatePayload = op, kind, id, payload
	if s.mutateErr != nil {
		return domain.Entity{}, s.mutateErr
	}
	return domain.Entity{Kind: kind, ID: "local-stub", SyncStatus: domain.StatusPending}, nil
}

func (s *stubEngine) Reorder(_ context.Context, listID, _, _ string, pos order.Position) ([]string, error) {
	s.reorderList, s.reorderPos = listID, pos
	if s.reorderErr != nil {
		return nil, s.reorderErr
	}
	return s.orders[listID], nil
}

func (s *stubEngine) PendingMutations() []domain.PendingMutation { return s.pending }
func (s *stubEngine) FailedMutations() []domain.FailedMutation   { return s.failed }
func (s *stubEngine) Notices() []engine.Notice                   { return s.notices }

func (s *stubEngine) RetryMutation(_ context.Context, id string) error {
	s.retried = append(s.retried, id)
	if id == "missing" {
		return errors.New("unknown failed mutation")
	}
	return nil
}

func (s *stubEngine) DiscardMutation(_ context.Context, id string) error {
	s.discarded = append(s.discarded, id)
	if id == "missing" {
		return errors.New("unknown failed mutation")
	}
	return nil
}

func (s *stubEngine) DismissNotice(id string) bool {
	s.dismissed = append(s.dismissed, id)
	return id != "missing"
}

func (s *stubEngine) SetOffline(offline bool) { s.offline = &offline }

func (s *stubEngine) Subscribe() (<-chan domain.Change, func()) {
	ch := make(chan domain.Change)
	return ch, func() {}
}

type stubAuth struct{ err error }

func (a stubAuth) UserIDFromAuthHeader(string) (string, error) {
	if a.err != nil {
		return "", a.err
	}
	return "user-1", nil
}

type stubHealth struct{ state string }

func (h stubHealth) StateName() string { return h.state }

func newTestServer(eng *stubEngine, auth Authenticator) *echo.Echo {
	e := echo.New()
	Register(e, eng, auth, stubHealth{state: "connected"}, log.New())
	return e
}

func doRequest(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestGetViewReturnsMergedEntities(t *testing.T) {
	eng := &stubEngine{merged: map[domain.Kind][]domain.Entity{
		domain.KindTask: {
			{Kind: domain.KindTask, ID: "t1", SyncStatus: domain.StatusSynced, Task: &domain.Task{Title: "a"}},
			{Kind: domain.KindTask, ID: "local-x", SyncStatus: domain.StatusPending, Task: &domain.Task{Title: "b"}},
		},
	}}
	rec := doRequest(newTestServer(eng, stubAuth{}), http.MethodGet, "/api/view/task", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp viewResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entities) != 2 || resp.Entities[0].ID != "t1" {
		t.Fatalf("entities = %+v", resp.Entities)
	}
	if resp.Order != nil {
		t.Fatalf("unexpected order for unscoped view: %v", resp.Order)
	}
}

func TestGetViewListScopedIncludesOrder(t *testing.T) {
	eng := &stubEngine{
		tasks:  map[string][]domain.Entity{"l1": {{Kind: domain.KindTask, ID: "t2", Task: &domain.Task{ListID: "l1"}}}},
		orders: map[string][]string{"l1": {"t2"}},
	}
	rec := doRequest(newTestServer(eng, stubAuth{}), http.MethodGet, "/api/view/task?listId=l1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp viewResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Entities) != 1 || resp.Entities[0].ID != "t2" {
		t.Fatalf("entities = %+v", resp.Entities)
	}
	if len(resp.Order) != 1 || resp.Order[0] != "t2" {
		t.Fatalf("order = %v", resp.Order)
	}
}

func TestGetViewRejectsUnknownKind(t *testing.T) {
	rec := doRequest(newTestServer(&stubEngine{}, stubAuth{}), http.MethodGet, "/api/view/widget", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetViewUnauthorized(t *testing.T) {
	rec := doRequest(newTestServer(&stubEngine{}, stubAuth{err: errors.New("bad token")}), http.MethodGet, "/api/view/task", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestPostMutateCreateReturns201(t *testing.T) {
	eng := &stubEngine{}
	body := `{"op":"create","kind":"task","payload":{"title":"new"}}`
	rec := doRequest(newTestServer(eng, stubAuth{}), http.MethodPost, "/api/mutate", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if eng.mutateOp != domain.OpCreate || eng.mutateKind != domain.KindTask {
		t.Fatalf("engine saw op=%q kind=%q", eng.mutateOp, eng.mutateKind)
	}
	if string(eng.mutatePayload) != `{"title":"new"}` {
		t.Fatalf("payload = %s", eng.mutatePayload)
	}
}

func TestPostMutateDeleteReturns204(t *testing.T) {
	eng := &stubEngine{}
	rec := doRequest(newTestServer(eng, stubAuth{}), http.MethodPost, "/api/mutate", `{"op":"delete","kind":"task","id":"t1"}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if eng.mutateID != "t1" {
		t.Fatalf("engine saw id %q", eng.mutateID)
	}
}

func TestPostMutateRejectsUnknownFields(t *testing.T) {
	rec := doRequest(newTestServer(&stubEngine{}, stubAuth{}), http.MethodPost, "/api/mutate", `{"op":"create","kind":"task","bogus":1}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestPostReorderDefaultsPositionToEnd(t *testing.T) {
	eng := &stubEngine{orders: map[string][]string{"l1": {"b", "a"}}}
	rec := doRequest(newTestServer(eng, stubAuth{}), http.MethodPost, "/api/reorder", `{"listId":"l1","movedId":"b"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if eng.reorderPos != order.End {
		t.Fatalf("position = %q, want end", eng.reorderPos)
	}
	var resp map[string][]string
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp["order"]) != 2 || resp["order"][0] != "b" {
		t.Fatalf("order = %v", resp["order"])
	}
}

func TestPostReorderConflict(t *testing.T) {
	eng := &stubEngine{reorderErr: errors.New("drag already active")}
	rec := doRequest(newTestServer(eng, stubAuth{}), http.MethodPost, "/api/reorder", `{"listId":"l1","movedId":"b"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestPostReorderRequiresIDs(t *testing.T) {
	rec := doRequest(newTestServer(&stubEngine{}, stubAuth{}), http.MethodPost, "/api/reorder", `{"listId":"l1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetMutationsListsAllBuckets(t *testing.T) {
	eng := &stubEngine{
		pending: []domain.PendingMutation{{ID: "m1"}},
		failed:  []domain.FailedMutation{{Mutation: domain.PendingMutation{ID: "m2"}, Reason: "boom"}},
		notices: []engine.Notice{{ID: "n1", MutationID: "m2", Message: "change could not be delivered: boom"}},
	}
	rec := doRequest(newTestServer(eng, stubAuth{}), http.MethodGet, "/api/mutations", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp mutationsResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Pending) != 1 || len(resp.Failed) != 1 || len(resp.Notices) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestRetryAndDiscardRoutes(t *testing.T) {
	eng := &stubEngine{}
	srv := newTestServer(eng, stubAuth{})

	if rec := doRequest(srv, http.MethodPost, "/api/mutations/m1/retry", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d", rec.Code)
	}
	if rec := doRequest(srv, http.MethodPost, "/api/mutations/missing/retry", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("retry missing status = %d", rec.Code)
	}
	if rec := doRequest(srv, http.MethodDelete, "/api/mutations/m1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("discard status = %d", rec.Code)
	}
	if len(eng.retried) != 2 || len(eng.discarded) != 1 {
		t.Fatalf("retried=%v discarded=%v", eng.retried, eng.discarded)
	}
}

func TestDeleteNotice(t *testing.T) {
	eng := &stubEngine{}
	srv := newTestServer(eng, stubAuth{})
	if rec := doRequest(srv, http.MethodDelete, "/api/notices/n1", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec := doRequest(srv, http.MethodDelete, "/api/notices/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing status = %d", rec.Code)
	}
}

func TestPostConnectivityFlipsOffline(t *testing.T) {
	eng := &stubEngine{}
	rec := doRequest(newTestServer(eng, stubAuth{}), http.MethodPost, "/api/connectivity", `{"offline":true}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if eng.offline == nil || !*eng.offline {
		t.Fatal("offline flag not forwarded to the engine")
	}
}

func TestHealthzReportsPushChannel(t *testing.T) {
	rec := doRequest(newTestServer(&stubEngine{}, stubAuth{}), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := sonic.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["pushChannel"] != "connected" {
		t.Fatalf("body = %v", body)
	}
}
