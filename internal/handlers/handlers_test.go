package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/garmaxai/backend/internal/ledger"
	"github.com/garmaxai/backend/internal/models"
	"github.com/garmaxai/backend/internal/pipeline"
	"github.com/garmaxai/backend/internal/sessions"
)

type sessionServiceStub struct {
	session   models.Session
	list      []models.Session
	createErr error
	actionErr error

	createdOwner string
	createReq    pipeline.CreateRequest
	listOwner    string
	listFilter   sessions.ListFilter
	confirmed    struct {
		id       string
		approved bool
		upgrade  bool
	}
	cancelled string
	gets      int
}

func (s *sessionServiceStub) CreateSession(_ context.Context, ownerID string, req pipeline.CreateRequest) (models.Session, error) {
	s.createdOwner = ownerID
	s.createReq = req
	if s.createErr != nil {
		return models.Session{}, s.createErr
	}
	out := s.session
	out.OwnerID = ownerID
	return out, nil
}

func (s *sessionServiceStub) GetSessionStatus(_ context.Context, id string) (models.Session, error) {
	s.gets++
	if id != s.session.ID {
		return models.Session{}, pipeline.ErrNotFound
	}
	return s.session, nil
}

func (s *sessionServiceStub) ListSessions(_ context.Context, ownerID string, filter sessions.ListFilter) ([]models.Session, error) {
	s.listOwner = ownerID
	s.listFilter = filter
	return s.list, nil
}

func (s *sessionServiceStub) ConfirmPreview(_ context.Context, id string, approved, upgrade bool) (models.Session, error) {
	s.confirmed.id, s.confirmed.approved, s.confirmed.upgrade = id, approved, upgrade
	if s.actionErr != nil {
		return models.Session{}, s.actionErr
	}
	out := s.session
	out.Status = models.StatusRendering
	return out, nil
}

func (s *sessionServiceStub) CancelSession(_ context.Context, id string) (models.Session, error) {
	s.cancelled = id
	if s.actionErr != nil {
		return models.Session{}, s.actionErr
	}
	out := s.session
	out.Status = models.StatusCancelled
	return out, nil
}

type creditServiceStub struct {
	accounts  map[string]models.CreditAccount
	purchased map[string]int64
}

func newCreditServiceStub() *creditServiceStub {
	return &creditServiceStub{accounts: map[string]models.CreditAccount{}, purchased: map[string]int64{}}
}

func (c *creditServiceStub) CreditsPurchased(_ context.Context, accountID string, amount int64) error {
	c.purchased[accountID] += amount
	acct := c.accounts[accountID]
	acct.ID = accountID
	acct.Balance += amount
	c.accounts[accountID] = acct
	return nil
}

func (c *creditServiceStub) Account(_ context.Context, accountID string) (models.CreditAccount, error) {
	acct, ok := c.accounts[accountID]
	if !ok {
		return models.CreditAccount{}, ledger.ErrAccountNotFound
	}
	return acct, nil
}

type eventSourceStub struct {
	events     chan []byte
	subscribed chan string
}

func (e *eventSourceStub) Subscribe(_ context.Context, topic string) (<-chan []byte, func(), error) {
	e.subscribed <- topic
	return e.events, func() {}, nil
}

type pingerStub struct{ err error }

func (p pingerStub) Ping(context.Context) error { return p.err }

func newRouter(deps Dependencies) *http.ServeMux {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return mux
}

func doRequest(t *testing.T, handler http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if user != "" {
		req.Header.Set(UserIDHeader, user)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp
}

func TestSessionHandlerCreateAccepted(t *testing.T) {
	svc := &sessionServiceStub{session: models.Session{ID: "s1", Status: models.StatusQueued, Quality: models.QualityHD}}
	router := newRouter(Dependencies{Sessions: svc})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/tryon/sessions", "user-1", map[string]any{
		"avatarId":          "avatar-1",
		"garmentIds":        []string{"g1", "g2"},
		"overlayGarmentIds": []string{"g1"},
		"quality":           "HD",
		"scene":             "beach",
	})

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: got %d want %d (%s)", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	if svc.createdOwner != "user-1" {
		t.Fatalf("expected owner from header, got %q", svc.createdOwner)
	}
	if svc.createReq.Quality != models.QualityHD || svc.createReq.AvatarID != "avatar-1" || len(svc.createReq.GarmentIDs) != 2 {
		t.Fatalf("unexpected create request: %+v", svc.createReq)
	}
	if rec.Header().Get("Location") != "/api/v1/tryon/sessions/s1" {
		t.Fatalf("unexpected location header %q", rec.Header().Get("Location"))
	}

	var resp sessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Session.ID != "s1" || resp.Session.Status != models.StatusQueued {
		t.Fatalf("unexpected session in response: %+v", resp.Session)
	}
}

func TestSessionHandlerCreateRejectsBadInput(t *testing.T) {
	tests := []struct {
		name      string
		user      string
		body      any
		wantCode  int
		wantField string
	}{
		{
			name:     "missing user header",
			body:     map[string]any{"avatarId": "a", "garmentIds": []string{"g1"}, "quality": "standard"},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "malformed json",
			user:     "user-1",
			body:     `{"avatarId":`,
			wantCode: http.StatusBadRequest,
		},
		{
			name:      "no garments",
			user:      "user-1",
			body:      map[string]any{"avatarId": "a", "quality": "standard"},
			wantCode:  http.StatusBadRequest,
			wantField: "garmentIds",
		},
		{
			name:      "no subject",
			user:      "user-1",
			body:      map[string]any{"garmentIds": []string{"g1"}, "quality": "standard"},
			wantCode:  http.StatusBadRequest,
			wantField: "avatarId",
		},
		{
			name:      "unknown quality",
			user:      "user-1",
			body:      map[string]any{"avatarId": "a", "garmentIds": []string{"g1"}, "quality": "8k"},
			wantCode:  http.StatusBadRequest,
			wantField: "quality",
		},
		{
			name:      "foreign organization",
			user:      "user-1",
			body:      map[string]any{"avatarId": "a", "garmentIds": []string{"g1"}, "quality": "standard", "organizationId": "org-9"},
			wantCode:  http.StatusForbidden,
			wantField: "organizationId",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &sessionServiceStub{}
			rec := doRequest(t, newRouter(Dependencies{Sessions: svc}), http.MethodPost, "/api/v1/tryon/sessions", tc.user, tc.body)
			if rec.Code != tc.wantCode {
				t.Fatalf("unexpected status: got %d want %d (%s)", rec.Code, tc.wantCode, rec.Body.String())
			}
			if tc.wantField != "" {
				if resp := decodeError(t, rec); resp.Field != tc.wantField {
					t.Fatalf("expected field %q, got %+v", tc.wantField, resp)
				}
			}
			if svc.createdOwner != "" {
				t.Fatal("expected pipeline not to be called")
			}
		})
	}
}

func TestSessionHandlerCreateMapsDomainErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"insufficient credits", fmt.Errorf("reserve 20 credits: %w", pipeline.ErrInsufficientCredits), http.StatusPaymentRequired, "insufficient_credits"},
		{"validation", &pipeline.ValidationError{Field: "customBackground", Message: "is required when scene is custom"}, http.StatusBadRequest, "customBackground"},
		{"unexpected", errors.New("database on fire"), http.StatusInternalServerError, "internal error"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc := &sessionServiceStub{createErr: tc.err}
			rec := doRequest(t, newRouter(Dependencies{Sessions: svc}), http.MethodPost, "/api/v1/tryon/sessions", "user-1",
				map[string]any{"photoId": "p1", "garmentIds": []string{"g1"}, "quality": "standard"})
			if rec.Code != tc.wantCode {
				t.Fatalf("unexpected status: got %d want %d", rec.Code, tc.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tc.wantBody) {
				t.Fatalf("expected body to mention %q, got %s", tc.wantBody, rec.Body.String())
			}
			if strings.Contains(rec.Body.String(), "database on fire") {
				t.Fatal("internal error details leaked to client")
			}
		})
	}
}

func TestSessionHandlerGetHidesOtherOwners(t *testing.T) {
	svc := &sessionServiceStub{session: models.Session{ID: "s1", OwnerID: "user-1", Status: models.StatusRendering}}
	router := newRouter(Dependencies{Sessions: svc})

	if rec := doRequest(t, router, http.MethodGet, "/api/v1/tryon/sessions/s1", "user-1", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected owner to read session, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodGet, "/api/v1/tryon/sessions/s1", "user-2", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another owner, got %d", rec.Code)
	}
	if rec := doRequest(t, router, http.MethodGet, "/api/v1/tryon/sessions/missing", "user-1", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown session, got %d", rec.Code)
	}
}

func TestSessionHandlerListParsesFilter(t *testing.T) {
	svc := &sessionServiceStub{list: []models.Session{{ID: "s2"}, {ID: "s1"}}}
	router := newRouter(Dependencies{Sessions: svc})

	rec := doRequest(t, router, http.MethodGet, "/api/v1/tryon/sessions?status=queued,awaiting_confirmation&limit=5&offset=10", "user-1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.listOwner != "user-1" {
		t.Fatalf("expected list scoped to caller, got %q", svc.listOwner)
	}
	if len(svc.listFilter.Statuses) != 2 || svc.listFilter.Statuses[1] != models.StatusAwaitingConfirmation {
		t.Fatalf("unexpected status filter: %+v", svc.listFilter.Statuses)
	}
	if svc.listFilter.Limit != 5 || svc.listFilter.Offset != 10 {
		t.Fatalf("unexpected pagination: %+v", svc.listFilter)
	}

	var resp sessionListResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Sessions) != 2 || resp.Limit != 5 {
		t.Fatalf("unexpected list response: %+v", resp)
	}

	bad := doRequest(t, router, http.MethodGet, "/api/v1/tryon/sessions?status=paused", "user-1", nil)
	if bad.Code != http.StatusBadRequest || decodeError(t, bad).Field != "status" {
		t.Fatalf("expected 400 on unknown status, got %d", bad.Code)
	}
}

func TestSessionHandlerConfirm(t *testing.T) {
	svc := &sessionServiceStub{session: models.Session{ID: "s1", OwnerID: "user-1", Status: models.StatusAwaitingConfirmation}}
	router := newRouter(Dependencies{Sessions: svc})

	missing := doRequest(t, router, http.MethodPost, "/api/v1/tryon/sessions/s1/confirm", "user-1", map[string]any{"upgradeToAiOnly": true})
	if missing.Code != http.StatusBadRequest || decodeError(t, missing).Field != "approved" {
		t.Fatalf("expected approved to be required, got %d", missing.Code)
	}

	rec := doRequest(t, router, http.MethodPost, "/api/v1/tryon/sessions/s1/confirm", "user-1", map[string]any{"approved": true, "upgradeToAiOnly": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.confirmed.id != "s1" || !svc.confirmed.approved || !svc.confirmed.upgrade {
		t.Fatalf("unexpected confirm call: %+v", svc.confirmed)
	}

	svc.actionErr = fmt.Errorf("reserve upgrade surcharge: %w", pipeline.ErrInsufficientCredits)
	poor := doRequest(t, router, http.MethodPost, "/api/v1/tryon/sessions/s1/confirm", "user-1", map[string]any{"approved": true, "upgradeToAiOnly": true})
	if poor.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 when the surcharge cannot be paid, got %d", poor.Code)
	}

	svc.actionErr = fmt.Errorf("%w: session is rendering", pipeline.ErrInvalidState)
	late := doRequest(t, router, http.MethodPost, "/api/v1/tryon/sessions/s1/confirm", "user-1", map[string]any{"approved": false})
	if late.Code != http.StatusConflict || decodeError(t, late).Code != "invalid_state" {
		t.Fatalf("expected 409 invalid_state, got %d", late.Code)
	}
}

func TestSessionHandlerCancel(t *testing.T) {
	svc := &sessionServiceStub{session: models.Session{ID: "s1", OwnerID: "user-1", Status: models.StatusQueued}}
	router := newRouter(Dependencies{Sessions: svc})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/tryon/sessions/s1/cancel", "user-1", nil)
	if rec.Code != http.StatusOK || svc.cancelled != "s1" {
		t.Fatalf("expected cancel to succeed, got %d (cancelled=%q)", rec.Code, svc.cancelled)
	}

	svc.actionErr = pipeline.ErrAlreadyRendering
	rendering := doRequest(t, router, http.MethodPost, "/api/v1/tryon/sessions/s1/cancel", "user-1", nil)
	if rendering.Code != http.StatusConflict || decodeError(t, rendering).Code != "already_rendering" {
		t.Fatalf("expected 409 already_rendering, got %d", rendering.Code)
	}

	other := doRequest(t, router, http.MethodPost, "/api/v1/tryon/sessions/s1/cancel", "user-2", nil)
	if other.Code != http.StatusNotFound {
		t.Fatalf("expected 404 cancelling another owner's session, got %d", other.Code)
	}
}

func TestCreditHandler(t *testing.T) {
	credits := newCreditServiceStub()
	router := newRouter(Dependencies{Credits: credits})

	rec := doRequest(t, router, http.MethodPost, "/api/v1/credits/purchases", "", map[string]any{"accountId": "user-1", "amount": 50, "paymentId": "pay_1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected purchase status: %d (%s)", rec.Code, rec.Body.String())
	}
	if credits.purchased["user-1"] != 50 {
		t.Fatalf("expected 50 credits purchased, got %d", credits.purchased["user-1"])
	}

	zero := doRequest(t, router, http.MethodPost, "/api/v1/credits/purchases", "", map[string]any{"accountId": "user-1", "amount": 0})
	if zero.Code != http.StatusBadRequest || decodeError(t, zero).Field != "amount" {
		t.Fatalf("expected zero amount to be rejected, got %d", zero.Code)
	}

	own := doRequest(t, router, http.MethodGet, "/api/v1/credits/user-1", "user-1", nil)
	if own.Code != http.StatusOK {
		t.Fatalf("expected owner to read balance, got %d", own.Code)
	}
	var account models.CreditAccount
	if err := json.NewDecoder(own.Body).Decode(&account); err != nil {
		t.Fatalf("decode account: %v", err)
	}
	if account.Balance != 50 {
		t.Fatalf("expected balance 50, got %d", account.Balance)
	}

	foreign := doRequest(t, router, http.MethodGet, "/api/v1/credits/user-1", "user-2", nil)
	if foreign.Code != http.StatusForbidden {
		t.Fatalf("expected 403 reading another account, got %d", foreign.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/credits/org-1", nil)
	req.Header.Set(UserIDHeader, "user-2")
	req.Header.Set(OrganizationIDHeader, "org-1")
	orgRec := httptest.NewRecorder()
	router.ServeHTTP(orgRec, req)
	if orgRec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unfunded organization account, got %d", orgRec.Code)
	}
}

func TestEventHandlerStreamsUntilTerminal(t *testing.T) {
	svc := &sessionServiceStub{session: models.Session{ID: "s1", OwnerID: "user-1", Status: models.StatusRendering, Progress: 40}}
	events := &eventSourceStub{events: make(chan []byte, 2), subscribed: make(chan string, 1)}
	router := newRouter(Dependencies{Sessions: svc, Events: events})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doRequest(t, router, http.MethodGet, "/api/v1/tryon/sessions/s1/events", "user-1", nil)
	}()

	select {
	case topic := <-events.subscribed:
		if topic != "session:s1" {
			t.Fatalf("unexpected topic %q", topic)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never subscribed")
	}

	completed, _ := json.Marshal(models.StatusEvent{SessionID: "s1", PreviousStatus: models.StatusRendering, Status: models.StatusCompleted, Progress: 100})
	events.events <- completed

	var rec *httptest.ResponseRecorder
	select {
	case rec = <-done:
	case <-time.After(time.Second):
		t.Fatal("stream did not end after terminal event")
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rec.Body.String()
	if strings.Count(body, "event: status") != 2 {
		t.Fatalf("expected snapshot and one streamed event, got %q", body)
	}
	if !strings.Contains(body, `"status":"rendering"`) || !strings.Contains(body, `"status":"completed"`) {
		t.Fatalf("unexpected stream body %q", body)
	}
	if svc.gets != 2 {
		t.Fatalf("expected session to be re-read after subscribing, got %d reads", svc.gets)
	}
}

func TestEventHandlerTerminalSessionSendsSnapshotOnly(t *testing.T) {
	svc := &sessionServiceStub{session: models.Session{ID: "s1", OwnerID: "user-1", Status: models.StatusCancelled, CreditsRefunded: 10}}
	events := &eventSourceStub{events: make(chan []byte), subscribed: make(chan string, 1)}

	rec := doRequest(t, newRouter(Dependencies{Sessions: svc, Events: events}), http.MethodGet, "/api/v1/tryon/sessions/s1/events", "user-1", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if strings.Count(rec.Body.String(), "event: status") != 1 || !strings.Contains(rec.Body.String(), `"creditsRefunded":10`) {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	select {
	case <-events.subscribed:
		t.Fatal("expected no subscription for a finished session")
	default:
	}
}

func TestRateLimitKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := RateLimitKey(req); got != "ip:10.0.0.1" {
		t.Fatalf("unexpected key %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	if got := RateLimitKey(req); got != "ip:203.0.113.9" {
		t.Fatalf("unexpected forwarded key %q", got)
	}
	req.Header.Set(UserIDHeader, "user-1")
	if got := RateLimitKey(req); got != "user:user-1" {
		t.Fatalf("unexpected user key %q", got)
	}
}
