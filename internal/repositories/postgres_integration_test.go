//go:build integration

package repositories

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/garmaxai/backend/internal/ledger"
	"github.com/garmaxai/backend/internal/models"
	"github.com/garmaxai/backend/internal/reconcile"
	"github.com/garmaxai/backend/internal/render"
	"github.com/garmaxai/backend/internal/sessions"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	server, err := testserver.NewTestServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "start cockroach test server: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, server.PGURL().String())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to cockroach test server: %v\n", err)
		server.Stop()
		os.Exit(1)
	}

	if err := applyMigrations(ctx, pool); err != nil {
		fmt.Fprintf(os.Stderr, "apply migrations: %v\n", err)
		pool.Close()
		server.Stop()
		os.Exit(1)
	}

	testPool = pool

	code := m.Run()

	pool.Close()
	server.Stop()

	os.Exit(code)
}

func TestPostgresSessionStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresSessionStore(testPool)
	session := newTestSession("owner-1")

	created, err := store.Create(ctx, session)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if created.Status != models.StatusQueued {
		t.Fatalf("expected queued, got %s", created.Status)
	}

	if _, err := store.Create(ctx, session); !errors.Is(err, sessions.ErrConflict) {
		t.Fatalf("expected ErrConflict creating duplicate session, got %v", err)
	}

	processing, err := store.UpdateStatus(ctx, session.ID, models.StatusQueued, models.StatusProcessingGuidance, sessions.Changes{Progress: sessions.IntPtr(10)})
	if err != nil {
		t.Fatalf("start guidance: %v", err)
	}
	if processing.Progress != 10 {
		t.Fatalf("expected progress 10, got %d", processing.Progress)
	}

	if _, err := store.UpdateStatus(ctx, session.ID, models.StatusProcessingGuidance, models.StatusProcessingGuidance, sessions.Changes{Progress: sessions.IntPtr(5)}); !errors.Is(err, sessions.ErrProgressRegression) {
		t.Fatalf("expected ErrProgressRegression, got %v", err)
	}

	if _, err := store.UpdateStatus(ctx, session.ID, models.StatusQueued, models.StatusCancelled, sessions.Changes{}); !errors.Is(err, sessions.ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict from stale from-status, got %v", err)
	}

	_, err = store.UpdateStatus(ctx, session.ID, models.StatusProcessingGuidance, models.StatusPreviewReady, sessions.Changes{
		PreviewImageRef: sessions.StringPtr("previews/p.jpg"),
		GuidanceRefs:    map[string]string{"segmentation": "seg/s.png"},
	})
	if err != nil {
		t.Fatalf("preview ready: %v", err)
	}

	fetched, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if fetched.PreviewImageRef != "previews/p.jpg" || fetched.GuidanceRefs["segmentation"] != "seg/s.png" {
		t.Fatalf("unexpected session fetched: %+v", fetched)
	}
	if len(fetched.GarmentIDs) != 2 || fetched.Subject.Kind != models.SubjectAvatar {
		t.Fatalf("expected garments and subject to round trip, got %+v", fetched)
	}

	failed, err := store.UpdateStatus(ctx, session.ID, models.StatusPreviewReady, models.StatusFailed, sessions.Changes{
		FailureReason:   sessions.StringPtr("boom"),
		CreditsRefunded: sessions.Int64Ptr(session.CreditsCharged),
	})
	if err != nil {
		t.Fatalf("fail session: %v", err)
	}
	if failed.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set on terminal status")
	}

	if _, err := store.UpdateStatus(ctx, session.ID, models.StatusFailed, models.StatusQueued, sessions.Changes{}); !errors.Is(err, sessions.ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}

	if _, err := store.Get(ctx, uuid.NewString()); !errors.Is(err, sessions.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown session, got %v", err)
	}
}

func TestPostgresSessionStore_ConcurrentTransitionsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresSessionStore(testPool)
	session := newTestSession("owner-1")
	if _, err := store.Create(ctx, session); err != nil {
		t.Fatalf("create session: %v", err)
	}

	targets := []models.Status{models.StatusProcessingGuidance, models.StatusCancelled, models.StatusFailed}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, to := range targets {
		wg.Add(1)
		go func(to models.Status) {
			defer wg.Done()
			if _, err := store.UpdateStatus(ctx, session.ID, models.StatusQueued, to, sessions.Changes{}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(to)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", wins)
	}
}

func TestPostgresSessionStore_ListByOwnerAndStale(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresSessionStore(testPool)
	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		s := newTestSession("owner-1")
		s.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := store.Create(ctx, s); err != nil {
			t.Fatalf("create session %d: %v", i, err)
		}
		ids = append(ids, s.ID)
	}
	if _, err := store.Create(ctx, newTestSession("owner-2")); err != nil {
		t.Fatalf("create other owner session: %v", err)
	}
	if _, err := store.UpdateStatus(ctx, ids[0], models.StatusQueued, models.StatusCancelled, sessions.Changes{}); err != nil {
		t.Fatalf("cancel session: %v", err)
	}

	list, err := store.ListByOwner(ctx, "owner-1", sessions.ListFilter{})
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(list) != 3 || list[0].ID != ids[2] {
		t.Fatalf("expected 3 sessions newest first, got %+v", list)
	}

	queued, err := store.ListByOwner(ctx, "owner-1", sessions.ListFilter{Statuses: []models.Status{models.StatusQueued}, Limit: 1})
	if err != nil {
		t.Fatalf("list queued sessions: %v", err)
	}
	if len(queued) != 1 || queued[0].ID != ids[2] {
		t.Fatalf("expected newest queued session, got %+v", queued)
	}

	stale, err := store.ListStale(ctx, []models.Status{models.StatusQueued}, base.Add(90*time.Second), 10)
	if err != nil {
		t.Fatalf("list stale sessions: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != ids[1] {
		t.Fatalf("expected only the second session to be stale, got %+v", stale)
	}
}

func TestPostgresLedger_ReserveRefundAndQuota(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	l := NewPostgresLedger(testPool)

	if _, err := l.Reserve(ctx, ledger.ReserveRequest{AccountID: "acct", Key: "s0", Credits: 10}); !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits for unfunded account, got %v", err)
	}

	if err := l.AddCredits(ctx, "acct", 25); err != nil {
		t.Fatalf("add credits: %v", err)
	}

	res, err := l.Reserve(ctx, ledger.ReserveRequest{AccountID: "acct", Key: "s1", Tier: models.QualityHD, Credits: 20, AllowQuota: true})
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Credits != 20 || res.QuotaFunded() {
		t.Fatalf("unexpected reservation: %+v", res)
	}

	again, err := l.Reserve(ctx, ledger.ReserveRequest{AccountID: "acct", Key: "s1", Tier: models.QualityHD, Credits: 20})
	if err != nil || again != res {
		t.Fatalf("expected idempotent reserve, got %+v, %v", again, err)
	}

	if _, err := l.Reserve(ctx, ledger.ReserveRequest{AccountID: "acct", Key: "s2", Credits: 10}); !errors.Is(err, ledger.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	if _, refunded, err := l.Refund(ctx, "acct", "s1"); err != nil || !refunded {
		t.Fatalf("refund: refunded=%v err=%v", refunded, err)
	}
	if _, refunded, err := l.Refund(ctx, "acct", "s1"); err != nil || refunded {
		t.Fatalf("second refund should be a no-op: refunded=%v err=%v", refunded, err)
	}
	if _, _, err := l.Refund(ctx, "acct", "missing"); !errors.Is(err, ledger.ErrReservationNotFound) {
		t.Fatalf("expected ErrReservationNotFound, got %v", err)
	}

	account, err := l.Account(ctx, "acct")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if account.Balance != 25 {
		t.Fatalf("expected balance restored to 25, got %d", account.Balance)
	}

	if err := l.SetQuota(ctx, "acct", 1, models.QualityHD); err != nil {
		t.Fatalf("set quota: %v", err)
	}
	quota, err := l.Reserve(ctx, ledger.ReserveRequest{AccountID: "acct", Key: "s3", Tier: models.QualityStandard, Credits: 10, AllowQuota: true})
	if err != nil {
		t.Fatalf("quota reserve: %v", err)
	}
	if !quota.QuotaFunded() || quota.Credits != 0 {
		t.Fatalf("expected quota-funded reservation, got %+v", quota)
	}
	if _, _, err := l.Refund(ctx, "acct", "s3"); err != nil {
		t.Fatalf("refund quota: %v", err)
	}
	account, err = l.Account(ctx, "acct")
	if err != nil {
		t.Fatalf("account after quota refund: %v", err)
	}
	if account.QuotaUsed != 0 || account.Balance != 25 {
		t.Fatalf("expected quota unit back and balance untouched, got %+v", account)
	}
}

func TestPostgresLedger_ConcurrentReservesNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	l := NewPostgresLedger(testPool)
	if err := l.AddCredits(ctx, "acct", 50); err != nil {
		t.Fatalf("add credits: %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Reserve(ctx, ledger.ReserveRequest{AccountID: "acct", Key: fmt.Sprintf("s%d", i), Credits: 10})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 5 {
		t.Fatalf("expected 5 successful reservations, got %d", wins)
	}
	account, err := l.Account(ctx, "acct")
	if err != nil {
		t.Fatalf("account: %v", err)
	}
	if account.Balance != 0 {
		t.Fatalf("expected balance 0, got %d", account.Balance)
	}
}

func TestPostgresBatchStore_DeliversOnce(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresBatchStore(testPool)
	now := time.Now().UTC()
	job := models.BatchJob{
		ID:         uuid.NewString(),
		Status:     models.BatchPending,
		SessionIDs: []string{"s1", "s2"},
		Cost:       40,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := store.CreateBatch(ctx, job); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	if err := store.UpdateBatch(ctx, job.ID, models.BatchSubmitted, "provider-1", ""); err != nil {
		t.Fatalf("submit batch: %v", err)
	}

	first, err := store.MarkDelivered(ctx, job.ID, "s1")
	if err != nil || !first {
		t.Fatalf("first delivery: first=%v err=%v", first, err)
	}
	second, err := store.MarkDelivered(ctx, job.ID, "s1")
	if err != nil || second {
		t.Fatalf("duplicate delivery should report false: first=%v err=%v", second, err)
	}
	if err := store.UnmarkDelivered(ctx, job.ID, "s1"); err != nil {
		t.Fatalf("unmark delivery: %v", err)
	}
	again, err := store.MarkDelivered(ctx, job.ID, "s1")
	if err != nil || !again {
		t.Fatalf("released delivery should be claimable again: first=%v err=%v", again, err)
	}

	if err := store.UpdateBatch(ctx, job.ID, models.BatchCompleted, "", ""); err != nil {
		t.Fatalf("complete batch: %v", err)
	}
	if err := store.UpdateBatch(ctx, job.ID, models.BatchFailed, "", "late"); err != nil {
		t.Fatalf("update terminal batch: %v", err)
	}

	loaded, err := store.GetBatch(ctx, job.ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if loaded.Status != models.BatchCompleted || loaded.ProviderJobID != "provider-1" || loaded.Error != "" {
		t.Fatalf("expected terminal batch to keep its state, got %+v", loaded)
	}
	if !loaded.WasDelivered("s1") || loaded.WasDelivered("s2") {
		t.Fatalf("unexpected deliveries: %v", loaded.Delivered)
	}

	if _, err := store.GetBatch(ctx, uuid.NewString()); !errors.Is(err, render.ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound, got %v", err)
	}
	if _, err := store.MarkDelivered(ctx, uuid.NewString(), "s1"); !errors.Is(err, render.ErrBatchNotFound) {
		t.Fatalf("expected ErrBatchNotFound marking unknown batch, got %v", err)
	}
}

func TestPostgresWebhookStore_EndpointsAndDeadLetters(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresWebhookStore(testPool)
	endpoint := models.WebhookEndpoint{ID: uuid.NewString(), OwnerID: "org-1", URL: "https://example.com/hook", Secret: "s3cret"}
	if err := store.Register(ctx, endpoint); err != nil {
		t.Fatalf("register endpoint: %v", err)
	}
	dup := endpoint
	dup.ID = uuid.NewString()
	if err := store.Register(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on duplicate url, got %v", err)
	}

	if err := store.RecordFailure(ctx, endpoint.ID); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	endpoints, err := store.ListEndpoints(ctx, "org-1")
	if err != nil {
		t.Fatalf("list endpoints: %v", err)
	}
	if len(endpoints) != 1 || endpoints[0].FailureCount != 1 || endpoints[0].Secret != "s3cret" {
		t.Fatalf("unexpected endpoints: %+v", endpoints)
	}

	letter := models.DeadLetter{EndpointID: endpoint.ID, SessionID: "s1", Payload: []byte(`{"status":"failed"}`), Attempts: 5, LastError: "503"}
	if err := store.SaveDeadLetter(ctx, letter); err != nil {
		t.Fatalf("save dead letter: %v", err)
	}
	if err := store.RecordFailure(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown endpoint, got %v", err)
	}
}

func TestPostgresReconciliationStore_OpenEntries(t *testing.T) {
	ctx := context.Background()
	resetDatabase(t)

	store := NewPostgresReconciliationStore(testPool)
	base := time.Now().UTC().Add(-time.Minute)
	older := models.ReconciliationEntry{ID: uuid.NewString(), SessionID: "s1", AccountID: "acct", ReservationKey: "s1", Credits: 10, Reason: "ledger down", CreatedAt: base}
	newer := models.ReconciliationEntry{ID: uuid.NewString(), SessionID: "s2", AccountID: "acct", ReservationKey: ledger.UpgradeKey("s2"), Credits: 5, Reason: "ledger down", CreatedAt: base.Add(time.Second)}
	for _, e := range []models.ReconciliationEntry{newer, older} {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("record entry: %v", err)
		}
	}

	if err := store.IncrementAttempts(ctx, older.ID); err != nil {
		t.Fatalf("increment attempts: %v", err)
	}
	open, err := store.ListOpen(ctx, 10)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 2 || open[0].ID != older.ID || open[0].Attempts != 1 {
		t.Fatalf("expected oldest entry first with one attempt, got %+v", open)
	}

	if err := store.Resolve(ctx, older.ID, time.Now().UTC()); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	open, err = store.ListOpen(ctx, 10)
	if err != nil {
		t.Fatalf("list open after resolve: %v", err)
	}
	if len(open) != 1 || open[0].ID != newer.ID {
		t.Fatalf("expected only the newer entry open, got %+v", open)
	}

	if err := store.Resolve(ctx, uuid.NewString(), time.Now()); !errors.Is(err, reconcile.ErrEntryNotFound) {
		t.Fatalf("expected ErrEntryNotFound, got %v", err)
	}
}

func applyMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrationsDir := filepath.Join("..", "..", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		contents, err := os.ReadFile(filepath.Join(migrationsDir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		if _, err := pool.Exec(ctx, string(contents)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}

func resetDatabase(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	conn, err := testPool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire connection: %v", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `TRUNCATE TABLE webhook_dead_letters, webhook_endpoints, batch_deliveries, batch_jobs,
        reconciliation_entries, credit_reservations, credit_accounts, tryon_sessions CASCADE`); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
}

func newTestSession(owner string) models.Session {
	return models.Session{
		ID:                  uuid.NewString(),
		OwnerID:             owner,
		Subject:             models.Subject{Kind: models.SubjectAvatar, ID: "avatar-1"},
		GarmentIDs:          []string{"g1", "g2"},
		OverlayGarmentIDs:   []string{"g1"},
		Quality:             models.QualityStandard,
		RequireConfirmation: true,
		CreditsCharged:      10,
	}
}
