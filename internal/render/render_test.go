package render

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/garmaxai/backend/internal/ledger"
	"github.com/garmaxai/backend/internal/models"
)

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type objectStub struct {
	mu      sync.Mutex
	objects map[string][]byte
	failOn  string
}

func newObjectStub() *objectStub { return &objectStub{objects: make(map[string][]byte)} }

func (o *objectStub) Save(_ context.Context, key string, r io.Reader, _ string) (string, error) {
	if o.failOn != "" && strings.HasPrefix(key, o.failOn) {
		return "", errors.New("bucket unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	o.objects[key] = data
	o.mu.Unlock()
	return key, nil
}

func (o *objectStub) Open(_ context.Context, key string) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	if !ok {
		return nil, errors.New("missing object")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (o *objectStub) get(key string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[key]
	return data, ok
}

type resultsStub struct {
	mu        sync.Mutex
	completed map[string]string
	failed    map[string]string
	calls     int
	// failNext makes that many upcoming calls return an error.
	failNext int
}

func newResultsStub() *resultsStub {
	return &resultsStub{completed: make(map[string]string), failed: make(map[string]string)}
}

func (r *resultsStub) RenderCompleted(_ context.Context, id, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.failNext > 0 {
		r.failNext--
		return errors.New("session store unavailable")
	}
	r.completed[id] = ref
	return nil
}

func (r *resultsStub) RenderFailed(_ context.Context, id, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.failed[id] = reason
	return nil
}

func (r *resultsStub) snapshot() (map[string]string, map[string]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := make(map[string]string, len(r.completed))
	for k, v := range r.completed {
		c[k] = v
	}
	f := make(map[string]string, len(r.failed))
	for k, v := range r.failed {
		f[k] = v
	}
	return c, f, r.calls
}

func imageResponse(data []byte) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{
			genai.NewPartFromText("here you go"),
			{InlineData: &genai.Blob{Data: data, MIMEType: "image/jpeg"}},
		}},
	}}}
}

func TestGeminiRendererStoresImage(t *testing.T) {
	objects := newObjectStub()
	objects.objects["previews/s1.png"] = []byte("preview")

	var gotParts int
	var gotModalities []string
	generate := func(_ context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		if model != "gemini-2.5-flash-image" {
			t.Errorf("unexpected model %q", model)
		}
		gotParts = len(contents[0].Parts)
		gotModalities = cfg.ResponseModalities
		return imageResponse([]byte("rendered")), nil
	}

	r := NewGeminiRendererWithFunc(GeminiConfig{}, generate, objects, discardLogger())
	results := newResultsStub()
	r.Bind(results)

	req := Request{SessionID: "s1", PreviewImageRef: "previews/s1.png", Quality: models.QualityHD, Scene: "studio"}
	if err := r.RequestRender(context.Background(), req); err != nil {
		t.Fatalf("request render: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		_, _, calls := results.snapshot()
		return calls == 1
	})

	completed, failed, _ := results.snapshot()
	if len(failed) != 0 {
		t.Fatalf("unexpected failures %v", failed)
	}
	if completed["s1"] != "renders/s1.jpg" {
		t.Fatalf("unexpected image ref %q", completed["s1"])
	}
	if data, ok := objects.get("renders/s1.jpg"); !ok || string(data) != "rendered" {
		t.Fatalf("render not stored: %q", data)
	}
	if gotParts != 2 {
		t.Fatalf("expected prompt and preview parts got %d", gotParts)
	}
	if len(gotModalities) == 0 || gotModalities[0] != "IMAGE" {
		t.Fatalf("unexpected modalities %v", gotModalities)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := r.RequestRender(context.Background(), req); !errors.Is(err, ErrRendererClosed) {
		t.Fatalf("expected ErrRendererClosed got %v", err)
	}
}

func TestGeminiRendererReportsMissingImage(t *testing.T) {
	generate := func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
			Content: genai.NewContentFromText("cannot comply", genai.RoleModel),
		}}}, nil
	}
	r := NewGeminiRendererWithFunc(GeminiConfig{}, generate, newObjectStub(), discardLogger())

	if _, err := r.Render(context.Background(), Request{SessionID: "s2"}); !errors.Is(err, errNoImage) {
		t.Fatalf("expected errNoImage got %v", err)
	}
}

func TestGeminiRendererRequiresBinding(t *testing.T) {
	r := NewGeminiRendererWithFunc(GeminiConfig{}, nil, newObjectStub(), discardLogger())
	if err := r.RequestRender(context.Background(), Request{SessionID: "s3"}); !errors.Is(err, errNotBound) {
		t.Fatalf("expected errNotBound got %v", err)
	}
}

func TestBuildPrompt(t *testing.T) {
	tests := []struct {
		name     string
		req      Request
		contains []string
	}{
		{
			name:     "custom background",
			req:      Request{Scene: models.SceneCustom, CustomBackground: "a rainy Tokyo street", Quality: models.QualityUltra},
			contains: []string{"a rainy Tokyo street", "Ultra high resolution"},
		},
		{
			name:     "named scene with prompt garments",
			req:      Request{Scene: "beach", PromptGarmentIDs: []string{"g2", "g3"}, Quality: models.QualityStandard},
			contains: []string{"beach setting", "g2, g3", "e-commerce"},
		},
		{
			name:     "ai only upgrade",
			req:      Request{Scene: "studio", Quality: models.QualityHD, AIOnly: true},
			contains: []string{"Regenerate the garments"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			prompt := BuildPrompt(tc.req)
			for _, want := range tc.contains {
				if !strings.Contains(prompt, want) {
					t.Fatalf("prompt %q missing %q", prompt, want)
				}
			}
		})
	}
}

type submitterStub struct {
	mu   sync.Mutex
	jobs []models.BatchJob
	err  error
}

func (s *submitterStub) SubmitBatch(_ context.Context, job models.BatchJob, _ []Request) (string, error) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return "provider-" + job.ID, nil
}

func newBatchRenderer(t *testing.T, maxSize int, submitter BatchSubmitter) (*BatchRenderer, *MemoryBatchStore, *objectStub, *resultsStub) {
	t.Helper()
	store := NewMemoryBatchStore()
	objects := newObjectStub()
	b := NewBatchRenderer(BatchConfig{MaxSize: maxSize, FlushInterval: time.Hour}, store, objects, submitter, ledger.DefaultPricing(), discardLogger())
	results := newResultsStub()
	b.Bind(results)
	return b, store, objects, results
}

func TestBatchRendererFlushesWhenFull(t *testing.T) {
	submitter := &submitterStub{}
	b, store, objects, _ := newBatchRenderer(t, 2, submitter)
	ctx := context.Background()

	if err := b.RequestRender(ctx, Request{SessionID: "a", Quality: models.QualityStandard}); err != nil {
		t.Fatalf("request a: %v", err)
	}
	if len(submitter.jobs) != 0 {
		t.Fatalf("batch submitted before it was full")
	}
	if err := b.RequestRender(ctx, Request{SessionID: "b", Quality: models.QualityUltra}); err != nil {
		t.Fatalf("request b: %v", err)
	}
	if len(submitter.jobs) != 1 {
		t.Fatalf("expected one submitted batch got %d", len(submitter.jobs))
	}

	job, err := store.GetBatch(ctx, submitter.jobs[0].ID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if job.Status != models.BatchSubmitted || job.ProviderJobID != "provider-"+job.ID {
		t.Fatalf("unexpected batch state %+v", job)
	}
	if job.Cost != 40 {
		t.Fatalf("expected cost 40 got %d", job.Cost)
	}
	manifest, ok := objects.get("batches/" + job.ID + "/manifest.jsonl")
	if !ok {
		t.Fatalf("manifest not uploaded")
	}
	if lines := strings.Count(string(manifest), "\n"); lines != 2 {
		t.Fatalf("expected 2 manifest lines got %d", lines)
	}
}

func TestBatchRendererFansOutExactlyOnce(t *testing.T) {
	submitter := &submitterStub{}
	b, _, _, results := newBatchRenderer(t, 10, submitter)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := b.RequestRender(ctx, Request{SessionID: id, Quality: models.QualityHD}); err != nil {
			t.Fatalf("request %s: %v", id, err)
		}
	}
	batchID, err := b.Flush(ctx)
	if err != nil || batchID == "" {
		t.Fatalf("flush: %q %v", batchID, err)
	}
	if err := b.MarkProcessing(ctx, batchID); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	outcomes := []Outcome{
		{SessionID: "a", ImageRef: "renders/a.png"},
		{SessionID: "b", Error: "content policy"},
		{SessionID: "zzz", ImageRef: "renders/zzz.png"},
	}
	if err := b.Complete(ctx, batchID, outcomes); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// Provider retries the callback.
	if err := b.Complete(ctx, batchID, outcomes); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if err := b.Fail(ctx, batchID, "late failure"); err != nil {
		t.Fatalf("late fail: %v", err)
	}

	completed, failed, calls := results.snapshot()
	if calls != 3 {
		t.Fatalf("expected one delivery per session got %d", calls)
	}
	if completed["a"] != "renders/a.png" {
		t.Fatalf("unexpected completion %v", completed)
	}
	if failed["b"] != "content policy" {
		t.Fatalf("unexpected failure for b %q", failed["b"])
	}
	if failed["c"] == "" {
		t.Fatalf("session missing from results should fail")
	}
	if _, ok := completed["zzz"]; ok {
		t.Fatalf("foreign session must not be delivered")
	}
}

func TestBatchRendererRedeliversAfterResultsError(t *testing.T) {
	submitter := &submitterStub{}
	b, store, _, results := newBatchRenderer(t, 10, submitter)
	ctx := context.Background()

	if err := b.RequestRender(ctx, Request{SessionID: "a", Quality: models.QualityStandard}); err != nil {
		t.Fatalf("request a: %v", err)
	}
	batchID, err := b.Flush(ctx)
	if err != nil || batchID == "" {
		t.Fatalf("flush: %q %v", batchID, err)
	}
	results.mu.Lock()
	results.failNext = 1
	results.mu.Unlock()

	outcomes := []Outcome{{SessionID: "a", ImageRef: "renders/a.png"}}
	if err := b.Complete(ctx, batchID, outcomes); err == nil {
		t.Fatal("expected the failed delivery to be reported")
	}
	job, err := store.GetBatch(ctx, batchID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if job.WasDelivered("a") {
		t.Fatal("failed delivery must not stay recorded")
	}

	if err := b.Complete(ctx, batchID, outcomes); err != nil {
		t.Fatalf("second complete: %v", err)
	}
	if err := b.Complete(ctx, batchID, outcomes); err != nil {
		t.Fatalf("third complete: %v", err)
	}
	completed, _, calls := results.snapshot()
	if completed["a"] != "renders/a.png" {
		t.Fatalf("outcome never reached the session: %v", completed)
	}
	if calls != 2 {
		t.Fatalf("expected one failed and one successful call got %d", calls)
	}
}

func TestBatchRendererSubmitFailureFailsSessions(t *testing.T) {
	submitter := &submitterStub{err: errors.New("quota exceeded")}
	b, store, _, results := newBatchRenderer(t, 10, submitter)
	ctx := context.Background()

	_ = b.RequestRender(ctx, Request{SessionID: "a", Quality: models.QualityHD})
	_ = b.RequestRender(ctx, Request{SessionID: "b", Quality: models.QualityHD})
	batchID, err := b.Flush(ctx)
	if err != nil {
		t.Fatalf("flush: %v", err)
	}

	job, _ := store.GetBatch(ctx, batchID)
	if job.Status != models.BatchFailed {
		t.Fatalf("expected failed batch got %s", job.Status)
	}
	_, failed, _ := results.snapshot()
	if len(failed) != 2 {
		t.Fatalf("expected both sessions failed got %v", failed)
	}
}

func TestBatchRendererManifestFailureAbandonsBatch(t *testing.T) {
	b, _, objects, results := newBatchRenderer(t, 10, &submitterStub{})
	objects.failOn = "batches/"
	ctx := context.Background()

	_ = b.RequestRender(ctx, Request{SessionID: "a", Quality: models.QualityHD})
	if _, err := b.Flush(ctx); err == nil {
		t.Fatalf("expected flush error")
	}
	_, failed, _ := results.snapshot()
	if failed["a"] == "" {
		t.Fatalf("expected session a failed")
	}
}

func TestSequentialSubmitterCompletesBatch(t *testing.T) {
	objects := newObjectStub()
	objects.objects["previews/a.png"] = []byte("preview")
	gemini := NewGeminiRendererWithFunc(GeminiConfig{}, func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
		return imageResponse([]byte("img")), nil
	}, objects, discardLogger())

	store := NewMemoryBatchStore()
	b := NewBatchRenderer(BatchConfig{MaxSize: 1, FlushInterval: time.Hour}, store, objects, nil, ledger.DefaultPricing(), discardLogger())
	b.SetSubmitter(&SequentialSubmitter{Renderer: gemini, Batches: b, Logger: discardLogger()})
	results := newResultsStub()
	b.Bind(results)

	if err := b.RequestRender(context.Background(), Request{SessionID: "a", PreviewImageRef: "previews/a.png"}); err != nil {
		t.Fatalf("request: %v", err)
	}
	waitForCondition(t, time.Second, func() bool {
		completed, _, _ := results.snapshot()
		return completed["a"] == "renders/a.jpg"
	})
}

func TestBatchRendererRunFlushesOnCancel(t *testing.T) {
	submitter := &submitterStub{}
	b, _, _, _ := newBatchRenderer(t, 10, submitter)
	_ = b.RequestRender(context.Background(), Request{SessionID: "a", Quality: models.QualityHD})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("run did not exit")
	}
	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	if len(submitter.jobs) != 1 {
		t.Fatalf("expected final flush to submit pending work")
	}
}

func TestLocalRendererCopiesPreview(t *testing.T) {
	objects := newObjectStub()
	objects.objects["previews/a.png"] = []byte("preview-bytes")
	local := &LocalRenderer{Objects: objects, Logger: discardLogger()}
	results := newResultsStub()

	if err := local.RequestRender(context.Background(), Request{SessionID: "a"}); !errors.Is(err, errNotBound) {
		t.Fatalf("expected unbound renderer to refuse work, got %v", err)
	}

	local.Bind(results)
	if err := local.RequestRender(context.Background(), Request{SessionID: "a", PreviewImageRef: "previews/a.png"}); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := local.RequestRender(context.Background(), Request{SessionID: "b", PreviewImageRef: "previews/missing.png"}); err != nil {
		t.Fatalf("request: %v", err)
	}
	local.Wait()

	completed, failed, _ := results.snapshot()
	if len(failed) != 0 {
		t.Fatalf("unexpected failures: %v", failed)
	}
	if completed["a"] != "renders/a.png" || completed["b"] != "renders/b.png" {
		t.Fatalf("unexpected completions: %v", completed)
	}
	if data, _ := objects.get("renders/a.png"); string(data) != "preview-bytes" {
		t.Fatalf("expected preview copied, got %q", data)
	}
	if data, _ := objects.get("renders/b.png"); !strings.Contains(string(data), "b") {
		t.Fatalf("expected placeholder render, got %q", data)
	}
}
