package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"path"
	"strings"
	"sync"
	"time"

	"google.golang.org/genai"

	"github.com/garmaxai/backend/internal/models"
)

// GenerateFunc matches genai's Models.GenerateContent.
type GenerateFunc func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// GeminiConfig controls the image model and concurrency.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Concurrency int
	Timeout     time.Duration
}

// GeminiRenderer generates renders with a Gemini image model. RequestRender
// returns immediately; at most Concurrency generations run at once.
type GeminiRenderer struct {
	cfg      GeminiConfig
	generate GenerateFunc
	storage  ObjectStore
	logger   *slog.Logger

	mu      sync.RWMutex
	results Results
	closed  bool

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGeminiRenderer connects a genai client.
func NewGeminiRenderer(ctx context.Context, cfg GeminiConfig, storage ObjectStore, logger *slog.Logger) (*GeminiRenderer, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return NewGeminiRendererWithFunc(cfg, client.Models.GenerateContent, storage, logger), nil
}

// NewGeminiRendererWithFunc builds a renderer around an arbitrary generate
// function. Useful for tests.
func NewGeminiRendererWithFunc(cfg GeminiConfig, generate GenerateFunc, storage ObjectStore, logger *slog.Logger) *GeminiRenderer {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash-image"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GeminiRenderer{
		cfg:      cfg,
		generate: generate,
		storage:  storage,
		logger:   logger,
		sem:      make(chan struct{}, cfg.Concurrency),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Bind sets the receiver of completions.
func (g *GeminiRenderer) Bind(results Results) {
	g.mu.Lock()
	g.results = results
	g.mu.Unlock()
}

// RequestRender implements Renderer.
func (g *GeminiRenderer) RequestRender(_ context.Context, req Request) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return ErrRendererClosed
	}
	if g.results == nil {
		return errNotBound
	}
	results := g.results

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		select {
		case g.sem <- struct{}{}:
		case <-g.ctx.Done():
			g.report(results, req.SessionID, "", g.ctx.Err())
			return
		}
		defer func() { <-g.sem }()

		ref, err := g.Render(g.ctx, req)
		g.report(results, req.SessionID, ref, err)
	}()
	return nil
}

func (g *GeminiRenderer) report(results Results, sessionID, ref string, renderErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if renderErr != nil {
		g.logger.Warn("render failed", "sessionId", sessionID, "error", renderErr)
		err = results.RenderFailed(ctx, sessionID, renderErr.Error())
	} else {
		err = results.RenderCompleted(ctx, sessionID, ref)
	}
	if err != nil {
		g.logger.Error("deliver render outcome", "sessionId", sessionID, "error", err)
	}
}

// Render runs one generation synchronously and returns the stored image key.
func (g *GeminiRenderer) Render(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	parts := []*genai.Part{genai.NewPartFromText(BuildPrompt(req))}
	if req.PreviewImageRef != "" {
		preview, mimeType, err := g.load(ctx, req.PreviewImageRef)
		if err != nil {
			return "", err
		}
		parts = append(parts, genai.NewPartFromBytes(preview, mimeType))
	}

	resp, err := g.generate(ctx, g.cfg.Model, []*genai.Content{
		genai.NewContentFromParts(parts, genai.RoleUser),
	}, &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	})
	if err != nil {
		return "", fmt.Errorf("generate render: %w", err)
	}

	image, mimeType, err := firstImage(resp)
	if err != nil {
		return "", err
	}
	key := path.Join("renders", req.SessionID+extensionFor(mimeType))
	ref, err := g.storage.Save(ctx, key, bytes.NewReader(image), mimeType)
	if err != nil {
		return "", fmt.Errorf("store render: %w", err)
	}
	return ref, nil
}

func (g *GeminiRenderer) load(ctx context.Context, key string) ([]byte, string, error) {
	rc, err := g.storage.Open(ctx, key)
	if err != nil {
		return nil, "", fmt.Errorf("open preview: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, "", fmt.Errorf("read preview: %w", err)
	}
	mimeType := mime.TypeByExtension(path.Ext(key))
	if mimeType == "" {
		mimeType = "image/png"
	}
	return data, mimeType, nil
}

// Shutdown rejects new work and waits for running generations.
func (g *GeminiRenderer) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		g.cancel()
		return ctx.Err()
	case <-done:
		g.cancel()
		return nil
	}
}

var errNoImage = errors.New("model returned no image")

func firstImage(resp *genai.GenerateContentResponse) ([]byte, string, error) {
	if resp == nil {
		return nil, "", errNoImage
	}
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.InlineData != nil && len(part.InlineData.Data) > 0 {
				mimeType := part.InlineData.MIMEType
				if mimeType == "" {
					mimeType = "image/png"
				}
				return part.InlineData.Data, mimeType, nil
			}
		}
	}
	return nil, "", errNoImage
}

func extensionFor(mimeType string) string {
	switch mimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ".png"
	}
}

// BuildPrompt describes the render for the image model.
func BuildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("Create a photorealistic photograph of the person in the attached preview wearing the garments shown")
	if len(req.PromptGarmentIDs) > 0 {
		b.WriteString(", together with garments ")
		b.WriteString(strings.Join(req.PromptGarmentIDs, ", "))
	}
	b.WriteString(". Keep body pose, proportions and garment fit from the preview.")

	switch {
	case req.Scene == models.SceneCustom && req.CustomBackground != "":
		b.WriteString(" Background: ")
		b.WriteString(req.CustomBackground)
		b.WriteString(".")
	case req.Scene != "":
		b.WriteString(" Background: ")
		b.WriteString(req.Scene)
		b.WriteString(" setting.")
	}

	switch req.Quality {
	case models.QualityUltra:
		b.WriteString(" Ultra high resolution, studio lighting, fine fabric detail.")
	case models.QualityHD:
		b.WriteString(" High definition, professional photography.")
	default:
		b.WriteString(" Clean e-commerce photography.")
	}
	if req.AIOnly {
		b.WriteString(" Regenerate the garments entirely rather than compositing the overlay.")
	}
	return b.String()
}

var _ Renderer = (*GeminiRenderer)(nil)
