package render

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"
)

// LocalRenderer stands in for the AI renderer during development. It copies
// the preview into the render location after Delay and reports success.
type LocalRenderer struct {
	Objects ObjectStore
	Delay   time.Duration
	Logger  *slog.Logger

	mu      sync.RWMutex
	results Results
	wg      sync.WaitGroup
}

// Bind sets the receiver of completions.
func (l *LocalRenderer) Bind(results Results) {
	l.mu.Lock()
	l.results = results
	l.mu.Unlock()
}

// RequestRender implements Renderer.
func (l *LocalRenderer) RequestRender(_ context.Context, req Request) error {
	l.mu.RLock()
	results := l.results
	l.mu.RUnlock()
	if results == nil {
		return errNotBound
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		time.Sleep(l.Delay)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		ref, err := l.Render(ctx, req)
		if err != nil {
			err = results.RenderFailed(ctx, req.SessionID, err.Error())
		} else {
			err = results.RenderCompleted(ctx, req.SessionID, ref)
		}
		if err != nil && l.Logger != nil {
			l.Logger.Warn("local render completion", "sessionId", req.SessionID, "error", err)
		}
	}()
	return nil
}

// Render stores a copy of the preview, or a placeholder when the preview is
// not in the object store, and returns its key.
func (l *LocalRenderer) Render(ctx context.Context, req Request) (string, error) {
	data := []byte("local render of " + req.SessionID)
	if req.PreviewImageRef != "" {
		if rc, err := l.Objects.Open(ctx, req.PreviewImageRef); err == nil {
			preview, readErr := io.ReadAll(rc)
			rc.Close()
			if readErr == nil {
				data = preview
			}
		}
	}

	key := path.Join("renders", req.SessionID+".png")
	ref, err := l.Objects.Save(ctx, key, bytes.NewReader(data), "image/png")
	if err != nil {
		return "", fmt.Errorf("store local render: %w", err)
	}
	return ref, nil
}

// Wait blocks until every pending completion has been delivered.
func (l *LocalRenderer) Wait() {
	l.wg.Wait()
}

var _ Renderer = (*LocalRenderer)(nil)
