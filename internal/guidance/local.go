package guidance

import (
	"context"
	"log/slog"
	"path"
	"sync"
	"time"
)

// LocalProcessor stands in for the external processor during development. It
// accepts every request and reports canned assets after Delay.
type LocalProcessor struct {
	Delay  time.Duration
	Logger *slog.Logger

	mu      sync.RWMutex
	results Results
	wg      sync.WaitGroup
}

// Bind sets the receiver of completions.
func (p *LocalProcessor) Bind(results Results) {
	p.mu.Lock()
	p.results = results
	p.mu.Unlock()
}

// RequestGuidance implements Generator.
func (p *LocalProcessor) RequestGuidance(_ context.Context, req Request) error {
	p.mu.RLock()
	results := p.results
	p.mu.RUnlock()
	if results == nil {
		return errNotBound
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		time.Sleep(p.Delay)

		prefix := path.Join("guidance", req.SessionID)
		body, err := NewAssetsReadyEvent(req.SessionID, req.UserID, path.Join(prefix, "preview.png"), AssetKeys{
			DepthMapKey:     path.Join(prefix, "depth.png"),
			NormalMapKey:    path.Join(prefix, "normals.png"),
			PoseMapKey:      path.Join(prefix, "pose.png"),
			SegmentationKey: path.Join(prefix, "segments.png"),
			PromptKey:       path.Join(prefix, "prompt.txt"),
		}, time.Now())
		if err == nil {
			err = HandleEvent(context.Background(), body, results)
		}
		if err != nil && p.Logger != nil {
			p.Logger.Warn("local guidance completion", "sessionId", req.SessionID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every pending completion has been delivered.
func (p *LocalProcessor) Wait() {
	p.wg.Wait()
}

var _ Generator = (*LocalProcessor)(nil)
