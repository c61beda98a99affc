// Package render turns approved previews into photorealistic images.
package render

import (
	"context"
	"errors"
	"io"

	"github.com/garmaxai/backend/internal/models"
)

// Request describes one render.
type Request struct {
	SessionID         string            `json:"sessionId"`
	OwnerID           string            `json:"ownerId"`
	PreviewImageRef   string            `json:"previewImageRef"`
	BaseImageRef      string            `json:"baseImageRef,omitempty"`
	GuidanceRefs      map[string]string `json:"guidanceRefs,omitempty"`
	Quality           models.Quality    `json:"quality"`
	Scene             string            `json:"scene"`
	CustomBackground  string            `json:"customBackground,omitempty"`
	PromptGarmentIDs  []string          `json:"promptGarmentIds,omitempty"`
	OverlayGarmentIDs []string          `json:"overlayGarmentIds,omitempty"`
	AIOnly            bool              `json:"aiOnly"`
}

// NewRequest builds the render request for a session.
func NewRequest(s models.Session) Request {
	refs := make(map[string]string, len(s.GuidanceRefs))
	for k, v := range s.GuidanceRefs {
		refs[k] = v
	}
	return Request{
		SessionID:         s.ID,
		OwnerID:           s.OwnerID,
		PreviewImageRef:   s.PreviewImageRef,
		BaseImageRef:      s.BaseImageRef,
		GuidanceRefs:      refs,
		Quality:           s.Quality,
		Scene:             s.Scene,
		CustomBackground:  s.CustomBackground,
		PromptGarmentIDs:  s.PromptOnlyGarmentIDs(),
		OverlayGarmentIDs: append([]string(nil), s.OverlayGarmentIDs...),
		AIOnly:            s.UpgradedToAIOnly,
	}
}

// Renderer accepts render work. The outcome arrives later through Results.
type Renderer interface {
	RequestRender(ctx context.Context, req Request) error
}

// Results receives asynchronous render outcomes.
type Results interface {
	RenderCompleted(ctx context.Context, sessionID, imageRef string) error
	RenderFailed(ctx context.Context, sessionID, reason string) error
}

// ObjectStore reads previews and writes renders and manifests.
type ObjectStore interface {
	Save(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

var (
	// ErrRendererClosed indicates the renderer no longer accepts work.
	ErrRendererClosed = errors.New("renderer closed")

	errNotBound = errors.New("render results receiver not bound")
)
