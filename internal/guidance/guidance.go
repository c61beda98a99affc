// Package guidance talks to the pose and guidance asset processor.
package guidance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/garmaxai/backend/internal/models"
)

// Request asks the processor to derive guidance assets for one session.
type Request struct {
	SessionID         string   `json:"sessionId"`
	UserID            string   `json:"userId"`
	SubjectKind       string   `json:"subjectKind"`
	SubjectImageKey   string   `json:"avatarImageKey"`
	GarmentKeys       []string `json:"garmentImageKeys"`
	OverlayGarmentIDs []string `json:"overlayGarmentIds"`
}

// NewRequest builds the processor request for a session.
func NewRequest(s models.Session) Request {
	return Request{
		SessionID:         s.ID,
		UserID:            s.OwnerID,
		SubjectKind:       string(s.Subject.Kind),
		SubjectImageKey:   s.Subject.ID,
		GarmentKeys:       append([]string(nil), s.GarmentIDs...),
		OverlayGarmentIDs: append([]string(nil), s.OverlayGarmentIDs...),
	}
}

// Output is what a successful guidance run produced.
type Output struct {
	PreviewImageRef string
	BaseImageRef    string
	Assets          map[string]string
}

// Generator accepts guidance work. Acceptance is synchronous; the outcome
// arrives later through Results.
type Generator interface {
	RequestGuidance(ctx context.Context, req Request) error
}

// Results receives asynchronous guidance outcomes.
type Results interface {
	GuidanceCompleted(ctx context.Context, sessionID string, out Output) error
	GuidanceFailed(ctx context.Context, sessionID, reason string) error
	ReportProgress(ctx context.Context, sessionID string, status models.Status, progress int) error
}

const (
	// EventSource identifies processor events.
	EventSource = "garmax-ai.smpl"

	DetailAssetsReady = "Guidance Assets Ready"
	DetailFailed      = "SMPL Processing Failed"
	DetailProgress    = "SMPL Processing Progress"
)

var (
	// ErrUnknownEvent marks envelopes this service does not handle.
	ErrUnknownEvent = errors.New("unknown guidance event")

	errNotBound = errors.New("guidance results receiver not bound")
)

// Envelope is the event bus wrapper the processor emits.
type Envelope struct {
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
}

// AssetKeys lists the object keys of the generated guidance maps.
type AssetKeys struct {
	DepthMapKey     string `json:"depthMapKey"`
	NormalMapKey    string `json:"normalMapKey"`
	PoseMapKey      string `json:"poseMapKey"`
	SegmentationKey string `json:"segmentationKey"`
	PromptKey       string `json:"promptKey"`
}

// Map returns the non-empty keys by asset name.
func (k AssetKeys) Map() map[string]string {
	out := make(map[string]string, 5)
	add := func(name, key string) {
		if key != "" {
			out[name] = key
		}
	}
	add("depth", k.DepthMapKey)
	add("normals", k.NormalMapKey)
	add("pose", k.PoseMapKey)
	add("segments", k.SegmentationKey)
	add("prompt", k.PromptKey)
	return out
}

// Detail is the body of every processor event.
type Detail struct {
	SessionID       string    `json:"sessionId"`
	UserID          string    `json:"userId"`
	GuidanceAssets  AssetKeys `json:"guidanceAssets"`
	PreviewImageKey string    `json:"previewImageKey"`
	BaseImageKey    string    `json:"baseImageKey"`
	Error           string    `json:"error"`
	Progress        int       `json:"progress"`
	Timestamp       string    `json:"timestamp"`
	ProcessingStage string    `json:"processingStage"`
}

// Output converts a completion detail. Without an explicit preview the
// segmentation overlay doubles as the preview.
func (d Detail) Output() Output {
	preview := d.PreviewImageKey
	if preview == "" {
		preview = d.GuidanceAssets.SegmentationKey
	}
	return Output{
		PreviewImageRef: preview,
		BaseImageRef:    d.BaseImageKey,
		Assets:          d.GuidanceAssets.Map(),
	}
}

// HandleEvent decodes one processor event and forwards it to results.
func HandleEvent(ctx context.Context, body []byte, results Results) error {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("decode guidance envelope: %w", err)
	}
	if env.Source != EventSource {
		return fmt.Errorf("%w: source %q", ErrUnknownEvent, env.Source)
	}

	var detail Detail
	if err := json.Unmarshal(env.Detail, &detail); err != nil {
		// The processor sometimes double-encodes the detail as a JSON string.
		var raw string
		if strErr := json.Unmarshal(env.Detail, &raw); strErr != nil {
			return fmt.Errorf("decode guidance detail: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &detail); err != nil {
			return fmt.Errorf("decode guidance detail: %w", err)
		}
	}
	if strings.TrimSpace(detail.SessionID) == "" {
		return fmt.Errorf("guidance event without session id")
	}

	switch env.DetailType {
	case DetailAssetsReady:
		return results.GuidanceCompleted(ctx, detail.SessionID, detail.Output())
	case DetailFailed:
		reason := detail.Error
		if reason == "" {
			reason = "guidance processing failed"
		}
		return results.GuidanceFailed(ctx, detail.SessionID, reason)
	case DetailProgress:
		return results.ReportProgress(ctx, detail.SessionID, models.StatusProcessingGuidance, detail.Progress)
	default:
		return fmt.Errorf("%w: detail-type %q", ErrUnknownEvent, env.DetailType)
	}
}

// NewAssetsReadyEvent builds a completion envelope. Used by the local
// processor stub and tests.
func NewAssetsReadyEvent(sessionID, userID, previewKey string, assets AssetKeys, at time.Time) ([]byte, error) {
	return newEvent(DetailAssetsReady, Detail{
		SessionID:       sessionID,
		UserID:          userID,
		GuidanceAssets:  assets,
		PreviewImageKey: previewKey,
		Timestamp:       at.UTC().Format(time.RFC3339),
		ProcessingStage: "smpl-complete",
	})
}

// NewFailedEvent builds a failure envelope.
func NewFailedEvent(sessionID, userID, reason string, at time.Time) ([]byte, error) {
	return newEvent(DetailFailed, Detail{
		SessionID:       sessionID,
		UserID:          userID,
		Error:           reason,
		Timestamp:       at.UTC().Format(time.RFC3339),
		ProcessingStage: "smpl-error",
	})
}

func newEvent(detailType string, detail Detail) ([]byte, error) {
	body, err := json.Marshal(detail)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Source: EventSource, DetailType: detailType, Detail: body})
}
