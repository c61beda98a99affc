package guidance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/garmaxai/backend/internal/models"
)

type resultsStub struct {
	completed map[string]Output
	failed    map[string]string
	progress  map[string]int
	err       error
}

func newResultsStub() *resultsStub {
	return &resultsStub{completed: map[string]Output{}, failed: map[string]string{}, progress: map[string]int{}}
}

func (r *resultsStub) GuidanceCompleted(_ context.Context, id string, out Output) error {
	r.completed[id] = out
	return r.err
}

func (r *resultsStub) GuidanceFailed(_ context.Context, id, reason string) error {
	r.failed[id] = reason
	return r.err
}

func (r *resultsStub) ReportProgress(_ context.Context, id string, _ models.Status, progress int) error {
	r.progress[id] = progress
	return r.err
}

func TestHandleEventAssetsReady(t *testing.T) {
	body, err := NewAssetsReadyEvent("s1", "user-1", "previews/s1.png", AssetKeys{
		DepthMapKey:     "guidance/s1/depth.png",
		PoseMapKey:      "guidance/s1/pose.png",
		SegmentationKey: "guidance/s1/segments.png",
	}, time.Now())
	if err != nil {
		t.Fatalf("build event: %v", err)
	}

	results := newResultsStub()
	if err := HandleEvent(context.Background(), body, results); err != nil {
		t.Fatalf("handle: %v", err)
	}
	out, ok := results.completed["s1"]
	if !ok {
		t.Fatal("expected completion")
	}
	if out.PreviewImageRef != "previews/s1.png" {
		t.Fatalf("unexpected preview %q", out.PreviewImageRef)
	}
	if len(out.Assets) != 3 || out.Assets["depth"] != "guidance/s1/depth.png" {
		t.Fatalf("unexpected assets %+v", out.Assets)
	}
}

func TestHandleEventDoubleEncodedDetail(t *testing.T) {
	detail, _ := json.Marshal(map[string]any{
		"sessionId": "s1",
		"userId":    "user-1",
		"guidanceAssets": map[string]string{
			"segmentationKey": "guidance/s1/segments.png",
		},
	})
	detailString, _ := json.Marshal(string(detail))
	body, _ := json.Marshal(map[string]any{
		"source":      EventSource,
		"detail-type": DetailAssetsReady,
		"detail":      json.RawMessage(detailString),
	})

	results := newResultsStub()
	if err := HandleEvent(context.Background(), body, results); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got := results.completed["s1"].PreviewImageRef; got != "guidance/s1/segments.png" {
		t.Fatalf("expected segmentation fallback preview got %q", got)
	}
}

func TestHandleEventFailure(t *testing.T) {
	body, _ := NewFailedEvent("s1", "user-1", "no person detected", time.Now())
	results := newResultsStub()
	if err := HandleEvent(context.Background(), body, results); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if results.failed["s1"] != "no person detected" {
		t.Fatalf("unexpected failure reason %q", results.failed["s1"])
	}
}

func TestHandleEventProgress(t *testing.T) {
	body, _ := newEvent(DetailProgress, Detail{SessionID: "s1", Progress: 40})
	results := newResultsStub()
	if err := HandleEvent(context.Background(), body, results); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if results.progress["s1"] != 40 {
		t.Fatalf("expected progress 40 got %d", results.progress["s1"])
	}
}

func TestHandleEventRejectsUnknown(t *testing.T) {
	results := newResultsStub()

	foreign, _ := json.Marshal(Envelope{Source: "someone-else", DetailType: DetailAssetsReady, Detail: json.RawMessage(`{"sessionId":"s1"}`)})
	if err := HandleEvent(context.Background(), foreign, results); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected unknown event for foreign source got %v", err)
	}

	odd, _ := newEvent("Mesh Exported", Detail{SessionID: "s1"})
	if err := HandleEvent(context.Background(), odd, results); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected unknown event for detail type got %v", err)
	}

	noSession, _ := newEvent(DetailFailed, Detail{})
	if err := HandleEvent(context.Background(), noSession, results); err == nil {
		t.Fatal("expected error for event without session id")
	}
}

func TestHandleEventPropagatesResultErrors(t *testing.T) {
	body, _ := NewFailedEvent("s1", "user-1", "boom", time.Now())
	results := newResultsStub()
	results.err = errors.New("store unavailable")
	if err := HandleEvent(context.Background(), body, results); err == nil {
		t.Fatal("expected results error to propagate")
	}
}
