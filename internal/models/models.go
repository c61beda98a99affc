package models

import (
	"fmt"
	"strings"
	"time"
)

// Quality selects the render tier. Each tier carries its own credit cost.
type Quality string

const (
	QualityStandard Quality = "standard"
	QualityHD       Quality = "hd"
	QualityUltra    Quality = "ultra"
)

// ParseQuality converts user input into a known tier.
func ParseQuality(value string) (Quality, error) {
	switch q := Quality(strings.ToLower(strings.TrimSpace(value))); q {
	case QualityStandard, QualityHD, QualityUltra:
		return q, nil
	case "high-definition", "high_definition":
		return QualityHD, nil
	default:
		return "", fmt.Errorf("unknown quality %q", value)
	}
}

// Rank orders tiers from cheapest to most expensive.
func (q Quality) Rank() int {
	switch q {
	case QualityStandard:
		return 1
	case QualityHD:
		return 2
	case QualityUltra:
		return 3
	default:
		return 0
	}
}

// SceneCustom is the background selector that requires free-form text.
const SceneCustom = "custom"

// DefaultScene is used when the caller does not pick a background.
const DefaultScene = "studio"

// SubjectKind distinguishes the two possible session inputs.
type SubjectKind string

const (
	SubjectAvatar SubjectKind = "avatar"
	SubjectPhoto  SubjectKind = "photo"
)

// Subject is the person being dressed: exactly one avatar or one photo.
type Subject struct {
	Kind SubjectKind `json:"kind"`
	ID   string      `json:"id"`
}

// Session is one billable try-on run.
type Session struct {
	ID                  string            `json:"id"`
	OwnerID             string            `json:"ownerId"`
	OrganizationID      string            `json:"organizationId,omitempty"`
	ExternalCustomerID  string            `json:"externalCustomerId,omitempty"`
	Subject             Subject           `json:"subject"`
	GarmentIDs          []string          `json:"garmentIds"`
	OverlayGarmentIDs   []string          `json:"overlayGarmentIds"`
	Quality             Quality           `json:"quality"`
	Scene               string            `json:"scene"`
	CustomBackground    string            `json:"customBackground,omitempty"`
	RequireConfirmation bool              `json:"requireConfirmation"`
	Status              Status            `json:"status"`
	Progress            int               `json:"progress"`
	PreviewExpiresAt    *time.Time        `json:"previewExpiresAt,omitempty"`
	BaseImageRef        string            `json:"baseImageRef,omitempty"`
	PreviewImageRef     string            `json:"previewImageRef,omitempty"`
	GuidanceRefs        map[string]string `json:"guidanceRefs,omitempty"`
	RenderedImageRef    string            `json:"renderedImageRef,omitempty"`
	CreditsCharged      int64             `json:"creditsCharged"`
	UpgradeCharged      int64             `json:"upgradeCharged"`
	CreditsRefunded     int64             `json:"creditsRefunded"`
	QuotaFunded         bool              `json:"quotaFunded"`
	QuotaRestored       bool              `json:"quotaRestored"`
	UpgradedToAIOnly    bool              `json:"upgradedToAiOnly"`
	FailureReason       string            `json:"failureReason,omitempty"`
	CreatedAt           time.Time         `json:"createdAt"`
	UpdatedAt           time.Time         `json:"updatedAt"`
	CompletedAt         *time.Time        `json:"completedAt,omitempty"`
}

// AccountID returns the ledger account that pays for the session.
func (s Session) AccountID() string {
	if s.OrganizationID != "" {
		return s.OrganizationID
	}
	return s.OwnerID
}

// PromptOnlyGarmentIDs returns the garments that are not applied as overlays,
// preserving the order of GarmentIDs.
func (s Session) PromptOnlyGarmentIDs() []string {
	overlay := make(map[string]struct{}, len(s.OverlayGarmentIDs))
	for _, id := range s.OverlayGarmentIDs {
		overlay[id] = struct{}{}
	}
	var out []string
	for _, id := range s.GarmentIDs {
		if _, ok := overlay[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

// RefundableCredits is the raw credit amount returned when the session is
// refunded. Quota-funded sessions only get their surcharge back in credits.
func (s Session) RefundableCredits() int64 {
	if s.QuotaFunded {
		return s.UpgradeCharged
	}
	return s.CreditsCharged + s.UpgradeCharged
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (s Session) Clone() Session {
	out := s
	out.GarmentIDs = append([]string(nil), s.GarmentIDs...)
	out.OverlayGarmentIDs = append([]string(nil), s.OverlayGarmentIDs...)
	if s.GuidanceRefs != nil {
		out.GuidanceRefs = make(map[string]string, len(s.GuidanceRefs))
		for k, v := range s.GuidanceRefs {
			out.GuidanceRefs[k] = v
		}
	}
	if s.PreviewExpiresAt != nil {
		t := *s.PreviewExpiresAt
		out.PreviewExpiresAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// CreditAccount holds the spendable balance of a user or organization.
type CreditAccount struct {
	ID         string    `json:"id"`
	Balance    int64     `json:"balance"`
	QuotaUsed  int       `json:"quotaUsed"`
	QuotaLimit int       `json:"quotaLimit"`
	QuotaTier  Quality   `json:"quotaTier,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// QuotaCovers reports whether a subscription unit can pay for the tier.
func (a CreditAccount) QuotaCovers(tier Quality) bool {
	if a.QuotaLimit <= 0 || a.QuotaUsed >= a.QuotaLimit {
		return false
	}
	return a.QuotaTier.Rank() >= tier.Rank()
}

// Reservation records what a successful ledger reserve consumed.
type Reservation struct {
	AccountID  string  `json:"accountId"`
	Key        string  `json:"key"`
	Tier       Quality `json:"tier,omitempty"`
	Credits    int64   `json:"credits"`
	QuotaUnits int     `json:"quotaUnits"`
}

// QuotaFunded reports whether a subscription unit paid for the reservation.
func (r Reservation) QuotaFunded() bool {
	return r.QuotaUnits > 0
}

// ReconciliationEntry is a compensating action that failed and needs a retry
// or a human.
type ReconciliationEntry struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"sessionId"`
	AccountID      string     `json:"accountId"`
	ReservationKey string     `json:"reservationKey"`
	Credits        int64      `json:"credits"`
	QuotaUnits     int        `json:"quotaUnits"`
	Reason         string     `json:"reason"`
	Attempts       int        `json:"attempts"`
	CreatedAt      time.Time  `json:"createdAt"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
}
