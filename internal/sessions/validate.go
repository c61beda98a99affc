package sessions

import (
	"strings"

	"github.com/garmaxai/backend/internal/models"
)

// NewSubject builds the session subject from the two mutually exclusive inputs.
func NewSubject(avatarID, photoID string) (models.Subject, error) {
	avatarID = strings.TrimSpace(avatarID)
	photoID = strings.TrimSpace(photoID)
	switch {
	case avatarID != "" && photoID != "":
		return models.Subject{}, invalid("subject", "provide either avatarId or photoId, not both")
	case avatarID != "":
		return models.Subject{Kind: models.SubjectAvatar, ID: avatarID}, nil
	case photoID != "":
		return models.Subject{Kind: models.SubjectPhoto, ID: photoID}, nil
	default:
		return models.Subject{}, invalid("subject", "avatarId or photoId is required")
	}
}

// ValidateNew checks the inputs of a session that is about to be persisted.
func ValidateNew(s models.Session) error {
	if strings.TrimSpace(s.ID) == "" {
		return invalid("id", "is required")
	}
	if strings.TrimSpace(s.OwnerID) == "" {
		return invalid("ownerId", "is required")
	}

	switch s.Subject.Kind {
	case models.SubjectAvatar, models.SubjectPhoto:
	default:
		return invalid("subject", "avatarId or photoId is required")
	}
	if strings.TrimSpace(s.Subject.ID) == "" {
		return invalid("subject", "reference is empty")
	}

	if len(s.GarmentIDs) == 0 {
		return invalid("garmentIds", "at least one garment is required")
	}
	seen := make(map[string]struct{}, len(s.GarmentIDs))
	for _, id := range s.GarmentIDs {
		if strings.TrimSpace(id) == "" {
			return invalid("garmentIds", "garment id is empty")
		}
		if _, dup := seen[id]; dup {
			return invalid("garmentIds", "garment "+id+" listed twice")
		}
		seen[id] = struct{}{}
	}
	for _, id := range s.OverlayGarmentIDs {
		if _, ok := seen[id]; !ok {
			return invalid("overlayGarmentIds", "garment "+id+" is not part of garmentIds")
		}
	}

	if s.Quality.Rank() == 0 {
		return invalid("quality", "must be one of standard, hd, ultra")
	}

	custom := strings.TrimSpace(s.CustomBackground) != ""
	if s.Scene == models.SceneCustom && !custom {
		return invalid("customBackground", "is required when scene is custom")
	}
	if s.Scene != models.SceneCustom && custom {
		return invalid("customBackground", "is only allowed when scene is custom")
	}
	return nil
}
