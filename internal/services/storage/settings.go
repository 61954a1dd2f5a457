package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tg-gpt-bot-go/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrPersistence marks failures of the underlying database
var ErrPersistence = errors.New("persistence failure")

func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

// SettingsStore keeps one text and one image settings record per user
type SettingsStore struct {
	db       *gorm.DB
	endpoint string
}

// NewSettingsStore creates a store; endpoint seeds the endpoint_url of new records
func NewSettingsStore(db *gorm.DB, endpoint string) *SettingsStore {
	return &SettingsStore{db: db, endpoint: endpoint}
}

// GetOrCreateText returns the user's text settings, inserting defaults on first access
func (s *SettingsStore) GetOrCreateText(ctx context.Context, userID int64) (*models.TextSettings, error) {
	out, err := s.textTx(s.db.WithContext(ctx), userID)
	if err != nil {
		return nil, persistence("get text settings", err)
	}
	return out, nil
}

// GetOrCreateImage returns the user's image settings, inserting defaults on first access
func (s *SettingsStore) GetOrCreateImage(ctx context.Context, userID int64) (*models.ImageSettings, error) {
	out, err := s.imageTx(s.db.WithContext(ctx), userID)
	if err != nil {
		return nil, persistence("get image settings", err)
	}
	return out, nil
}

func (s *SettingsStore) textTx(tx *gorm.DB, userID int64) (*models.TextSettings, error) {
	var out models.TextSettings
	err := tx.First(&out, "user_id = ?", userID).Error
	if err == nil {
		return &out, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	def := models.DefaultTextSettings(userID, s.endpoint)
	// A concurrent first access may have inserted the row already.
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&def).Error; err != nil {
		return nil, err
	}
	if err := tx.First(&out, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SettingsStore) imageTx(tx *gorm.DB, userID int64) (*models.ImageSettings, error) {
	var out models.ImageSettings
	err := tx.First(&out, "user_id = ?", userID).Error
	if err == nil {
		return &out, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	def := models.DefaultImageSettings(userID, s.endpoint)
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&def).Error; err != nil {
		return nil, err
	}
	if err := tx.First(&out, "user_id = ?", userID).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateText applies patch atomically. A *models.ValidationError leaves the
// stored record untouched.
func (s *SettingsStore) UpdateText(ctx context.Context, userID int64, patch models.TextPatch) (*models.TextSettings, error) {
	var next models.TextSettings
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := s.textTx(tx, userID)
		if err != nil {
			return err
		}
		next = *cur
		patch.Apply(&next)
		if err := next.Validate(); err != nil {
			return err
		}
		return tx.Save(&next).Error
	})
	if err != nil {
		return nil, classify("update text settings", err)
	}
	return &next, nil
}

// UpdateImage applies patch atomically
func (s *SettingsStore) UpdateImage(ctx context.Context, userID int64, patch models.ImagePatch) (*models.ImageSettings, error) {
	var next models.ImageSettings
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cur, err := s.imageTx(tx, userID)
		if err != nil {
			return err
		}
		next = *cur
		patch.Apply(&next)
		if err := next.Validate(); err != nil {
			return err
		}
		return tx.Save(&next).Error
	})
	if err != nil {
		return nil, classify("update image settings", err)
	}
	return &next, nil
}

// ExportAll serializes both records. A record the user never created exports as null.
func (s *SettingsStore) ExportAll(ctx context.Context, userID int64) ([]byte, error) {
	var doc models.SettingsDocument
	db := s.db.WithContext(ctx)

	var text models.TextSettings
	switch err := db.First(&text, "user_id = ?", userID).Error; {
	case err == nil:
		doc.TextSettings = &text
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, persistence("export text settings", err)
	}

	var image models.ImageSettings
	switch err := db.First(&image, "user_id = ?", userID).Error; {
	case err == nil:
		doc.ImageSettings = &image
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, persistence("export image settings", err)
	}

	return json.MarshalIndent(doc, "", "  ")
}

// ImportAll merges payload over the user's current records. Unknown keys are
// ignored, missing keys keep their current value, and nothing is written
// unless every field of both records validates.
func (s *SettingsStore) ImportAll(ctx context.Context, userID int64, payload []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return &models.ValidationError{Field: "document", Reason: "not a JSON object"}
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var text *models.TextSettings
		if section, ok := raw["text_settings"]; ok && !isNull(section) {
			cur, err := s.textTx(tx, userID)
			if err != nil {
				return err
			}
			if err := decodeSection("text_settings", section, cur); err != nil {
				return err
			}
			cur.UserID = userID
			cur.Normalize()
			if err := cur.Validate(); err != nil {
				return err
			}
			text = cur
		}

		var image *models.ImageSettings
		if section, ok := raw["image_settings"]; ok && !isNull(section) {
			cur, err := s.imageTx(tx, userID)
			if err != nil {
				return err
			}
			if err := decodeSection("image_settings", section, cur); err != nil {
				return err
			}
			cur.UserID = userID
			if err := cur.Validate(); err != nil {
				return err
			}
			image = cur
		}

		if text != nil {
			if err := upsert(tx, text); err != nil {
				return err
			}
		}
		if image != nil {
			if err := upsert(tx, image); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return classify("import settings", err)
	}
	return nil
}

func upsert(tx *gorm.DB, record interface{}) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(record).Error
}

func decodeSection(field string, section json.RawMessage, into interface{}) error {
	if err := json.Unmarshal(section, into); err != nil {
		return &models.ValidationError{Field: field, Reason: err.Error()}
	}
	return nil
}

func isNull(m json.RawMessage) bool {
	return string(m) == "null"
}

// classify passes validation errors through and marks everything else as persistence
func classify(op string, err error) error {
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		return verr
	}
	return persistence(op, err)
}
