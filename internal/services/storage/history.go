package storage

import (
	"context"
	"time"

	"github.com/tg-gpt-bot-go/internal/models"
	"gorm.io/gorm"
)

// HistoryStore is the append-only conversation log
type HistoryStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewHistoryStore(db *gorm.DB) *HistoryStore {
	return &HistoryStore{db: db, now: time.Now}
}

// Append writes entries in one transaction. Zero timestamps are stamped
// with the current time and an empty category becomes "gpt".
func (h *HistoryStore) Append(ctx context.Context, entries ...models.HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	now := h.now().UTC()
	rows := make([]models.HistoryEntry, len(entries))
	for i, e := range entries {
		e.ID = 0
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		if e.Category == "" {
			e.Category = models.CategoryGPT
		}
		rows[i] = e
	}

	err := h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&rows).Error
	})
	if err != nil {
		return persistence("append history", err)
	}
	return nil
}

// Recent returns up to limit entries of userID, newest first. An empty
// category matches every entry.
func (h *HistoryStore) Recent(ctx context.Context, userID int64, limit int, category string) ([]models.HistoryEntry, error) {
	q := h.db.WithContext(ctx).Where("user_id = ?", userID)
	if category != "" {
		q = q.Where("category = ?", category)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var out []models.HistoryEntry
	if err := q.Order("created_at DESC").Order("id DESC").Find(&out).Error; err != nil {
		return nil, persistence("list history", err)
	}
	return out, nil
}

// Clear deletes every entry of userID and returns how many were removed
func (h *HistoryStore) Clear(ctx context.Context, userID int64) (int64, error) {
	res := h.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&models.HistoryEntry{})
	if res.Error != nil {
		return 0, persistence("clear history", res.Error)
	}
	return res.RowsAffected, nil
}
