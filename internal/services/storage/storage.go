package storage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-gpt-bot-go/internal/models"
	"github.com/tg-gpt-bot-go/internal/services/cache"
	"gorm.io/gorm"
)

// Recorder receives storage timings; *middleware.Metrics satisfies it
type Recorder interface {
	RecordStorageOperation(operation, status string, duration time.Duration)
}

// Manager fronts the settings and history stores with a settings cache
type Manager struct {
	settings *SettingsStore
	history  *HistoryStore
	cache    *cache.SettingsCache
	recorder Recorder
	logger   *logrus.Logger
}

// NewManager creates a storage manager over db. recorder may be nil.
func NewManager(db *gorm.DB, endpoint string, settingsCache *cache.SettingsCache, recorder Recorder, logger *logrus.Logger) *Manager {
	return &Manager{
		settings: NewSettingsStore(db, endpoint),
		history:  NewHistoryStore(db),
		cache:    settingsCache,
		recorder: recorder,
		logger:   logger,
	}
}

func (m *Manager) observe(op string, start time.Time, err error) {
	if m.recorder == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.recorder.RecordStorageOperation(op, status, time.Since(start))
}

// GetText returns the user's text settings, creating defaults on first access
func (m *Manager) GetText(ctx context.Context, userID int64) (*models.TextSettings, error) {
	if s, ok := m.cache.Text(userID); ok {
		return s, nil
	}
	gen := m.cache.Generation(userID)
	start := time.Now()
	out, err := m.settings.GetOrCreateText(ctx, userID)
	m.observe("get_text", start, err)
	if err != nil {
		return nil, err
	}
	m.cache.SetText(out, gen)
	return out, nil
}

// GetImage returns the user's image settings, creating defaults on first access
func (m *Manager) GetImage(ctx context.Context, userID int64) (*models.ImageSettings, error) {
	if s, ok := m.cache.Image(userID); ok {
		return s, nil
	}
	gen := m.cache.Generation(userID)
	start := time.Now()
	out, err := m.settings.GetOrCreateImage(ctx, userID)
	m.observe("get_image", start, err)
	if err != nil {
		return nil, err
	}
	m.cache.SetImage(out, gen)
	return out, nil
}

// UpdateText applies patch and invalidates the cache once the write has committed
func (m *Manager) UpdateText(ctx context.Context, userID int64, patch models.TextPatch) (*models.TextSettings, error) {
	start := time.Now()
	out, err := m.settings.UpdateText(ctx, userID, patch)
	m.observe("update_text", start, err)
	m.cache.Invalidate(userID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateImage applies patch and invalidates the cache once the write has committed
func (m *Manager) UpdateImage(ctx context.Context, userID int64, patch models.ImagePatch) (*models.ImageSettings, error) {
	start := time.Now()
	out, err := m.settings.UpdateImage(ctx, userID, patch)
	m.observe("update_image", start, err)
	m.cache.Invalidate(userID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExportSettings serializes both settings records of userID
func (m *Manager) ExportSettings(ctx context.Context, userID int64) ([]byte, error) {
	start := time.Now()
	out, err := m.settings.ExportAll(ctx, userID)
	m.observe("export", start, err)
	return out, err
}

// ImportSettings validates and stores payload for userID
func (m *Manager) ImportSettings(ctx context.Context, userID int64, payload []byte) error {
	start := time.Now()
	err := m.settings.ImportAll(ctx, userID, payload)
	m.observe("import", start, err)
	m.cache.Invalidate(userID)
	return err
}

// AppendExchange records a prompt and its answer under category
func (m *Manager) AppendExchange(ctx context.Context, userID int64, prompt, answer, category string) error {
	start := time.Now()
	now := time.Now().UTC()
	err := m.history.Append(ctx,
		models.HistoryEntry{UserID: userID, Text: prompt, Role: models.RoleUser, Category: category, Timestamp: now},
		models.HistoryEntry{UserID: userID, Text: answer, Role: models.RoleAssistant, Category: category, Timestamp: now},
	)
	m.observe("append_history", start, err)
	return err
}

// RecentHistory returns up to limit entries of userID, newest first
func (m *Manager) RecentHistory(ctx context.Context, userID int64, limit int, category string) ([]models.HistoryEntry, error) {
	start := time.Now()
	out, err := m.history.Recent(ctx, userID, limit, category)
	m.observe("list_history", start, err)
	return out, err
}

// ClearHistory removes every history entry of userID
func (m *Manager) ClearHistory(ctx context.Context, userID int64) (int64, error) {
	start := time.Now()
	n, err := m.history.Clear(ctx, userID)
	m.observe("clear_history", start, err)
	if err == nil {
		m.logger.WithFields(logrus.Fields{"user_id": userID, "deleted": n}).Info("History cleared")
	}
	return n, err
}
