package cache

import (
	"fmt"
	"sync"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/tg-gpt-bot-go/internal/config"
	"github.com/tg-gpt-bot-go/internal/models"
)

// SettingsCache is a read-through cache in front of the settings tables.
// Values are stored by value so callers never share a record.
//
// Every invalidation bumps a per-user generation. A fill carries the
// generation observed before its database read and is dropped when a write
// invalidated the user in between, so a slow reader cannot cache a record
// older than the committed one.
type SettingsCache struct {
	enabled bool
	cache   *cache.Cache
	logger  *logrus.Logger

	mu   sync.Mutex
	gens map[int64]uint64
}

// NewSettingsCache creates a settings cache
func NewSettingsCache(cfg *config.CacheConfig, logger *logrus.Logger) *SettingsCache {
	if !cfg.Enabled {
		return &SettingsCache{enabled: false}
	}

	return &SettingsCache{
		enabled: true,
		cache:   cache.New(cfg.TTL, cfg.TTL*2),
		logger:  logger,
		gens:    make(map[int64]uint64),
	}
}

func textKey(userID int64) string  { return fmt.Sprintf("text:%d", userID) }
func imageKey(userID int64) string { return fmt.Sprintf("image:%d", userID) }

// Generation returns the invalidation counter of userID; pass it to SetText or SetImage
func (c *SettingsCache) Generation(userID int64) uint64 {
	if !c.enabled {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gens[userID]
}

// Text returns a cached copy of the user's text settings
func (c *SettingsCache) Text(userID int64) (*models.TextSettings, bool) {
	if !c.enabled {
		return nil, false
	}
	val, found := c.cache.Get(textKey(userID))
	if !found {
		return nil, false
	}
	s := val.(models.TextSettings)
	if s.AssistantURL != nil {
		u := *s.AssistantURL
		s.AssistantURL = &u
	}
	c.logger.WithField("user_id", userID).Debug("Text settings cache hit")
	return &s, true
}

// SetText stores a copy of s read at generation gen. It reports false when
// the user was invalidated since, leaving the cache empty.
func (c *SettingsCache) SetText(s *models.TextSettings, gen uint64) bool {
	if !c.enabled || s == nil {
		return false
	}
	v := *s
	if v.AssistantURL != nil {
		u := *v.AssistantURL
		v.AssistantURL = &u
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[s.UserID] != gen {
		c.logger.WithField("user_id", s.UserID).Debug("Skipping fill of invalidated text settings")
		return false
	}
	c.cache.SetDefault(textKey(s.UserID), v)
	return true
}

// Image returns a cached copy of the user's image settings
func (c *SettingsCache) Image(userID int64) (*models.ImageSettings, bool) {
	if !c.enabled {
		return nil, false
	}
	val, found := c.cache.Get(imageKey(userID))
	if !found {
		return nil, false
	}
	s := val.(models.ImageSettings)
	return &s, true
}

// SetImage stores a copy of s read at generation gen
func (c *SettingsCache) SetImage(s *models.ImageSettings, gen uint64) bool {
	if !c.enabled || s == nil {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gens[s.UserID] != gen {
		c.logger.WithField("user_id", s.UserID).Debug("Skipping fill of invalidated image settings")
		return false
	}
	c.cache.SetDefault(imageKey(s.UserID), *s)
	return true
}

// Invalidate drops both records of userID and fences off reads already in flight
func (c *SettingsCache) Invalidate(userID int64) {
	if !c.enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gens[userID]++
	c.cache.Delete(textKey(userID))
	c.cache.Delete(imageKey(userID))
}
