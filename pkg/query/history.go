package query

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/morphik-org/morphik-core/pkg/auth"
	"github.com/morphik-org/morphik-core/pkg/cache"
	"github.com/morphik-org/morphik-core/pkg/database"
	"github.com/morphik-org/morphik-core/pkg/models"
)

// History is the two-tier chat history service: a hot cache in front of the
// metadata store. The store is authoritative; cache eviction is never
// observable.
type History struct {
	cache  cache.Cache
	store  database.Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewHistory(c cache.Cache, store database.Store, ttl time.Duration, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{cache: c, store: store, ttl: ttl, logger: logger}
}

// Scope derives the (user_id, app_id) pair stored alongside a conversation.
// Developer tokens acting for an end user scope by that user; otherwise the
// calling entity owns the conversation.
func Scope(ac *auth.AuthContext) (userID, appID *string) {
	uid := ac.EntityID
	if ac.UserID != "" {
		uid = ac.UserID
	}
	userID = &uid
	if ac.AppID != "" {
		app := ac.AppID
		appID = &app
	}
	return userID, appID
}

// Load returns the conversation history, trying the cache first. A cache
// read error degrades to a store read; it never fails the turn.
func (h *History) Load(ctx context.Context, ac *auth.AuthContext, conversationID string) ([]models.ChatMessage, error) {
	if conversationID == "" {
		return nil, nil
	}

	key := cache.ChatKey(conversationID)
	raw, hit, err := h.cache.Get(ctx, key)
	if err != nil {
		h.logger.Warn("chat cache read failed", "conversation_id", conversationID, "error", err)
	} else if hit {
		var history []models.ChatMessage
		if err := json.Unmarshal(raw, &history); err == nil {
			return history, nil
		}
		h.logger.Warn("chat cache entry corrupt, falling back to store", "conversation_id", conversationID)
	}

	userID, appID := Scope(ac)
	history, err := h.store.GetChatHistory(ctx, conversationID, userID, appID)
	if err != nil {
		return nil, fmt.Errorf("load chat history: %w", err)
	}
	if len(history) > 0 {
		h.populate(ctx, key, history)
	}
	return history, nil
}

// Save persists the full history: write-through to the cache first, then
// upsert to the store. The store write is the one that must succeed.
func (h *History) Save(ctx context.Context, ac *auth.AuthContext, conversationID string, history []models.ChatMessage) error {
	if conversationID == "" {
		return nil
	}

	h.populate(ctx, cache.ChatKey(conversationID), history)

	userID, appID := Scope(ac)
	if err := h.store.UpsertChatHistory(ctx, conversationID, userID, appID, history); err != nil {
		return fmt.Errorf("persist chat history: %w", err)
	}
	return nil
}

func (h *History) populate(ctx context.Context, key string, history []models.ChatMessage) {
	raw, err := json.Marshal(history)
	if err != nil {
		return
	}
	if err := h.cache.Set(ctx, key, raw, h.ttl); err != nil {
		h.logger.Warn("chat cache write failed", "key", key, "error", err)
	}
}
