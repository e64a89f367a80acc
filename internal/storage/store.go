package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xaenox/tierchat/internal/models"
	"go.uber.org/zap"
)

const (
	AccountKey       = "tierchat-user"
	ConversationsKey = "tierchat-conversations"
)

// Store persists the account and the conversation list as two JSON
// records. Reads never fail: a missing or corrupt record yields the
// default value. No transaction spans the two records.
type Store struct {
	kv     KV
	logger *zap.Logger
}

func NewStore(kv KV, logger *zap.Logger) *Store {
	return &Store{kv: kv, logger: logger}
}

func (s *Store) LoadAccount(ctx context.Context) models.Account {
	data, err := s.kv.Get(ctx, AccountKey)
	if err != nil {
		s.logger.Warn("Failed to read account, using defaults", zap.Error(err))
		return models.DefaultAccount()
	}
	if data == nil {
		return models.DefaultAccount()
	}

	var acc models.Account
	if err := json.Unmarshal(data, &acc); err != nil {
		s.logger.Warn("Corrupt account record, using defaults", zap.Error(err))
		return models.DefaultAccount()
	}
	if !acc.Tier.Valid() || acc.ImagesUsed < 0 {
		s.logger.Warn("Invalid account record, using defaults",
			zap.String("tier", string(acc.Tier)),
			zap.Int("images_used", acc.ImagesUsed))
		return models.DefaultAccount()
	}
	return acc
}

func (s *Store) SaveAccount(ctx context.Context, acc models.Account) error {
	data, err := json.Marshal(acc)
	if err != nil {
		return fmt.Errorf("failed to encode account: %w", err)
	}
	if err := s.kv.Set(ctx, AccountKey, data); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (s *Store) LoadConversations(ctx context.Context) []models.Conversation {
	data, err := s.kv.Get(ctx, ConversationsKey)
	if err != nil {
		s.logger.Warn("Failed to read conversations, starting empty", zap.Error(err))
		return []models.Conversation{}
	}
	if data == nil {
		return []models.Conversation{}
	}

	var convs []models.Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		s.logger.Warn("Corrupt conversations record, starting empty", zap.Error(err))
		return []models.Conversation{}
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	return convs
}

func (s *Store) GetConversation(ctx context.Context, id string) (models.Conversation, bool) {
	for _, c := range s.LoadConversations(ctx) {
		if c.ID == id {
			return c, true
		}
	}
	return models.Conversation{}, false
}

// UpsertConversation replaces the conversation with a matching ID or
// appends it. Concurrent writers race; the last one wins.
func (s *Store) UpsertConversation(ctx context.Context, conv models.Conversation) error {
	convs := s.LoadConversations(ctx)

	replaced := false
	for i := range convs {
		if convs[i].ID == conv.ID {
			convs[i] = conv
			replaced = true
			break
		}
	}
	if !replaced {
		convs = append(convs, conv)
	}

	return s.saveConversations(ctx, convs)
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	convs := s.LoadConversations(ctx)

	filtered := make([]models.Conversation, 0, len(convs))
	for _, c := range convs {
		if c.ID != id {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == len(convs) {
		return nil
	}

	return s.saveConversations(ctx, filtered)
}

func (s *Store) saveConversations(ctx context.Context, convs []models.Conversation) error {
	data, err := json.Marshal(convs)
	if err != nil {
		return fmt.Errorf("failed to encode conversations: %w", err)
	}
	if err := s.kv.Set(ctx, ConversationsKey, data); err != nil {
		return fmt.Errorf("failed to save conversations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.kv.Close()
}
