package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/tierchat/internal/models"
	"github.com/xaenox/tierchat/internal/tier"
	"go.uber.org/zap"
)

type failingKV struct{}

func (failingKV) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}
func (failingKV) Set(ctx context.Context, key string, value []byte) error {
	return errors.New("disk on fire")
}
func (failingKV) Delete(ctx context.Context, key string) error { return errors.New("disk on fire") }
func (failingKV) Close() error                                 { return nil }

func newTestStore(t *testing.T) (*Store, *MemoryKV) {
	t.Helper()
	kv := NewMemoryKV()
	return NewStore(kv, zap.NewNop()), kv
}

func TestLoadAccount_EmptyStoreReturnsDefault(t *testing.T) {
	s, _ := newTestStore(t)

	acc := s.LoadAccount(context.Background())
	assert.Equal(t, tier.Free, acc.Tier)
	assert.Equal(t, 0, acc.ImagesUsed)
	assert.Nil(t, acc.LastPurchase)
}

func TestLoadAccount_CorruptRecordIsHealed(t *testing.T) {
	ctx := context.Background()
	for _, raw := range []string{"{not json", `{"tier":"gold"}`, `{"tier":"pro","images_used":-3}`, `[]`} {
		s, kv := newTestStore(t)
		require.NoError(t, kv.Set(ctx, AccountKey, []byte(raw)))

		acc := s.LoadAccount(ctx)
		assert.Equal(t, models.DefaultAccount(), acc, "record %q", raw)
	}
}

func TestLoadAccount_ReadErrorReturnsDefault(t *testing.T) {
	s := NewStore(failingKV{}, zap.NewNop())
	assert.Equal(t, models.DefaultAccount(), s.LoadAccount(context.Background()))
	assert.Empty(t, s.LoadConversations(context.Background()))
}

func TestSaveAccount_Overwrites(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	bought := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveAccount(ctx, models.Account{Tier: tier.Pro, ImagesUsed: 7, LastPurchase: &bought}))
	require.NoError(t, s.SaveAccount(ctx, models.Account{Tier: tier.Max, ImagesUsed: 1}))

	acc := s.LoadAccount(ctx)
	assert.Equal(t, tier.Max, acc.Tier)
	assert.Equal(t, 1, acc.ImagesUsed)
	assert.Nil(t, acc.LastPurchase)
}

func TestSaveAccount_WriteErrorIsReturned(t *testing.T) {
	s := NewStore(failingKV{}, zap.NewNop())
	err := s.SaveAccount(context.Background(), models.DefaultAccount())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save account")
}

func TestLoadConversations_CorruptRecordIsHealed(t *testing.T) {
	s, kv := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, ConversationsKey, []byte("}}")))

	convs := s.LoadConversations(ctx)
	assert.NotNil(t, convs)
	assert.Empty(t, convs)
}

func TestConversationRoundTrip_PreservesOrder(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

	conv := models.Conversation{ID: "c1", Title: "Chat", CreatedAt: start, UpdatedAt: start}
	const n = 12
	for i := 0; i < n; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		conv.Append(models.Message{
			ID:        fmt.Sprintf("m%d", i),
			Role:      role,
			Content:   fmt.Sprintf("message %d", i),
			Timestamp: start.Add(time.Duration(i) * time.Minute),
		}, start.Add(time.Duration(i)*time.Minute))
	}
	conv.Messages[0].Images = []string{"aGVsbG8="}

	require.NoError(t, s.UpsertConversation(ctx, conv))

	loaded, ok := s.GetConversation(ctx, "c1")
	require.True(t, ok)
	require.Len(t, loaded.Messages, n)
	for i, m := range loaded.Messages {
		assert.Equal(t, conv.Messages[i], m)
	}
	assert.Equal(t, conv, loaded)
}

func TestUpsertConversation_ReplacesOrAppends(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertConversation(ctx, models.Conversation{ID: "a", Title: "first"}))
	require.NoError(t, s.UpsertConversation(ctx, models.Conversation{ID: "b", Title: "second"}))
	require.NoError(t, s.UpsertConversation(ctx, models.Conversation{ID: "a", Title: "renamed"}))

	convs := s.LoadConversations(ctx)
	require.Len(t, convs, 2)
	assert.Equal(t, "a", convs[0].ID)
	assert.Equal(t, "renamed", convs[0].Title)
	assert.Equal(t, "b", convs[1].ID)
}

func TestDeleteConversation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertConversation(ctx, models.Conversation{ID: "a"}))
	require.NoError(t, s.UpsertConversation(ctx, models.Conversation{ID: "b"}))

	require.NoError(t, s.DeleteConversation(ctx, "a"))
	require.NoError(t, s.DeleteConversation(ctx, "missing"))

	convs := s.LoadConversations(ctx)
	require.Len(t, convs, 1)
	assert.Equal(t, "b", convs[0].ID)

	_, ok := s.GetConversation(ctx, "a")
	assert.False(t, ok)
}
