// Package session owns the active conversation and drives one streamed
// turn at a time against the completion provider.
//
// A Session is in one of three states:
//
//	Idle      - no active conversation
//	Ready     - active conversation, nothing in flight
//	Streaming - an outbound turn (text or voice) is in flight
//
// Every failure returns the session to Ready (or leaves it Idle); nothing
// is fatal.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/tierchat/internal/billing"
	"github.com/xaenox/tierchat/internal/classifier"
	"github.com/xaenox/tierchat/internal/completion"
	"github.com/xaenox/tierchat/internal/models"
	"github.com/xaenox/tierchat/internal/tier"
	"go.uber.org/zap"
)

// UsagePeriod is the length of one image-usage period.
const UsagePeriod = 30 * 24 * time.Hour

const DefaultSystemPrompt = "You are a highly intelligent AI assistant."

var (
	ErrBusy                = errors.New("a response is already in progress")
	ErrConversationCreated = errors.New("no active conversation: a new one was started, send again")
	ErrNotFound            = errors.New("conversation not found")
	ErrQuotaExceeded       = errors.New("image quota exceeded")
	ErrEmptyMessage        = errors.New("message is empty")
	ErrNoVerifier          = errors.New("payment verification is not configured")
)

type State int

const (
	Idle State = iota
	Ready
	Streaming
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Streaming:
		return "streaming"
	default:
		return "idle"
	}
}

// TurnError reports a streamed turn that failed after the user message
// was committed. The partial response has been discarded.
type TurnError struct {
	ConversationID string
	Err            error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("response failed: %v", e.Err)
}

func (e *TurnError) Unwrap() error {
	return e.Err
}

// Completer is the remote model surface a session needs.
type Completer interface {
	StreamCompletion(ctx context.Context, transcript []models.Message, t tier.Tier, images []string) (completion.Stream, error)
	TranscribeAudio(ctx context.Context, filename string, audio io.Reader) (string, error)
	GenerateImage(ctx context.Context, prompt string) (string, error)
}

// Store is the persistence surface a session needs.
type Store interface {
	LoadAccount(ctx context.Context) models.Account
	SaveAccount(ctx context.Context, acc models.Account) error
	LoadConversations(ctx context.Context) []models.Conversation
	GetConversation(ctx context.Context, id string) (models.Conversation, bool)
	UpsertConversation(ctx context.Context, conv models.Conversation) error
	DeleteConversation(ctx context.Context, id string) error
}

// UpdateFunc receives each fragment as it arrives together with the
// response accumulated so far.
type UpdateFunc func(fragment, partial string)

type Session struct {
	store        Store
	completer    Completer
	titler       classifier.Titler
	verifier     billing.Verifier
	logger       *zap.Logger
	now          func() time.Time
	systemPrompt string

	mu      sync.Mutex
	state   State
	active  models.Conversation
	account models.Account
	staged  []string
}

type Option func(*Session)

func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithTitler(t classifier.Titler) Option {
	return func(s *Session) { s.titler = t }
}

func WithVerifier(v billing.Verifier) Option {
	return func(s *Session) { s.verifier = v }
}

func WithSystemPrompt(prompt string) Option {
	return func(s *Session) { s.systemPrompt = prompt }
}

// New loads the persisted account and returns an Idle session.
func New(ctx context.Context, store Store, completer Completer, logger *zap.Logger, opts ...Option) *Session {
	s := &Session{
		store:        store,
		completer:    completer,
		logger:       logger,
		now:          time.Now,
		systemPrompt: DefaultSystemPrompt,
		state:        Idle,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.account = store.LoadAccount(ctx)
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Active returns a copy of the active conversation.
func (s *Session) Active() (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Idle {
		return models.Conversation{}, false
	}
	return s.active.Clone(), true
}

func (s *Session) Account() models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// Conversations lists stored conversations, most recently updated first.
func (s *Session) Conversations(ctx context.Context) []models.Conversation {
	convs := s.store.LoadConversations(ctx)
	slices.SortStableFunc(convs, func(a, b models.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return convs
}

// NewConversation starts an empty conversation, makes it active and
// clears staged images.
func (s *Session) NewConversation(ctx context.Context) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Streaming {
		return models.Conversation{}, ErrBusy
	}
	return s.newConversationLocked(ctx), nil
}

func (s *Session) newConversationLocked(ctx context.Context) models.Conversation {
	now := s.now()
	conv := models.Conversation{
		ID:        uuid.New().String(),
		Title:     defaultTitle(now),
		Messages:  []models.Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertConversation(ctx, conv); err != nil {
		s.logger.Error("Failed to persist new conversation",
			zap.Error(err),
			zap.String("conversation_id", conv.ID))
	}

	s.active = conv
	s.staged = nil
	s.state = Ready

	s.logger.Info("Started conversation", zap.String("conversation_id", conv.ID))
	return conv.Clone()
}

func defaultTitle(now time.Time) string {
	return "Chat " + now.Format("2006-01-02 15:04")
}

func (s *Session) Open(ctx context.Context, id string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Streaming {
		return models.Conversation{}, ErrBusy
	}
	conv, ok := s.store.GetConversation(ctx, id)
	if !ok {
		return models.Conversation{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	s.active = conv
	s.state = Ready
	return conv.Clone(), nil
}

// Delete removes a conversation. Deleting the active one leaves the
// session Idle.
func (s *Session) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	isActive := s.state != Idle && s.active.ID == id
	if isActive && s.state == Streaming {
		return ErrBusy
	}
	if err := s.store.DeleteConversation(ctx, id); err != nil {
		return err
	}
	if isActive {
		s.active = models.Conversation{}
		s.state = Idle
	}
	return nil
}

// SendMessage runs one turn: it commits the user message (with any staged
// images), streams the reply through onUpdate and commits the assistant
// message when the stream completes.
//
// With no active conversation it starts one and returns
// ErrConversationCreated without sending; the caller sends again.
func (s *Session) SendMessage(ctx context.Context, text string, onUpdate UpdateFunc) (models.Message, error) {
	s.mu.Lock()
	switch s.state {
	case Streaming:
		s.mu.Unlock()
		return models.Message{}, ErrBusy
	case Idle:
		s.newConversationLocked(ctx)
		s.mu.Unlock()
		return models.Message{}, ErrConversationCreated
	}
	if strings.TrimSpace(text) == "" && len(s.staged) == 0 {
		s.mu.Unlock()
		return models.Message{}, ErrEmptyMessage
	}
	s.state = Streaming
	s.mu.Unlock()

	return s.runTurn(ctx, text, onUpdate)
}

// SendVoice transcribes audio and sends the text as a turn. The turn is
// reserved before transcription so a voice capture cannot overlap a text
// send. Unlike SendMessage it starts a conversation if none is active,
// since the recording cannot be replayed.
func (s *Session) SendVoice(ctx context.Context, filename string, audio io.Reader, onUpdate UpdateFunc) (models.Message, error) {
	s.mu.Lock()
	if s.state == Streaming {
		s.mu.Unlock()
		return models.Message{}, ErrBusy
	}
	if s.state == Idle {
		s.newConversationLocked(ctx)
	}
	s.state = Streaming
	s.mu.Unlock()

	text, err := s.completer.TranscribeAudio(ctx, filename, audio)
	if err == nil && strings.TrimSpace(text) == "" {
		err = ErrEmptyMessage
	}
	if err != nil {
		s.setState(Ready)
		s.logger.Warn("Voice input failed", zap.Error(err))
		return models.Message{}, err
	}

	return s.runTurn(ctx, text, onUpdate)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// runTurn expects the caller to have moved the session to Streaming.
func (s *Session) runTurn(ctx context.Context, text string, onUpdate UpdateFunc) (models.Message, error) {
	s.mu.Lock()
	conv := s.active.Clone()
	images := append([]string(nil), s.staged...)
	t := s.account.Tier
	s.mu.Unlock()

	history := conv.Messages
	firstTurn := len(history) == 0
	now := s.now()

	userMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: now,
	}
	if len(images) > 0 {
		userMsg.Images = images
	}

	if firstTurn && s.titler != nil {
		if title := s.titler.Title(ctx, text); title != "" {
			conv.Title = title
		}
	}

	conv.Append(userMsg, now)
	if err := s.store.UpsertConversation(ctx, conv); err != nil {
		s.setState(Ready)
		s.logger.Error("Failed to save user message",
			zap.Error(err),
			zap.String("conversation_id", conv.ID))
		return models.Message{}, fmt.Errorf("failed to save message: %w", err)
	}

	s.mu.Lock()
	s.active = conv.Clone()
	s.staged = nil
	s.account.ImagesUsed += len(images)
	acc := s.account
	s.mu.Unlock()

	if len(images) > 0 {
		if err := s.store.SaveAccount(ctx, acc); err != nil {
			s.logger.Error("Failed to save image usage",
				zap.Error(err),
				zap.Int("images_used", acc.ImagesUsed))
		}
	}

	transcript := completion.BuildTranscript(s.systemPrompt, history, text)
	content, err := s.consume(ctx, transcript, t, images, onUpdate)
	if err != nil {
		s.setState(Ready)
		s.logger.Warn("Streamed turn failed",
			zap.Error(err),
			zap.String("conversation_id", conv.ID))
		return models.Message{}, &TurnError{ConversationID: conv.ID, Err: err}
	}

	doneAt := s.now()
	assistantMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: doneAt,
	}
	conv.Append(assistantMsg, doneAt)

	s.mu.Lock()
	s.active = conv.Clone()
	s.state = Ready
	s.mu.Unlock()

	if err := s.store.UpsertConversation(ctx, conv); err != nil {
		s.logger.Error("Failed to save assistant message",
			zap.Error(err),
			zap.String("conversation_id", conv.ID))
		return assistantMsg, fmt.Errorf("failed to save response: %w", err)
	}
	return assistantMsg, nil
}

// consume pulls the stream to completion. Fragments are accumulated in
// receive order; nothing is returned unless the stream ends with io.EOF.
func (s *Session) consume(ctx context.Context, transcript []models.Message, t tier.Tier, images []string, onUpdate UpdateFunc) (string, error) {
	stream, err := s.completer.StreamCompletion(ctx, transcript, t, images)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var acc strings.Builder
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return acc.String(), nil
		}
		if err != nil {
			return "", err
		}
		acc.WriteString(fragment)
		if onUpdate != nil {
			onUpdate(fragment, acc.String())
		}
	}
}

// StageImages queues base64 images for the next message. Staging more
// than the tier's remaining quota is rejected and changes nothing, as is
// staging while a turn is in flight.
func (s *Session) StageImages(images ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Streaming {
		return ErrBusy
	}

	pending := s.account.ImagesUsed + len(s.staged)
	if !tier.Allows(s.account.Tier, pending, len(images)) {
		remaining, _ := tier.Remaining(s.account.Tier, pending)
		return fmt.Errorf("%w: %d requested, %d remaining this period",
			ErrQuotaExceeded, len(images), remaining)
	}
	s.staged = append(s.staged, images...)
	return nil
}

func (s *Session) Staged() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.staged...)
}

// Unstage drops the staged image at index i.
func (s *Session) Unstage(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Streaming {
		return ErrBusy
	}
	if i < 0 || i >= len(s.staged) {
		return fmt.Errorf("no staged image at index %d", i)
	}
	s.staged = append(s.staged[:i], s.staged[i+1:]...)
	return nil
}

func (s *Session) ClearStaged() {
	s.mu.Lock()
	s.staged = nil
	s.mu.Unlock()
}

// ResetImageUsage zeroes the usage counter once the current period is
// older than UsagePeriod. The period is anchored at PeriodStart, falling
// back to LastPurchase for records written before PeriodStart existed.
func (s *Session) ResetImageUsage(ctx context.Context) (bool, error) {
	s.mu.Lock()
	now := s.now()
	var anchor time.Time
	switch {
	case s.account.PeriodStart != nil:
		anchor = *s.account.PeriodStart
	case s.account.LastPurchase != nil:
		anchor = *s.account.LastPurchase
	}
	if now.Sub(anchor) <= UsagePeriod {
		s.mu.Unlock()
		return false, nil
	}
	s.account.ImagesUsed = 0
	s.account.PeriodStart = &now
	acc := s.account
	s.mu.Unlock()

	s.logger.Info("Image usage period reset", zap.Time("period_start", now))
	if err := s.store.SaveAccount(ctx, acc); err != nil {
		return true, fmt.Errorf("failed to save account: %w", err)
	}
	return true, nil
}

// Upgrade grants a paid tier once the verifier confirms the checkout
// referenced by ref.
func (s *Session) Upgrade(ctx context.Context, t tier.Tier, ref string) error {
	if !t.Paid() {
		return fmt.Errorf("%w: %s", tier.ErrNoPrice, t)
	}
	if s.verifier == nil {
		return ErrNoVerifier
	}
	if err := s.verifier.Verify(ctx, t, ref); err != nil {
		return fmt.Errorf("upgrade to %s: %w", t, err)
	}

	s.mu.Lock()
	now := s.now()
	s.account.Tier = t
	s.account.LastPurchase = &now
	if s.account.PeriodStart == nil {
		s.account.PeriodStart = &now
	}
	acc := s.account
	s.mu.Unlock()

	s.logger.Info("Tier upgraded", zap.String("tier", string(t)))
	if err := s.store.SaveAccount(ctx, acc); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// GenerateImage returns the URL of a generated image, or "" if the
// provider produced none.
func (s *Session) GenerateImage(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", ErrEmptyMessage
	}
	url, err := s.completer.GenerateImage(ctx, prompt)
	if err != nil {
		s.logger.Warn("Image generation failed", zap.Error(err))
		return "", err
	}
	return url, nil
}
