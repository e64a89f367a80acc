package bot

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/xaenox/tierchat/internal/billing"
	"github.com/xaenox/tierchat/internal/models"
	"github.com/xaenox/tierchat/internal/session"
	"github.com/xaenox/tierchat/internal/tier"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Telegram rejects longer messages.
const maxMessageLength = 4096

const maxDownloadSize = 20 << 20

// botAPI is the part of *tgbotapi.BotAPI the bot talks to.
type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

type Bot struct {
	api      botAPI
	session  *session.Session
	checkout *billing.Checkout
	ownerID  int64
	logger   *zap.Logger

	fetch     func(ctx context.Context, url string) ([]byte, error)
	editEvery time.Duration
}

func New(token string, sess *session.Session, checkout *billing.Checkout, ownerID int64, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	logger.Info("Authorized on Telegram", zap.String("username", api.Self.UserName))
	return newBot(api, sess, checkout, ownerID, logger), nil
}

func newBot(api botAPI, sess *session.Session, checkout *billing.Checkout, ownerID int64, logger *zap.Logger) *Bot {
	client := &http.Client{Timeout: 30 * time.Second}
	return &Bot{
		api:       api,
		session:   sess,
		checkout:  checkout,
		ownerID:   ownerID,
		logger:    logger,
		fetch:     func(ctx context.Context, url string) ([]byte, error) { return download(ctx, client, url) },
		editEvery: time.Second,
	}
}

// Start polls for updates until ctx is cancelled. Each message is handled
// in its own goroutine; the session rejects overlapping turns.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.From == nil || message.From.ID != b.ownerID {
		b.logger.Debug("Ignoring message from non-owner", zap.Int64("chat_id", message.Chat.ID))
		return
	}

	switch {
	case message.IsCommand():
		b.handleCommand(ctx, message)
	case len(message.Photo) > 0:
		b.handlePhoto(ctx, message)
	case message.Voice != nil:
		b.handleVoice(ctx, message)
	case strings.TrimSpace(message.Text) != "":
		b.handleText(ctx, message.Chat.ID, message.Text)
	}
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	args := strings.TrimSpace(message.CommandArguments())

	switch message.Command() {
	case "start":
		b.handleStart(chatID)
	case "help":
		b.handleHelp(chatID)
	case "new":
		b.handleNew(ctx, chatID)
	case "list":
		b.handleList(ctx, chatID)
	case "open":
		b.handleOpen(ctx, chatID, args)
	case "delete":
		b.handleDelete(ctx, chatID, args)
	case "image":
		b.handleStaged(chatID)
	case "unstage":
		b.session.ClearStaged()
		b.sendMessage(chatID, "Cleared staged images.")
	case "gen":
		b.handleGenerate(ctx, chatID, args)
	case "tier":
		b.handleTier(chatID)
	case "pricing":
		b.handlePricing(chatID)
	case "upgrade":
		b.handleUpgrade(ctx, chatID, strings.Fields(args))
	default:
		b.sendMessage(chatID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(chatID int64) {
	welcome := `Welcome to TierChat! 💬
I'm a chat assistant. Send me text, photos or voice notes and I'll answer.

Use /new to start a conversation and /help to see all available commands.`

	b.sendMessage(chatID, welcome)
}

func (b *Bot) handleHelp(chatID int64) {
	help := `Available commands:
/new - Start a new conversation
/list - List your conversations
/open <n> - Open a conversation
/delete <n> - Delete a conversation
/image - Show staged images
/unstage - Drop staged images
/gen <prompt> - Generate an image
/tier - Show your plan and usage
/pricing - Show plans
/upgrade <pro|max> [ref] - Upgrade your plan

You can send:
- Text messages
- Photos (staged for your next message, the caption is sent right away)
- Voice notes`

	b.sendMessage(chatID, help)
}

func (b *Bot) handleNew(ctx context.Context, chatID int64) {
	conv, err := b.session.NewConversation(ctx)
	if err != nil {
		b.sendErrorMessage(chatID, "Could not start a conversation: "+err.Error())
		return
	}
	b.sendMessage(chatID, "Started "+conv.Title)
}

func (b *Bot) handleList(ctx context.Context, chatID int64) {
	convs := b.session.Conversations(ctx)
	if len(convs) == 0 {
		b.sendMessage(chatID, "You don't have any conversations yet.")
		return
	}

	active, _ := b.session.Active()
	var sb strings.Builder
	sb.WriteString("Your conversations:\n")
	for i, c := range convs {
		marker := ""
		if c.ID == active.ID {
			marker = "▶ "
		}
		fmt.Fprintf(&sb, "%s%d. %s (%d messages)\n", marker, i+1, c.Title, len(c.Messages))
	}
	b.sendMessage(chatID, sb.String())
}

// resolve maps a 1-based list index or a conversation ID to an ID.
func (b *Bot) resolve(ctx context.Context, arg string) (string, bool) {
	if arg == "" {
		return "", false
	}
	convs := b.session.Conversations(ctx)
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(convs) {
			return "", false
		}
		return convs[n-1].ID, true
	}
	for _, c := range convs {
		if c.ID == arg {
			return c.ID, true
		}
	}
	return "", false
}

func (b *Bot) handleOpen(ctx context.Context, chatID int64, arg string) {
	id, ok := b.resolve(ctx, arg)
	if !ok {
		b.sendMessage(chatID, "No such conversation. Use /list to see them.")
		return
	}
	conv, err := b.session.Open(ctx, id)
	if err != nil {
		b.sendErrorMessage(chatID, "Could not open conversation: "+err.Error())
		return
	}

	text := fmt.Sprintf("Opened %s (%d messages).", conv.Title, len(conv.Messages))
	if n := len(conv.Messages); n > 0 {
		text += "\n\nLast message:\n" + conv.Messages[n-1].Content
	}
	b.sendLong(chatID, text)
}

func (b *Bot) handleDelete(ctx context.Context, chatID int64, arg string) {
	id, ok := b.resolve(ctx, arg)
	if !ok {
		b.sendMessage(chatID, "No such conversation. Use /list to see them.")
		return
	}
	if err := b.session.Delete(ctx, id); err != nil {
		b.sendErrorMessage(chatID, "Could not delete conversation: "+err.Error())
		return
	}
	b.sendMessage(chatID, "Deleted.")
}

func (b *Bot) handleStaged(chatID int64) {
	n := len(b.session.Staged())
	if n == 0 {
		b.sendMessage(chatID, "No images staged. Send a photo to stage it.")
		return
	}
	b.sendMessage(chatID, fmt.Sprintf("%d image(s) staged for your next message. %s", n, b.remainingText()))
}

func (b *Bot) remainingText() string {
	acc := b.session.Account()
	n, unlimited := tier.Remaining(acc.Tier, acc.ImagesUsed+len(b.session.Staged()))
	if unlimited {
		return "Unlimited images remaining."
	}
	return fmt.Sprintf("%d remaining this period.", n)
}

func (b *Bot) handleGenerate(ctx context.Context, chatID int64, prompt string) {
	if prompt == "" {
		b.sendMessage(chatID, "Usage: /gen <prompt>")
		return
	}
	url, err := b.session.GenerateImage(ctx, prompt)
	if err != nil {
		b.sendErrorMessage(chatID, "Failed to generate image.")
		return
	}
	if url == "" {
		b.sendMessage(chatID, "No image was generated.")
		return
	}
	if _, err := b.api.Send(tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(url))); err != nil {
		b.logger.Warn("Failed to send generated image, falling back to link",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
		b.sendMessage(chatID, url)
	}
}

func (b *Bot) handleTier(chatID int64) {
	acc := b.session.Account()
	limits := tier.LimitsFor(acc.Tier)

	response := fmt.Sprintf("*Plan:* %s\n", escapeMarkdown(acc.Tier.Label()))
	response += fmt.Sprintf("*Model:* %s \\(%s\\)\n", escapeMarkdown(limits.Model), escapeMarkdown(limits.Speed))
	if limits.Thinking {
		response += "Extended thinking enabled\n"
	}
	if limits.Unlimited {
		response += "*Images:* unlimited"
	} else {
		response += escapeMarkdown(fmt.Sprintf("Images: %d/%d used this period", acc.ImagesUsed, limits.Images))
	}

	b.sendMarkdown(chatID, response)
}

func (b *Bot) handlePricing(chatID int64) {
	current := b.session.Account().Tier

	var response string
	for _, t := range tier.All() {
		price := "$0"
		if p, err := tier.PriceFor(t); err == nil {
			price = fmt.Sprintf("$%.2f/month", p)
		}
		header := fmt.Sprintf("%s - %s", t.Label(), price)
		if t == current {
			header += " (current)"
		}
		response += "*" + escapeMarkdown(header) + "*\n"
		for _, f := range tier.Features(t) {
			response += "✓ " + escapeMarkdown(f) + "\n"
		}
		response += "\n"
	}

	b.sendMarkdown(chatID, response)
}

func (b *Bot) handleUpgrade(ctx context.Context, chatID int64, args []string) {
	if len(args) == 0 {
		b.sendMessage(chatID, "Usage: /upgrade <pro|max> [checkout-ref]")
		return
	}
	t, err := tier.Parse(args[0])
	if err != nil {
		b.sendMessage(chatID, "Unknown plan. Choose pro or max.")
		return
	}
	ref := ""
	if len(args) > 1 {
		ref = args[1]
	}

	if ref == "" && b.checkout != nil {
		if url, err := b.checkout.URL(t); err == nil {
			b.sendMessage(chatID, "Complete payment at: "+url)
		}
	}

	if err := b.session.Upgrade(ctx, t, ref); err != nil {
		b.logger.Info("Upgrade not applied", zap.Error(err), zap.String("tier", string(t)))
		b.sendErrorMessage(chatID, "Upgrade not applied: "+err.Error())
		return
	}
	b.sendMessage(chatID, fmt.Sprintf("You're now on %s! 🎉", t.Label()))
}

func (b *Bot) handlePhoto(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	// Telegram lists sizes in ascending order.
	photo := message.Photo[len(message.Photo)-1]

	data, err := b.downloadFile(ctx, photo.FileID)
	if err != nil {
		b.logger.Error("Failed to download photo",
			zap.Error(err),
			zap.String("file_id", photo.FileID))
		b.sendErrorMessage(chatID, "Sorry, I couldn't download your photo.")
		return
	}

	// Starting a conversation clears staged images, so start it first.
	if b.session.State() == session.Idle {
		if _, err := b.session.NewConversation(ctx); err != nil {
			b.sendErrorMessage(chatID, "Could not start a conversation: "+err.Error())
			return
		}
	}

	if err := b.session.StageImages(base64.StdEncoding.EncodeToString(data)); err != nil {
		b.sendErrorMessage(chatID, "Image not added: "+err.Error())
		return
	}

	if caption := strings.TrimSpace(message.Caption); caption != "" {
		b.handleText(ctx, chatID, caption)
		return
	}
	b.sendMessage(chatID, "Image staged for your next message. "+b.remainingText())
}

func (b *Bot) handleVoice(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID

	data, err := b.downloadFile(ctx, message.Voice.FileID)
	if err != nil {
		b.logger.Error("Failed to download voice note",
			zap.Error(err),
			zap.String("file_id", message.Voice.FileID))
		b.sendErrorMessage(chatID, "Sorry, I couldn't download your voice note.")
		return
	}

	reply := b.startReply(chatID)
	msg, err := b.session.SendVoice(ctx, "voice.ogg", bytes.NewReader(data), reply.update)
	reply.finish(msg, err)
}

func (b *Bot) handleText(ctx context.Context, chatID int64, text string) {
	reply := b.startReply(chatID)
	msg, err := b.session.SendMessage(ctx, text, reply.update)
	reply.finish(msg, err)
}

func (b *Bot) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve file: %w", err)
	}
	return b.fetch(ctx, url)
}

func download(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadSize))
}

// reply is one streamed answer: a placeholder message edited in place as
// fragments arrive, at most once per editEvery.
type reply struct {
	b         *Bot
	chatID    int64
	messageID int
	limiter   *rate.Limiter
	shown     string
}

func (b *Bot) startReply(chatID int64) *reply {
	r := &reply{
		b:       b,
		chatID:  chatID,
		limiter: rate.NewLimiter(rate.Every(b.editEvery), 1),
	}
	sent, err := b.api.Send(tgbotapi.NewMessage(chatID, "…"))
	if err != nil {
		b.logger.Error("Failed to send placeholder",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
		return r
	}
	r.messageID = sent.MessageID
	// The placeholder counts as the first edit.
	r.limiter.Allow()
	return r
}

func (r *reply) update(_, partial string) {
	if !r.limiter.Allow() {
		return
	}
	r.edit(splitMessage(partial, maxMessageLength)[0])
}

func (r *reply) edit(text string) {
	if text == "" || text == r.shown {
		return
	}
	if r.messageID == 0 {
		r.b.sendMessage(r.chatID, text)
		return
	}
	if _, err := r.b.api.Send(tgbotapi.NewEditMessageText(r.chatID, r.messageID, text)); err != nil {
		r.b.logger.Debug("Failed to edit reply",
			zap.Error(err),
			zap.Int64("chat_id", r.chatID))
		return
	}
	r.shown = text
}

func (r *reply) finish(msg models.Message, err error) {
	var turnErr *session.TurnError
	switch {
	case err == nil:
		r.show(msg.Content)
	case errors.Is(err, session.ErrConversationCreated):
		r.edit("Started a new conversation. Send your message again.")
	case errors.Is(err, session.ErrBusy):
		r.edit("⚠️ Still answering your previous message.")
	case errors.As(err, &turnErr):
		r.b.logger.Warn("Turn failed",
			zap.Error(turnErr.Err),
			zap.String("conversation_id", turnErr.ConversationID))
		r.edit("⚠️ Failed to send message: " + turnErr.Err.Error())
	case msg.Content != "":
		// The answer arrived but could not be saved.
		r.show(msg.Content)
		r.b.sendErrorMessage(r.chatID, err.Error())
	default:
		r.edit("⚠️ " + err.Error())
	}
}

// show replaces the placeholder with content, spilling into extra
// messages past the length limit.
func (r *reply) show(content string) {
	if strings.TrimSpace(content) == "" {
		content = "(empty reply)"
	}
	chunks := splitMessage(content, maxMessageLength)
	r.edit(chunks[0])
	for _, chunk := range chunks[1:] {
		r.b.sendMessage(r.chatID, chunk)
	}
}

// splitMessage cuts text into pieces of at most limit runes, preferring
// to break after a newline.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// escapeMarkdown escapes special characters for MarkdownV2.
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendLong(chatID int64, text string) {
	for _, chunk := range splitMessage(text, maxMessageLength) {
		b.sendMessage(chatID, chunk)
	}
}

func (b *Bot) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send markdown message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
