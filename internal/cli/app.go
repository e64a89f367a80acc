// Package cli is the terminal front end: a line-oriented REPL over a
// session.Session. It renders state and forwards input; the rules live
// in the session.
package cli

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/xaenox/tierchat/internal/billing"
	"github.com/xaenox/tierchat/internal/models"
	"github.com/xaenox/tierchat/internal/session"
	"github.com/xaenox/tierchat/internal/tier"
	"go.uber.org/zap"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Faint(true)
)

type App struct {
	session  *session.Session
	checkout *billing.Checkout
	out      io.Writer
	logger   *zap.Logger

	// Seams for tests.
	readFile func(string) ([]byte, error)
	openFile func(string) (io.ReadCloser, error)
	render   func(markdown string) string
	now      func() time.Time
}

func New(sess *session.Session, checkout *billing.Checkout, out io.Writer, logger *zap.Logger) *App {
	return &App{
		session:  sess,
		checkout: checkout,
		out:      out,
		logger:   logger,
		readFile: os.ReadFile,
		openFile: func(path string) (io.ReadCloser, error) { return os.Open(path) },
		render:   renderMarkdown,
		now:      time.Now,
	}
}

func renderMarkdown(md string) string {
	out, err := glamour.Render(md, "dark")
	if err != nil {
		return md
	}
	return strings.TrimRight(out, "\n")
}

func (a *App) println(args ...any) {
	fmt.Fprintln(a.out, args...)
}

func (a *App) printErr(msg string, err error) {
	fmt.Fprintln(a.out, errorStyle.Render("⚠ "+msg+": "+err.Error()))
}

func (a *App) prompt() string {
	acc := a.session.Account()
	status := fmt.Sprintf("%s · %s", acc.Tier.Label(), a.session.State())
	if n := len(a.session.Staged()); n > 0 {
		status += fmt.Sprintf(" · %d staged", n)
	}
	return fmt.Sprintf("tierchat [%s] > ", status)
}

// Execute handles one line of input. It returns false once the user asks
// to quit.
func (a *App) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		a.send(ctx, line)
		return true
	}

	cmd, args, _ := strings.Cut(line, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/help":
		a.help()
	case "/new":
		a.newConversation(ctx)
	case "/list", "/l":
		a.list(ctx)
	case "/open":
		a.open(ctx, args)
	case "/delete":
		a.delete(ctx, args)
	case "/image":
		a.stageImages(ctx, strings.Fields(args))
	case "/unstage":
		a.unstage(args)
	case "/gen":
		a.generateImage(ctx, args)
	case "/voice":
		a.voice(ctx, args)
	case "/tier":
		a.showTier()
	case "/pricing":
		a.pricing()
	case "/upgrade":
		a.upgrade(ctx, strings.Fields(args))
	case "/quit", "/exit":
		a.println("Bye!")
		return false
	default:
		a.println("Unknown command:", cmd, "(try /help)")
	}
	return true
}

func (a *App) help() {
	a.println(`Commands:
  /new                   start a new conversation
  /list                  list conversations
  /open <n|id>           open a conversation
  /delete <n|id>         delete a conversation
  /image <path>...       stage images for the next message
  /unstage [n]           drop staged image n, or all
  /gen <prompt>          generate an image
  /voice <path>          transcribe an audio file and send it
  /tier                  show your plan and usage
  /pricing               show plans
  /upgrade <pro|max> [checkout-ref]
  /quit
Anything else is sent as a message.`)
}

func (a *App) streamPrinter() session.UpdateFunc {
	started := false
	return func(fragment, _ string) {
		if !started {
			fmt.Fprint(a.out, assistantStyle.Render("assistant")+": ")
			started = true
		}
		fmt.Fprint(a.out, fragment)
	}
}

func (a *App) send(ctx context.Context, text string) {
	_, err := a.session.SendMessage(ctx, text, a.streamPrinter())
	a.afterTurn(err)
}

func (a *App) afterTurn(err error) {
	var turnErr *session.TurnError
	switch {
	case err == nil:
		a.println()
	case errors.Is(err, session.ErrConversationCreated):
		a.println(dimStyle.Render("Started a new conversation. Send your message again."))
	case errors.As(err, &turnErr):
		a.println()
		a.printErr("Failed to send message", turnErr.Err)
	default:
		a.printErr("Failed to send message", err)
	}
}

func (a *App) newConversation(ctx context.Context) {
	conv, err := a.session.NewConversation(ctx)
	if err != nil {
		a.printErr("Could not start a conversation", err)
		return
	}
	a.println("Started", conv.Title)
}

func (a *App) list(ctx context.Context) {
	convs := a.session.Conversations(ctx)
	if len(convs) == 0 {
		a.println("You don't have any conversations yet.")
		return
	}
	active, _ := a.session.Active()
	for i, c := range convs {
		marker := " "
		if c.ID == active.ID {
			marker = "*"
		}
		a.println(fmt.Sprintf("%s %2d. %s %s", marker, i+1, c.Title,
			dimStyle.Render(fmt.Sprintf("(%d messages, %s)", len(c.Messages), formatDate(c.UpdatedAt, a.now())))))
	}
}

// resolve maps a 1-based list index or a conversation ID to an ID.
func (a *App) resolve(ctx context.Context, arg string) (string, bool) {
	if arg == "" {
		return "", false
	}
	convs := a.session.Conversations(ctx)
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

func (a *App) open(ctx context.Context, arg string) {
	id, ok := a.resolve(ctx, arg)
	if !ok {
		a.println("No such conversation:", arg)
		return
	}
	conv, err := a.session.Open(ctx, id)
	if err != nil {
		a.printErr("Could not open conversation", err)
		return
	}
	a.println(lipgloss.NewStyle().Underline(true).Render(conv.Title))
	for _, m := range conv.Messages {
		a.printMessage(m)
	}
}

func (a *App) printMessage(m models.Message) {
	switch m.Role {
	case models.RoleUser:
		line := userStyle.Render("you") + ": " + m.Content
		if len(m.Images) > 0 {
			line += dimStyle.Render(fmt.Sprintf(" [%d image(s)]", len(m.Images)))
		}
		a.println(line)
	default:
		a.println(assistantStyle.Render("assistant") + ":")
		a.println(a.render(m.Content))
	}
}

func (a *App) delete(ctx context.Context, arg string) {
	id, ok := a.resolve(ctx, arg)
	if !ok {
		a.println("No such conversation:", arg)
		return
	}
	if err := a.session.Delete(ctx, id); err != nil {
		a.printErr("Could not delete conversation", err)
		return
	}
	a.println("Deleted.")
}

func (a *App) stageImages(ctx context.Context, paths []string) {
	if len(paths) == 0 {
		a.println("Usage: /image <path>...")
		return
	}
	images := make([]string, 0, len(paths))
	for _, p := range paths {
		data, err := a.readFile(p)
		if err != nil {
			a.printErr("Could not read "+p, err)
			return
		}
		images = append(images, base64.StdEncoding.EncodeToString(data))
	}

	// Starting a conversation clears staged images, so start it first.
	if a.session.State() == session.Idle {
		a.newConversation(ctx)
		if a.session.State() == session.Idle {
			return
		}
	}

	if err := a.session.StageImages(images...); err != nil {
		a.printErr("Images not added", err)
		return
	}
	a.println(fmt.Sprintf("Staged %d image(s). %s", len(images), a.remainingText()))
}

func (a *App) remainingText() string {
	acc := a.session.Account()
	n, unlimited := tier.Remaining(acc.Tier, acc.ImagesUsed+len(a.session.Staged()))
	if unlimited {
		return "Unlimited images remaining."
	}
	return fmt.Sprintf("%d remaining this period.", n)
}

func (a *App) unstage(arg string) {
	if arg == "" {
		a.session.ClearStaged()
		a.println("Cleared staged images.")
		return
	}
	n, err := strconv.Atoi(arg)
	if err != nil {
		a.println("Usage: /unstage [n]")
		return
	}
	if err := a.session.Unstage(n - 1); err != nil {
		a.printErr("Could not unstage", err)
		return
	}
	a.println("Removed image", n)
}

func (a *App) generateImage(ctx context.Context, prompt string) {
	url, err := a.session.GenerateImage(ctx, prompt)
	if err != nil {
		a.printErr("Failed to generate image", err)
		return
	}
	if url == "" {
		a.println("No image was generated.")
		return
	}
	a.println(url)
}

func (a *App) voice(ctx context.Context, path string) {
	if path == "" {
		a.println("Usage: /voice <path>")
		return
	}
	f, err := a.openFile(path)
	if err != nil {
		a.printErr("Could not read "+path, err)
		return
	}
	defer f.Close()

	_, err = a.session.SendVoice(ctx, path, f, a.streamPrinter())
	if err != nil && !errors.As(err, new(*session.TurnError)) {
		a.printErr("Failed to process voice input", err)
		return
	}
	a.afterTurn(err)
}

func (a *App) showTier() {
	acc := a.session.Account()
	limits := tier.LimitsFor(acc.Tier)

	a.println("Plan:  ", acc.Tier.Label())
	a.println("Model: ", limits.Model, dimStyle.Render("("+limits.Speed+")"))
	if limits.Thinking {
		a.println("Extended thinking enabled")
	}
	if limits.Unlimited {
		a.println("Images: unlimited")
	} else {
		a.println(fmt.Sprintf("Images: %d/%d used this period", acc.ImagesUsed, limits.Images))
	}
}

func (a *App) pricing() {
	current := a.session.Account().Tier
	for _, t := range tier.All() {
		price := "$0"
		if p, err := tier.PriceFor(t); err == nil {
			price = fmt.Sprintf("$%.2f/month", p)
		}
		header := fmt.Sprintf("%s - %s", t.Label(), price)
		if t == current {
			header += " (current)"
		}
		a.println(lipgloss.NewStyle().Bold(true).Render(header))
		for _, f := range tier.Features(t) {
			a.println("  ✓", f)
		}
	}
}

func (a *App) upgrade(ctx context.Context, args []string) {
	if len(args) == 0 {
		a.println("Usage: /upgrade <pro|max> [checkout-ref]")
		return
	}
	t, err := tier.Parse(args[0])
	if err != nil {
		a.printErr("Unknown plan", err)
		return
	}
	ref := ""
	if len(args) > 1 {
		ref = args[1]
	}

	if ref == "" && a.checkout != nil {
		if url, err := a.checkout.URL(t); err == nil {
			a.println("Complete payment at:", url)
		} else {
			a.logger.Debug("No checkout link", zap.Error(err))
		}
	}

	if err := a.session.Upgrade(ctx, t, ref); err != nil {
		a.printErr("Upgrade not applied", err)
		return
	}
	a.println("You're now on", t.Label()+"!")
}

// formatDate renders t relative to now the way the conversation list
// shows it.
func formatDate(t, now time.Time) string {
	days := int(now.Sub(t).Hours() / 24)
	switch {
	case days <= 0:
		return "Today"
	case days == 1:
		return "Yesterday"
	case days < 7:
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("2006-01-02")
	}
}
