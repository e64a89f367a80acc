package cli

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"

	"github.com/peterh/liner"
	"go.uber.org/zap"
)

// LineReader is the input side of the REPL. *liner.State satisfies it.
type LineReader interface {
	Prompt(prompt string) (string, error)
}

type historyAppender interface {
	AppendHistory(item string)
}

// Run reads lines until EOF, an aborted prompt, a cancelled context or
// /quit. Command errors are reported inline and never end the loop.
func (a *App) Run(ctx context.Context, in LineReader) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := in.Prompt(a.prompt())
		if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
			a.println()
			return nil
		}
		if err != nil {
			return err
		}
		if h, ok := in.(historyAppender); ok && line != "" {
			h.AppendHistory(line)
		}
		if !a.Execute(ctx, line) {
			return nil
		}
	}
}

// RunInteractive runs the REPL on the terminal with line editing and a
// history file kept next to the user's config.
func (a *App) RunInteractive(ctx context.Context) error {
	state := liner.NewLiner()
	defer state.Close()
	state.SetCtrlCAborts(true)

	historyPath := historyFile(a.logger)
	if f, err := os.Open(historyPath); err == nil {
		if _, err := state.ReadHistory(f); err != nil {
			a.logger.Debug("Failed to read history", zap.Error(err))
		}
		f.Close()
	}

	a.println("Welcome! Type /help for commands, /new to start a chat.")
	err := a.Run(ctx, state)

	if f, ferr := os.Create(historyPath); ferr == nil {
		if _, werr := state.WriteHistory(f); werr != nil {
			a.logger.Debug("Failed to write history", zap.Error(werr))
		}
		f.Close()
	}
	return err
}

// historyFile returns the history path under the user config directory,
// or a file in the working directory when that cannot be used.
func historyFile(logger *zap.Logger) string {
	const fallback = ".tierchat_history"
	dir, err := os.UserConfigDir()
	if err != nil {
		logger.Debug("No user config directory, keeping history locally", zap.Error(err))
		return fallback
	}
	dir = filepath.Join(dir, "tierchat")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		logger.Debug("Failed to create history directory", zap.Error(err), zap.String("dir", dir))
		return fallback
	}
	return filepath.Join(dir, "history")
}
