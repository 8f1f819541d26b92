package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/comigor/jackbot/internal/chat"
	"github.com/comigor/jackbot/internal/logger"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the configured backend from the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// keep logs off the transcript
			logger.SetOutput(os.Stderr)
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			sess, err := chat.FromConfig(cfg.Chat, chat.WithListener(transcript(out)))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return repl(ctx, sess, cmd.InOrStdin())
		},
	}
}

// repl submits one line at a time until input ends or ctx is cancelled. A
// cancelled ctx stops reading; it does not abort the exchange in flight.
func repl(ctx context.Context, sess *chat.Session, in io.Reader) error {
	submitCtx := context.WithoutCancel(ctx)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := sess.Submit(submitCtx, scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// transcript prints the user and bot turns as they happen.
func transcript(w io.Writer) chat.Listener {
	return func(ev chat.Event) {
		stamp := ev.Entry.Timestamp.Format("15:04")
		switch ev.Type {
		case chat.EventEntry, chat.EventFallback:
			if ev.Entry.Role == chat.RoleSystem {
				return
			}
			fmt.Fprintf(w, "[%s] %s: %s\n", stamp, ev.Entry.Role, ev.Entry.Content)
		case chat.EventRollback:
			fmt.Fprintf(w, "[%s] (message not delivered)\n", stamp)
		}
	}
}
