package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quantumflow/querypilot/internal/app"
	"github.com/quantumflow/querypilot/internal/models"
	"github.com/quantumflow/querypilot/internal/pipeline"
)

var chatThread string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive terminal chat over the query pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, _, closer, err := bootstrap(true)
		if err != nil {
			return err
		}
		defer closer.Close()
		defer a.Close()

		s := &chatSession{
			app:      a,
			out:      cmd.OutOrStdout(),
			threadID: chatThread,
			useCache: true,
		}
		if s.threadID == "" {
			s.threadID = newThreadID()
		}
		return s.run(ctx, os.Stdin)
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatThread, "thread", "", "continue an existing thread")
}

func newThreadID() string {
	return "cli-" + uuid.New().String()[:8]
}

type chatSession struct {
	app      *app.App
	out      io.Writer
	threadID string
	useCache bool
	turns    int
}

func (s *chatSession) run(ctx context.Context, in io.Reader) error {
	s.printBanner()

	if err := s.app.Ready(ctx); err != nil {
		fmt.Fprintf(s.out, "⚠️ Warning: %v\n", err)
	}
	fmt.Fprintf(s.out, "✓ Thread: %s\n\n", s.threadID)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(s.out, "You: ")
		if !scanner.Scan() {
			break
		}
		if ctx.Err() != nil {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := s.handleCommand(ctx, input); quit {
				break
			}
			continue
		}

		s.ask(ctx, input)
	}

	fmt.Fprintln(s.out, "\nGoodbye! 👋")
	return scanner.Err()
}

func (s *chatSession) ask(ctx context.Context, input string) {
	fmt.Fprint(s.out, "\n🧠 Processing... ")
	start := time.Now()

	result, err := s.app.Orchestrator.Process(ctx, pipeline.Query{
		Message:   input,
		ThreadID:  s.threadID,
		AgentType: models.AgentTypeAuto,
		UseCache:  s.useCache,
		RequestID: uuid.New().String(),
	})
	if err != nil {
		var qe *pipeline.QueryError
		if errors.As(err, &qe) {
			fmt.Fprintf(s.out, "\n❌ %s\n\n", qe.Message)
		} else {
			fmt.Fprintf(s.out, "\n❌ Error: %v\n\n", err)
		}
		return
	}
	s.turns++

	fmt.Fprintf(s.out, "\n\n%s\n\n", result.Response)

	cached := ""
	if result.Metadata.CacheHit {
		cached = " | cached"
	}
	fmt.Fprintf(s.out, "⏱ %.2fs%s\n\n", time.Since(start).Seconds(), cached)
}

// handleCommand runs a slash command and reports whether to quit
func (s *chatSession) handleCommand(ctx context.Context, cmd string) bool {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false
	}

	switch parts[0] {
	case "/help":
		fmt.Fprintln(s.out, "\nCommands: /help /tools /history /stats /cache /new /clear /exit")
		fmt.Fprintln(s.out)
	case "/new":
		s.threadID = newThreadID()
		s.turns = 0
		fmt.Fprintf(s.out, "✓ New thread: %s\n\n", s.threadID)
	case "/clear":
		if err := s.app.Executor.ClearThread(ctx, s.threadID); err != nil {
			fmt.Fprintf(s.out, "❌ Failed to clear: %v\n\n", err)
			return false
		}
		s.turns = 0
		fmt.Fprintln(s.out, "✓ Conversation cleared")
		fmt.Fprintln(s.out)
	case "/cache":
		s.useCache = !s.useCache
		fmt.Fprintf(s.out, "✓ Response cache: %s\n\n", onOff(s.useCache))
	case "/tools":
		specs := s.app.Session.ToolSpecs()
		if len(specs) == 0 {
			fmt.Fprintln(s.out, "\nNo tools loaded")
			fmt.Fprintln(s.out)
			return false
		}
		fmt.Fprintln(s.out, "\nAvailable tools:")
		for _, spec := range specs {
			fmt.Fprintf(s.out, "  • %s\n", spec.Name)
		}
		fmt.Fprintln(s.out)
	case "/history":
		msgs, err := s.app.Factory.History(ctx, s.threadID)
		if err != nil {
			fmt.Fprintf(s.out, "❌ %v\n\n", err)
			return false
		}
		if len(msgs) == 0 {
			fmt.Fprintln(s.out, "\nNo history")
			fmt.Fprintln(s.out)
			return false
		}
		fmt.Fprintln(s.out, "\n=== History ===")
		for i, msg := range msgs {
			content := msg.Content
			if content == "" && len(msg.ToolCalls) > 0 {
				content = "→ " + msg.ToolCalls[0].Name
			}
			fmt.Fprintf(s.out, "%d. %s: %s\n", i+1, msg.Role, truncate(content, 60))
		}
		fmt.Fprintln(s.out)
	case "/stats":
		threads, _ := s.app.Factory.ActiveThreads(ctx)
		fmt.Fprintf(s.out, "\nThread: %s | Turns: %d | Stored threads: %d | Cache: %s\n\n",
			s.threadID, s.turns, threads, onOff(s.useCache && s.app.Cache.Enabled()))
	case "/exit", "/quit":
		return true
	default:
		fmt.Fprintf(s.out, "Unknown command %s, try /help\n\n", parts[0])
	}
	return false
}

func (s *chatSession) printBanner() {
	fmt.Fprintf(s.out, `
╔═════════════════════════════════════════════════════════╗
║              querypilot terminal chat %-8s          ║
║        Ask questions about the travel-sample data       ║
╚═════════════════════════════════════════════════════════╝

`, version)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
