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

	"chatrouter/internal/service/assistant"
	"chatrouter/internal/trace"
)

// ChatCmd runs the terminal chat loop against a single session.
type ChatCmd struct {
	MaxTurns int    `help:"Maximum conversation turns, overrides chat.max_conversation_turns"`
	Session  string `help:"Continue an existing (mirrored) session"`
}

func (c *ChatCmd) Run(cli *CLI) error {
	cfg, logger, err := loadApp(cli)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	maxTurns := c.MaxTurns
	if maxTurns <= 0 {
		maxTurns = cfg.Chat.MaxTurns
	}
	r := &repl{
		chat:      a.assistant,
		in:        os.Stdin,
		out:       os.Stdout,
		maxTurns:  maxTurns,
		sessionID: c.Session,
		search:    cfg.SearchAvailable(),
	}
	return r.run(ctx)
}

type turnRunner interface {
	Chat(ctx context.Context, req assistant.ChatRequest) (*assistant.ChatResult, error)
}

type repl struct {
	chat      turnRunner
	in        io.Reader
	out       io.Writer
	maxTurns  int
	sessionID string
	search    bool
}

func isExit(input string) bool {
	switch strings.ToLower(input) {
	case "quit", "exit", "q":
		return true
	}
	return false
}

func (r *repl) run(ctx context.Context) error {
	fmt.Fprintln(r.out, "Chat assistant started!")
	fmt.Fprintln(r.out, "Type 'quit', 'exit', or 'q' to end the session")
	if r.search {
		fmt.Fprintln(r.out, "Web search is enabled for real-time information")
	}
	fmt.Fprintln(r.out, strings.Repeat("-", 50))

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(r.in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		readErr <- scanner.Err()
	}()

	turns := 0
	for r.maxTurns <= 0 || turns < r.maxTurns {
		fmt.Fprint(r.out, "User: ")
		var input string
		select {
		case <-ctx.Done():
			fmt.Fprintln(r.out, "\nSession interrupted. Goodbye!")
			return nil
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(r.out, "\nEnd of input. Goodbye!")
			return nil
		case input = <-lines:
		}

		input = strings.TrimSpace(input)
		if isExit(input) {
			fmt.Fprintln(r.out, "Goodbye! Thanks for chatting!")
			return nil
		}
		if input == "" {
			continue
		}

		res, err := r.chat.Chat(ctx, assistant.ChatRequest{
			SessionID: r.sessionID,
			Content:   input,
			Observer: trace.SinkFunc(func(e trace.Event) {
				if e.Kind == trace.KindToolInvoked {
					fmt.Fprintf(r.out, "  [%s] %s\n", e.Tool, e.Detail)
				}
			}),
		})
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				fmt.Fprintln(r.out, "\nSession interrupted. Goodbye!")
				return nil
			}
			fmt.Fprintf(r.out, "Error processing response: %v\n", err)
			fmt.Fprintln(r.out, "Please try again.")
			continue
		}
		r.sessionID = res.SessionID
		fmt.Fprintf(r.out, "Assistant: %s\n\n", res.Reply.Content)
		turns++
	}
	fmt.Fprintf(r.out, "Reached maximum conversation turns (%d). Ending session.\n", r.maxTurns)
	return nil
}
