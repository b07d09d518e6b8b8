// chathook connects coding agents to an agentroom room.
//
// Subcommands:
//
//	approve  open a review and block until a human decides or it expires
//	post     post a message or log entry
//	watch    stream room messages to stdout as JSON lines
//
// approve exits 0 when the review is approved or answered, 2 when denied
// and 3 when it expired, so shell hooks can branch on the outcome.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ashureev/agentroom/internal/approval"
	"github.com/ashureev/agentroom/internal/chatclient"
	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/reconnect"
)

// exitError carries a process exit code.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	if err := run(os.Args[1:]); err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			if msg := err.Error(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() string {
	return "usage: chathook <approve|post|watch> [flags]"
}

func run(args []string) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	if len(args) == 0 {
		return &exitError{code: 64, msg: usage()}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch args[0] {
	case "approve":
		return runApprove(ctx, args[1:])
	case "post":
		return runPost(ctx, args[1:])
	case "watch":
		return runWatch(ctx, args[1:])
	default:
		return &exitError{code: 64, msg: usage()}
	}
}

// connection holds the flags every subcommand shares.
type connection struct {
	URL    string
	Key    string
	RoomID string
}

func (c *connection) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.URL, "url", envOr("AGENTROOM_URL", "http://localhost:8080"), "server base URL")
	flagSet.StringVar(&c.Key, "key", os.Getenv("AGENTROOM_KEY"), "API key")
	flagSet.StringVar(&c.RoomID, "room", os.Getenv("AGENTROOM_ROOM"), "room ID")
}

func (c *connection) client() (*chatclient.Client, error) {
	if c.Key == "" || c.RoomID == "" {
		return nil, &exitError{code: 64, msg: "--key and --room are required"}
	}
	return chatclient.New(c.URL, c.Key, nil), nil
}

func runApprove(ctx context.Context, args []string) error {
	var conn connection
	var kind, sender, content string

	flagSet := pflag.NewFlagSet("approve", pflag.ContinueOnError)
	conn.AddFlags(flagSet)
	flagSet.StringVar(&kind, "kind", string(domain.ReviewQuestion), "review kind: question or plan")
	flagSet.StringVar(&sender, "sender", envOr("AGENTROOM_SENDER", "agent"), "agent name shown on the review")
	flagSet.StringVar(&content, "content", "", "review text (read from stdin when empty)")
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	client, err := conn.client()
	if err != nil {
		return err
	}
	if content, err = contentOrStdin(content); err != nil {
		return err
	}

	review, err := client.CreateReview(ctx, conn.RoomID, chatclient.ReviewRequest{
		Kind:       domain.ReviewKind(kind),
		Content:    content,
		Sender:     sender,
		SenderType: domain.SenderAgent,
	})
	if err != nil {
		return fmt.Errorf("create review: %w", err)
	}

	waiter := approval.NewWaiter(client)
	slog.Info("Waiting for review", "review_id", review.ID, "timeout", waiter.Timeout(review.Kind))
	decided, err := waiter.Wait(ctx, review.ID, review.Kind)
	if err != nil {
		return fmt.Errorf("wait for review: %w", err)
	}

	if err := json.NewEncoder(os.Stdout).Encode(decided); err != nil {
		return fmt.Errorf("write review: %w", err)
	}
	return outcomeError(decided.Status)
}

// outcomeError maps a terminal status to the process exit code.
func outcomeError(status domain.ReviewStatus) error {
	switch status {
	case domain.ReviewApproved, domain.ReviewAnswered:
		return nil
	case domain.ReviewDenied:
		return &exitError{code: 2}
	case domain.ReviewExpired:
		return &exitError{code: 3}
	default:
		return fmt.Errorf("unexpected review status %q", status)
	}
}

func runPost(ctx context.Context, args []string) error {
	var conn connection
	var sender, content, color string
	var asLog bool

	flagSet := pflag.NewFlagSet("post", pflag.ContinueOnError)
	conn.AddFlags(flagSet)
	flagSet.StringVar(&sender, "sender", envOr("AGENTROOM_SENDER", "agent"), "sender name")
	flagSet.StringVar(&content, "content", "", "message text (read from stdin when empty)")
	flagSet.StringVar(&color, "color", "", "display color")
	flagSet.BoolVar(&asLog, "log", false, "post as an unsequenced log entry")
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	client, err := conn.client()
	if err != nil {
		return err
	}
	if content, err = contentOrStdin(content); err != nil {
		return err
	}

	req := chatclient.MessageRequest{Sender: sender, SenderType: domain.SenderAgent, Content: content, Color: color}
	post := client.PostMessage
	if asLog {
		post = client.PostLog
	}
	msg, err := post(ctx, conn.RoomID, req)
	if err != nil {
		return fmt.Errorf("post message: %w", err)
	}
	return json.NewEncoder(os.Stdout).Encode(msg)
}

// runWatch keeps a room socket open, reconnecting and catching up as
// needed, and prints every message once.
func runWatch(ctx context.Context, args []string) error {
	var conn connection
	var exclude string
	var since int64

	flagSet := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	conn.AddFlags(flagSet)
	flagSet.StringVar(&exclude, "exclude", "", "skip messages from this sender")
	flagSet.Int64Var(&since, "since", 0, "start after this sequence number")
	if err := parseFlags(flagSet, args); err != nil {
		return err
	}
	client, err := conn.client()
	if err != nil {
		return err
	}
	socketURL, err := client.RoomSocketURL(conn.RoomID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	lines := make(chan *domain.Message, 64)
	catchUp := func(ctx context.Context, since int64) ([]*domain.Message, error) {
		return client.CatchUp(ctx, conn.RoomID, since, exclude, 0)
	}
	rc := reconnect.New(&reconnect.WebSocketDialer{URL: socketURL}, catchUp, reconnect.Options{
		OnMessage: func(m *domain.Message) {
			if exclude != "" && m.Sender == exclude {
				return
			}
			select {
			case lines <- m:
			case <-ctx.Done():
			}
		},
		OnDisconnect: func(code int) {
			slog.Warn("Room socket closed", "room_id", conn.RoomID, "code", code)
		},
	})
	rc.SetCursor(since)
	if since > 0 {
		backlog, err := catchUp(ctx, since)
		if err != nil {
			return fmt.Errorf("catch up: %w", err)
		}
		for _, m := range backlog {
			_ = enc.Encode(m)
			rc.SetCursor(m.SeqValue())
		}
	}
	rc.Start(ctx)
	defer rc.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-lines:
			if err := enc.Encode(m); err != nil {
				return fmt.Errorf("write message: %w", err)
			}
		}
	}
}

// parseFlags treats --help as a clean exit.
func parseFlags(flagSet *pflag.FlagSet, args []string) error {
	err := flagSet.Parse(args)
	if errors.Is(err, pflag.ErrHelp) {
		return &exitError{code: 0}
	}
	return err
}

func contentOrStdin(content string) (string, error) {
	if strings.TrimSpace(content) != "" {
		return content, nil
	}
	data, err := io.ReadAll(io.LimitReader(os.Stdin, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	content = strings.TrimSpace(string(data))
	if content == "" {
		return "", &exitError{code: 64, msg: "content is empty"}
	}
	return content, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
