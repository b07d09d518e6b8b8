// chatcli is an interactive terminal client for an agentroom room.
//
// Lines typed on stdin are written to a local outbox first and sent when
// the room socket is open, so messages composed while offline survive
// until the server is reachable again. Sending SIGCONT (for example after
// resuming a suspended terminal) reconnects immediately.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ashureev/agentroom/internal/chatclient"
	"github.com/ashureev/agentroom/internal/domain"
	"github.com/ashureev/agentroom/internal/outbox"
	"github.com/ashureev/agentroom/internal/reconnect"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var serverURL, key, roomID, name, outboxPath string
	var verbose bool

	flagSet := pflag.NewFlagSet("chatcli", pflag.ContinueOnError)
	flagSet.StringVar(&serverURL, "url", envOr("AGENTROOM_URL", "http://localhost:8080"), "server base URL")
	flagSet.StringVar(&key, "key", os.Getenv("AGENTROOM_KEY"), "API key")
	flagSet.StringVar(&roomID, "room", "", "room ID to join")
	flagSet.StringVar(&name, "name", envOr("USER", "anonymous"), "display name")
	flagSet.StringVar(&outboxPath, "outbox", defaultOutboxPath(), "path of the offline outbox database")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log connection events")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if key == "" || roomID == "" {
		return fmt.Errorf("--key and --room are required")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := chatclient.New(serverURL, key, nil)
	rooms, err := api.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	if !hasRoom(rooms, roomID) {
		return fmt.Errorf("room %s not found", roomID)
	}

	box, err := outbox.Open(outboxPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := box.Close(); closeErr != nil {
			slog.Warn("Failed to close outbox", "error", closeErr)
		}
	}()

	socketURL, err := api.RoomSocketURL(roomID)
	if err != nil {
		return err
	}

	s := &session{
		ctx:    ctx,
		api:    api,
		box:    box,
		roomID: roomID,
		name:   name,
		out:    os.Stdout,
	}

	catchUp := func(ctx context.Context, since int64) ([]*domain.Message, error) {
		return api.CatchUp(ctx, roomID, since, "", 0)
	}
	// The first OPEN does not catch up; fill the gap since loadHistory once.
	var firstOpen sync.Once
	s.client = reconnect.New(&reconnect.WebSocketDialer{URL: socketURL}, catchUp, reconnect.Options{
		OnMessage: s.print,
		OnState: func(st reconnect.State) {
			slog.Info("Connection state", "state", st)
			if st == reconnect.Open {
				firstOpen.Do(func() { go s.client.Resume() })
				go s.drain()
			}
		},
		OnDisconnect: func(code int) {
			slog.Info("Disconnected", "code", code)
		},
	})

	if err := s.loadHistory(ctx); err != nil {
		return err
	}
	s.client.Start(ctx)
	defer s.client.Close()

	resume := make(chan os.Signal, 1)
	signal.Notify(resume, syscall.SIGCONT)
	defer signal.Stop(resume)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-resume:
				s.client.Resume()
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := s.handleLine(line); quit {
				return nil
			}
		}
	}
}

type session struct {
	ctx    context.Context
	api    *chatclient.Client
	box    *outbox.Outbox
	client *reconnect.Client
	roomID string
	name   string

	mu  sync.Mutex
	out io.Writer
}

func (s *session) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func (s *session) print(m *domain.Message) {
	prefix := ""
	if m.ReviewID != "" {
		prefix = "[review " + m.ReviewID + "] "
	}
	s.printf("#%d %s: %s%s\n", m.SeqValue(), m.Sender, prefix, m.Content)
}

// loadHistory prints the room's existing messages and moves the cursor
// past them.
func (s *session) loadHistory(ctx context.Context) error {
	var since int64
	for {
		msgs, err := s.api.CatchUp(ctx, s.roomID, since, "", 0)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		for _, m := range msgs {
			s.print(m)
			since = max(since, m.SeqValue())
		}
	}
	s.client.SetCursor(since)
	return nil
}

func (s *session) handleLine(line string) (quit bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/outbox":
		s.listOutbox()
	case line == "/retry" || strings.HasPrefix(line, "/retry "):
		s.retry(strings.TrimSpace(strings.TrimPrefix(line, "/retry")))
	case line == "/reconnect":
		s.client.Resume()
	default:
		e := &outbox.Entry{
			RoomID:     s.roomID,
			Sender:     s.name,
			SenderType: domain.SenderHuman,
			Content:    line,
		}
		if err := s.box.Enqueue(s.ctx, e); err != nil {
			s.printf("! could not queue message: %v\n", err)
			return false
		}
		if s.client.State() == reconnect.Open {
			go s.drain()
		} else {
			s.printf("~ queued %s (offline)\n", e.TempID)
		}
	}
	return false
}

func (s *session) send(ctx context.Context, e *outbox.Entry) error {
	_, err := s.api.PostMessage(ctx, e.RoomID, chatclient.MessageRequest{
		Sender:     e.Sender,
		SenderType: e.SenderType,
		Content:    e.Content,
		Color:      e.Color,
	})
	return err
}

func (s *session) drain() {
	results, err := s.box.Drain(s.ctx, s.roomID, s.send)
	if err != nil && s.ctx.Err() == nil {
		slog.Warn("Outbox drain failed", "error", err)
	}
	for _, r := range results {
		if r.Status == outbox.StatusFailed {
			s.printf("! %s failed: %v (use /retry %s)\n", r.TempID, r.Err, r.TempID)
		}
	}
}

func (s *session) retry(tempID string) {
	entries, err := s.box.List(s.ctx, s.roomID)
	if err != nil {
		s.printf("! %v\n", err)
		return
	}
	for _, e := range entries {
		if e.Status != outbox.StatusFailed || (tempID != "" && e.TempID != tempID) {
			continue
		}
		r, err := s.box.Retry(s.ctx, e.TempID, s.send)
		switch {
		case err != nil:
			s.printf("! %v\n", err)
		case r.Status == outbox.StatusFailed:
			s.printf("! %s failed again: %v\n", r.TempID, r.Err)
		}
	}
}

func (s *session) listOutbox() {
	entries, err := s.box.List(s.ctx, s.roomID)
	if err != nil {
		s.printf("! %v\n", err)
		return
	}
	if len(entries) == 0 {
		s.printf("~ outbox empty\n")
	}
	for _, e := range entries {
		s.printf("~ %s [%s, %d attempts] %s\n", e.TempID, e.Status, e.Attempts, e.Content)
	}
}

func hasRoom(rooms []*domain.Room, id string) bool {
	for _, r := range rooms {
		if r.ID == id {
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func defaultOutboxPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "agentroom", "outbox.db")
}
