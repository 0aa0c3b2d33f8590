// roomchat is a small terminal client for the room sync core. It joins one
// room, backfills history, and mirrors the live event stream to stdout.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lumora-app/roomsync/pkg/auth"
	"github.com/lumora-app/roomsync/pkg/cache"
	"github.com/lumora-app/roomsync/pkg/config"
	"github.com/lumora-app/roomsync/pkg/history"
	"github.com/lumora-app/roomsync/pkg/room"
	"github.com/lumora-app/roomsync/pkg/socket"
)

func main() {
	roomID := flag.String("room", "", "room id to join")
	userID := flag.String("user", "", "user id")
	flag.Parse()
	if *roomID == "" || *userID == "" {
		log.Fatal("both -room and -user are required")
	}

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	tokens := auth.Static(os.Getenv("ROOMSYNC_TOKEN"))

	rest, err := history.NewClient(cfg.ServerURL, tokens, history.WithUserID(*userID))
	if err != nil {
		log.Fatalf("history client: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	manager := socket.NewManager(socket.Config{
		URL:                  cfg.SocketURL,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectCap:         cfg.ReconnectCap,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, socket.WithLogger(logger), socket.WithBaseContext(ctx))
	defer manager.Close()

	session := room.NewSession(manager, *roomID, *userID,
		room.WithHistory(rest),
		room.WithSessionLogger(logger),
		room.WithTypingWindow(cfg.TypingWindow),
	)
	defer session.Close()

	session.OnUpdate(func() {
		snap := session.Snapshot()
		fmt.Printf("\r[%s] online: %d", snap.Membership, snap.OnlineCount)
		if len(snap.Typing) > 0 {
			fmt.Printf("  typing: %s", strings.Join(snap.Typing, ", "))
		}
		fmt.Println()
	})

	token, err := tokens.Token(ctx)
	if err != nil {
		log.Fatalf("token: %v", err)
	}
	if err := manager.Connect(ctx, token); err != nil {
		log.Fatalf("connect: %v", err)
	}
	if _, err := session.Join(ctx); err != nil {
		log.Fatalf("join: %v", err)
	}

	// Seed from the local cache first so the room renders immediately, then
	// reconcile against REST. Both merge through the same dedup path.
	var store *cache.Cache
	if cfg.CacheFile != "" {
		store, err = cache.Open(cfg.CacheFile)
		if err != nil {
			log.Fatalf("open cache: %v", err)
		}
		defer store.Close()
		if recent, err := store.Recent(ctx, *roomID, cfg.HistoryPageSize); err == nil {
			session.Store().MergeNewestFirst(recent)
		}
	}
	if _, err := session.LoadHistory(ctx, cfg.HistoryPageSize, 0); err != nil {
		logger.Warn(fmt.Sprintf("history backfill: %v", err))
	}
	render(session)

	if store != nil {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			store.Put(flushCtx, session.Store().Messages()...)
			store.Prune(flushCtx, *roomID, cfg.HistoryPageSize)
		}()
	}

	fmt.Println("commands: /react <id> <emoji>, /unreact <id> <emoji>, /delete <id>, /quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit":
			return
		case "/react", "/unreact":
			if len(fields) != 3 {
				fmt.Println("usage: " + fields[0] + " <id> <emoji>")
				continue
			}
			if fields[0] == "/react" {
				session.React(fields[1], fields[2])
			} else {
				session.Unreact(fields[1], fields[2])
			}
		case "/delete":
			if len(fields) != 2 {
				fmt.Println("usage: /delete <id>")
				continue
			}
			if err := session.Delete(fields[1]); err != nil {
				fmt.Printf("delete: %v\n", err)
			}
		default:
			session.StartTyping()
			session.Send(line, nil, func(res room.SendResult) {
				if res.Err != nil {
					// The draft stays with the caller; print it back so it
					// can be resubmitted.
					fmt.Printf("send failed (%v), draft: %s\n", res.Err, line)
					return
				}
				render(session)
			})
			session.StopTyping()
		}
	}
}

func render(s *room.Session) {
	for _, bucket := range s.Store().GroupByDate(time.Now()) {
		fmt.Printf("--- %s ---\n", bucket.Label)
		for _, m := range bucket.Messages {
			badge := ""
			if m.IsModerator {
				badge = " [mod]"
			}
			fmt.Printf("%s %s%s: %s", m.CreatedAt.Local().Format("15:04"), m.AuthorHandle, badge, m.Content)
			for emoji, count := range m.Reactions {
				fmt.Printf("  %s×%d", emoji, count)
			}
			fmt.Println()
		}
	}
}
