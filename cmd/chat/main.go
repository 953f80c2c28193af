package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/taskchat/internal/client"
	"github.com/npezzotti/taskchat/internal/config"
	"github.com/npezzotti/taskchat/internal/logging"
	"github.com/npezzotti/taskchat/internal/types"
)

const typingMaxAge = 5 * time.Second

func main() {
	env, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	var (
		server   string
		token    string
		room     string
		logLevel string
	)
	flag.StringVar(&server, "server", env.ChatServer, "chat server base URL")
	flag.StringVar(&token, "token", env.Token, "session token (see server -mint-token)")
	flag.StringVar(&room, "room", "", "room id to open on start")
	flag.StringVar(&logLevel, "log-level", "warn", "log level")
	flag.Parse()

	logger := logging.NewWithWriter(os.Stderr, "dev", logLevel)

	session, err := client.NewSession(token)
	if err != nil {
		logger.Fatal().Err(err).Msg("session")
	}
	wsURL, err := client.WebsocketURL(server)
	if err != nil {
		logger.Fatal().Err(err).Msg("server url")
	}

	gateway := client.NewGateway(server, session, nil)
	conn := client.NewManager(client.ManagerOptions{
		URL:    wsURL,
		Tokens: session,
		Logger: logger,
	})
	router := client.NewRouter(conn, gateway, session.User(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	term := newTerminal(os.Stdout, gateway, router, session.User())
	conn.On(types.EventRoomListUpdated, term.onRoomListUpdated)
	conn.OnStateChange(term.onStateChange)

	// keep one unit of interest for the whole session so room list
	// notifications arrive even with no room open
	if _, err := conn.Acquire(ctx); err != nil {
		logger.Fatal().Err(err).Msg("connect")
	}

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				router.Typing().Prune(typingMaxAge)
			}
		}
	}()

	term.printf("signed in as %s, /help for commands", session.User().Username)
	if room != "" {
		if err := term.handle(ctx, "/join "+room); err != nil {
			term.printf("error: %v", err)
		}
	}

	term.run(ctx, os.Stdin)

	term.closeView()
	router.Close()
	conn.Reset()
}
