package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/taskchat/internal/api"
	"github.com/npezzotti/taskchat/internal/config"
	"github.com/npezzotti/taskchat/internal/database"
	"github.com/npezzotti/taskchat/internal/logging"
	"github.com/npezzotti/taskchat/internal/server"
	"github.com/npezzotti/taskchat/internal/stats"
	"github.com/npezzotti/taskchat/internal/types"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func main() {
	env, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	var (
		addr           string
		dsn            string
		signingKey     string
		allowedOrigins stringSliceFlag
		mintToken      string
	)
	flag.StringVar(&addr, "addr", env.ServerAddr, "server address")
	flag.StringVar(&dsn, "dsn", env.DatabaseDSN, "database connection string")
	flag.StringVar(&signingKey, "signing-key", env.SigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&mintToken, "mint-token", "", "print a session token for user-id:username and exit")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		allowedOrigins = env.Origins()
	}

	logger := logging.New(env.Env, env.LogLevel)

	if mintToken != "" {
		token, err := issueDevToken(signingKey, mintToken)
		if err != nil {
			logger.Fatal().Err(err).Msg("mint token")
		}
		fmt.Println(token)
		return
	}

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}
	cfg.RateLimit = env.RateLimit
	cfg.RateBurst = env.RateBurst

	dbConn, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	if env.Migrate {
		if err := dbConn.Migrate(); err != nil {
			logger.Fatal().Err(err).Msg("db migrate")
		}
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, dbConn, statsUpdater)
	if err != nil {
		logger.Fatal().Err(err).Msg("new chat server")
	}
	chatServer.SetIdleTimeout(env.RoomIdleTime)

	srv := api.NewGoChatApp(mux, logger, chatServer, dbConn, statsUpdater, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Stringer("signal", sig).Msg("received signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server")
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	logger.Info().Msg("shutting down chat server")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("chat server shutdown")
	}

	logger.Info().Msg("shutdown complete")
}

// issueDevToken signs a token for "user-id:username" so a local server can
// be used without an identity provider.
func issueDevToken(base64Key, arg string) (string, error) {
	cfg, err := config.NewConfig("-", "-", base64Key, nil)
	if err != nil {
		return "", err
	}

	rawId, username, ok := strings.Cut(arg, ":")
	if !ok || username == "" {
		return "", fmt.Errorf("expected user-id:username, got %q", arg)
	}
	id, err := uuid.Parse(rawId)
	if err != nil {
		return "", fmt.Errorf("parse user id: %w", err)
	}

	return api.IssueToken(cfg.SigningKey, types.User{Id: id, Username: username}, 24*time.Hour)
}
