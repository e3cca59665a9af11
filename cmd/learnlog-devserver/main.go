// Command learnlog-devserver serves an in-memory learnlog backend for local
// development and manual offline testing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/learnlog/internal/devserver"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type userList []string

func (u *userList) String() string { return strings.Join(*u, ",") }

func (u *userList) Set(v string) error {
	if name, pass, ok := strings.Cut(v, ":"); !ok || name == "" || pass == "" {
		return fmt.Errorf("want name:password, got %q", v)
	}
	*u = append(*u, v)
	return nil
}

// main registers the seed users and serves until SIGINT or SIGTERM.
func main() {
	addr := flag.String("addr", "localhost:8000", "listen address")
	jwtKey := flag.String("jwt-key", "", "HS256 signing key (random when empty)")
	accessTTL := flag.Duration("access-ttl", 15*time.Minute, "access token TTL")
	refreshTTL := flag.Duration("refresh-ttl", 7*24*time.Hour, "refresh token TTL")
	var users userList
	flag.Var(&users, "user", "seed user as name:password (repeatable)")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", *addr),
	)

	srv, err := devserver.New(devserver.Options{
		SignKey:    []byte(*jwtKey),
		AccessTTL:  *accessTTL,
		RefreshTTL: *refreshTTL,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("devserver.New", zap.Error(err))
	}
	if len(users) == 0 {
		users = userList{"demo:demo"}
	}
	for _, u := range users {
		name, pass, _ := strings.Cut(u, ":")
		if _, err := srv.Register(name, pass); err != nil {
			logger.Fatal("register user", zap.String("username", name), zap.Error(err))
		}
		logger.Info("registered user", zap.String("username", name))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hs := &http.Server{
		Addr:              *addr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", *addr))
		errCh <- hs.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := hs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown", zap.Error(err))
			_ = hs.Close()
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}
