package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"classroom_live/native/internal/auth"
	"classroom_live/native/internal/config"
	"classroom_live/native/internal/logging"
	"classroom_live/native/internal/relay"
)

var version = "dev"

const helpText = `classroomd - Signaling relay and state API for live classrooms

Usage:
  classroomd [options]

Serves the classroom and course websockets and the session state endpoint:
  GET /ws/classroom/:sessionId
  GET /ws/course/:courseId
  GET /api/sessions/:sessionId/state   (Bearer token)

Environment Variables (required):
  JWT_SECRET        HMAC secret for classroom tokens

Environment Variables (optional):
  CLASSROOMD_ADDR   Listen address (default :8080)
  CLASSROOMD_ENV    development (default) or production
  REDIS_ADDR        Keep presence and strokes in Redis instead of memory
  REDIS_PREFIX      Redis key prefix (default classroom)
  ROLLBAR_TOKEN     Report warnings and errors to Rollbar

Examples:
  # Run the relay
  JWT_SECRET=dev classroomd

  # Issue a token for a client
  JWT_SECRET=dev classroomd --issue-token alice

Options:
  --issue-token USER  Print a 24h token for USER and exit
  -h, --help          Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	cfg, err := config.LoadRelay()
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	if len(os.Args) > 2 && os.Args[1] == "--issue-token" {
		token, err := auth.Issue(cfg.JWTSecret, os.Args[2], 24*time.Hour)
		if err != nil {
			log.Fatalf("[main] issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	logging.Setup(logging.ReportConfig{
		Token:       cfg.RollbarToken,
		Environment: cfg.Env,
		CodeVersion: version,
	})
	defer logging.Close()

	var store relay.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatalf("[main] connect to redis at %s: %v", cfg.RedisAddr, err)
		}
		defer rdb.Close()
		log.Printf("[main] redis connection established (%s)", cfg.RedisAddr)
		store = relay.NewRedisStore(rdb, cfg.RedisPrefix)
	} else {
		log.Printf("[main] REDIS_ADDR not set, keeping state in memory")
		store = relay.NewMemoryStore()
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	hub := relay.NewHub(relay.HubOptions{Secret: cfg.JWTSecret, Store: store})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           relay.NewRouter(hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	ossignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("[main] shutdown: %v", err)
		}
	}()

	log.Printf("[main] classroomd %s listening on %s", version, cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[main] serve: %v", err)
	}
	log.Printf("[main] done")
}
