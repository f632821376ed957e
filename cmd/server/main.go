package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gemchat/gemchat/internal/chat"
	"github.com/gemchat/gemchat/internal/config"
	"github.com/gemchat/gemchat/internal/db"
	"github.com/gemchat/gemchat/internal/httpapi"
	"github.com/gemchat/gemchat/internal/logger"
	"github.com/gemchat/gemchat/internal/queue/rabbitmq"
	"github.com/gemchat/gemchat/internal/quota"
	"github.com/gemchat/gemchat/internal/store/redisstore"
	"github.com/gemchat/gemchat/internal/subscription"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		stdlog.Fatalf("logger: %v", err)
	}

	gdb := db.Connect(cfg.DBDSN)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	qc, err := rabbitmq.Dial(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial")
	}
	defer qc.Close()

	plans := subscription.NewPlans(cfg.BasicDailyMessageLimit)
	gate := quota.NewGate(gdb, plans)

	repo := chat.NewRepo(gdb)
	svc := chat.NewService(repo, chat.Options{
		Gate:          gate,
		Publisher:     qc,
		Cache:         rds,
		CacheTTL:      cfg.CacheTTL,
		ContextWindow: cfg.ChatContextWindowSize,
		Logger:        log,
	})

	r := httpapi.NewRouter(gdb, cfg, rds, svc, plans, log)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("port", cfg.Port).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
