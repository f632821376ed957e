package main

import (
	"context"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/gemchat/gemchat/internal/ai"
	"github.com/gemchat/gemchat/internal/chat"
	"github.com/gemchat/gemchat/internal/config"
	"github.com/gemchat/gemchat/internal/db"
	"github.com/gemchat/gemchat/internal/logger"
	"github.com/gemchat/gemchat/internal/queue/rabbitmq"
	"github.com/gemchat/gemchat/internal/store/redisstore"
	"github.com/gemchat/gemchat/internal/worker"
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

	var provider ai.Provider
	switch cfg.AIProvider {
	case "gemini":
		provider = ai.NewGeminiProvider(cfg.GeminiAPIKey, cfg.GeminiModel)
	case "ollama":
		provider = ai.NewOllamaProvider(cfg.OllamaBaseURL, cfg.OllamaModel)
	default:
		log.Fatal().Str("provider", cfg.AIProvider).Msg("unsupported AI_PROVIDER")
	}

	repo := chat.NewRepo(gdb)
	svc := chat.NewService(repo, chat.Options{
		Provider:      provider,
		Cache:         rds,
		ContextWindow: cfg.ChatContextWindowSize,
		AITimeout:     cfg.AITimeout,
		Logger:        log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deliveries, err := qc.Consume(ctx, cfg.WorkerConcurrency)
	if err != nil {
		log.Fatal().Err(err).Msg("consume")
	}

	pool := worker.NewPool(svc, worker.PoolOptions{
		Concurrency: cfg.WorkerConcurrency,
		Logger:      log,
	})

	log.Info().
		Str("queue", cfg.RabbitQueue).
		Str("provider", cfg.AIProvider).
		Msg("worker started")

	pool.Run(ctx, deliveries)
}
