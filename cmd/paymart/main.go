package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	. "github.com/DrGermanius/Paymart/internal"
)

const initiateLimit = 5

func main() {
	//decimals at json as string
	//https://github.com/shopspring/decimal/issues/21
	decimal.MarshalJSONWithoutQuotes = true

	z, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	sugaredLogger := z.Sugar()
	defer sugaredLogger.Sync()

	cfg, err := NewConfig()
	if err != nil {
		sugaredLogger.Fatal(err)
	}

	repository, err := NewRepository(cfg.DatabaseURI, sugaredLogger)
	if err != nil {
		sugaredLogger.Fatal(err)
	}
	defer repository.Close()

	gateway, err := NewGateway(cfg, sugaredLogger)
	if err != nil {
		sugaredLogger.Fatal(err)
	}

	publisher, err := NewEventPublisher(cfg, sugaredLogger)
	if err != nil {
		sugaredLogger.Fatal(err)
	}
	defer publisher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := NewOutboxRelay(repository, publisher, sugaredLogger, cfg.OutboxInterval)
	go relay.Run(ctx)

	service := NewService(repository, gateway, relay, sugaredLogger, cfg.ReconcileOnPoll)
	sweeper := NewPaymentSweeper(service, sugaredLogger, cfg.SweepInterval, cfg.SweepAge)
	go sweeper.Run(ctx)

	handlers := NewHandlers(service, cfg, sugaredLogger)

	app := fiber.New()
	app.Use(logger.New())
	SetupRoutes(app, handlers, initiateLimit)

	go func() {
		if err := app.Listen(cfg.RunAddress); err != nil {
			sugaredLogger.Fatal(err)
		}
	}()
	sugaredLogger.Infow("payment service started", "address", cfg.RunAddress, "provider", gateway.Name())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	sugaredLogger.Info("Shutting down service...")

	cancel()
	if err = app.Shutdown(); err != nil {
		sugaredLogger.Error(err)
	}
}
