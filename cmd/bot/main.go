// Package main contains the entrypoint for the nudgebot application.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/jonboulle/clockwork"

	"github.com/nudgebot/nudgebot/internal/api"
	"github.com/nudgebot/nudgebot/internal/bot"
	"github.com/nudgebot/nudgebot/internal/bot/handlers"
	"github.com/nudgebot/nudgebot/internal/bot/tasks"
	"github.com/nudgebot/nudgebot/internal/classifier"
	"github.com/nudgebot/nudgebot/internal/config"
	"github.com/nudgebot/nudgebot/internal/database"
	"github.com/nudgebot/nudgebot/internal/dedup"
	"github.com/nudgebot/nudgebot/internal/logger"
	"github.com/nudgebot/nudgebot/internal/notify"
	"github.com/nudgebot/nudgebot/internal/obligation"
	"github.com/nudgebot/nudgebot/internal/telegram"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes and starts all application components, handles graceful
// shutdown, and returns an exit code (0 for success, 1 for failure).
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	log := logger.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	slog.SetDefault(log)
	log.Info("Logger initialized", "level", cfg.Log.Level, "json", cfg.Log.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	aiClient, err := classifier.NewClient(ctx, cfg.Gemini, log)
	if err != nil {
		log.Error("Failed to initialize Gemini client", "error", err)
		return 1
	}

	guard := dedup.NewGuard(cfg.Telegram.DedupCapacity)

	// The Telegram bot, notifier, and handlers form a cycle: handlers need
	// the notifier, the notifier needs the bot, the bot needs the default
	// handler. The default handler closes over hDeps, which is completed
	// below before the bot starts receiving updates.
	hDeps := handlers.HandlerDeps{
		Logger: log,
		Config: cfg,
		Store:  store,
		Guard:  guard,
	}

	botOpts := []tgbot.Option{
		tgbot.WithMiddlewares(logger.Middleware(log)),
		tgbot.WithDefaultHandler(func(hctx context.Context, b *tgbot.Bot, update *models.Update) {
			handlers.NewMessageHandler(hDeps)(hctx, b, update)
		}),
	}
	tg, err := telegram.NewTelegramBot(cfg.Telegram.Token, log, botOpts...)
	if err != nil {
		log.Error("Failed to create Telegram bot", "error", err)
		return 1
	}

	me, err := tg.GetMe(ctx)
	if err != nil {
		log.Error("Failed to get bot info", "error", err)
		return 1
	}
	log.Info("Retrieved bot info", "bot_id", me.ID, "bot_username", me.Username)

	notifier := notify.NewTelegramNotifier(tg, log)
	obligations := obligation.NewService(store, notifier, aiClient, clockwork.NewRealClock(), log, cfg.Obligation)

	hDeps.Classifier = aiClient
	hDeps.Notifier = notifier
	hDeps.Obligations = obligations
	hDeps.Bot = handlers.BotInfo{ID: me.ID, FirstName: me.FirstName}

	if err := telegram.RegisterHandlers(tg, log, handlers.RegisterAllCommands(hDeps)); err != nil {
		log.Error("Failed to register Telegram handlers", "error", err)
		return 1
	}

	tDeps := tasks.TaskDeps{
		Logger:      log,
		Store:       store,
		Obligations: obligations,
		Config:      cfg,
	}
	sched, err := bot.NewScheduler(log, &cfg.Scheduler, tasks.RegisterAllTasks(tDeps))
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	apiServer := api.NewServer(cfg.API.Addr, store, obligations, log)
	app := bot.NewBot(log, cfg, db, store, tg, sched, apiServer)

	log.Info("Starting bot...")
	runErr := app.Run(ctx)
	log.Info("Bot run loop finished. Initiating shutdown...")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Bot stopped due to error", "error", runErr)
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Bot stopped gracefully.")
	time.Sleep(time.Second)
	return 0
}
