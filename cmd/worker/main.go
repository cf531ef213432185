// Command worker drains the notification outbox: it claims pending
// messages, renders their templates and delivers them over SMTP (email)
// or the log sender (sms, or email when SMTP is not configured).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/notify"
	"github.com/wardenhq/warden/internal/storage"
	"github.com/wardenhq/warden/pkg/logger"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.Setup(cfg.Env)

	if err := run(cfg, log); err != nil {
		log.Error("worker_exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := storage.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	var emailSender notify.Sender
	if cfg.SMTPHost != "" {
		emailSender = notify.NewSMTPSender(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.SMTPFrom,
		})
	} else {
		log.Warn("smtp_not_configured", "detail", "email notifications are logged, not delivered")
		emailSender = notify.NewLogSender(log)
	}

	worker := notify.NewWorker(storage.NewOutboxStore(pool), map[string]notify.Sender{
		"email": emailSender,
		"sms":   notify.NewLogSender(log),
	}, os.Getenv("PUBLIC_BASE_URL"), log)

	worker.Run(ctx)

	// One final pass so messages claimed before the signal still settle.
	worker.ProcessOnce(context.Background())
	return nil
}
