/*
Package notify delivers workflow notifications to workers.

PURPOSE:
  The workflow engine builds a Notification inside the transition and hands
  it to a workflow.Notifier after commit, on a background goroutine. This
  package provides the concrete notifiers wired by the server:

  - Email: SMTP through gomail, addressed from the worker registry
  - Log:   Structured log line, the default when SMTP is not configured
  - Multi: Fan-out to several notifiers

FAILURE MODEL:
  A failed notification never affects the committed transition. Notifiers
  return errors so the engine can log them; nothing retries.
*/
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"

	"gopkg.in/gomail.v2"

	"github.com/warp/issuance-engine/config"
	"github.com/warp/issuance-engine/inventory"
	"github.com/warp/issuance-engine/logger"
	"github.com/warp/issuance-engine/workflow"
)

// =============================================================================
// EMAIL
// =============================================================================

// Sender is the part of *gomail.Dialer the email notifier needs.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// WorkerDirectory resolves a worker's email address.
type WorkerDirectory interface {
	GetWorker(ctx context.Context, tenant inventory.TenantID, id inventory.WorkerID) (*inventory.Worker, error)
}

type Email struct {
	Sender      Sender
	Workers     WorkerDirectory
	FromAddress string
	FromName    string
	Log         *slog.Logger
}

func NewEmail(cfg config.EmailConfig, workers WorkerDirectory) *Email {
	return &Email{
		Sender:      gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		Workers:     workers,
		FromAddress: cfg.FromAddress,
		FromName:    cfg.FromName,
		Log:         logger.WithComponent("notify.email"),
	}
}

// Notify emails the worker. Workers without an address are skipped.
func (e *Email) Notify(ctx context.Context, n workflow.Notification) error {
	w, err := e.Workers.GetWorker(ctx, n.TenantID, n.WorkerID)
	if err != nil {
		return fmt.Errorf("failed to resolve worker %s: %w", n.WorkerID, err)
	}
	if w.Email == "" {
		e.log().Debug("worker has no email, notification skipped",
			"tenant_id", n.TenantID, "worker_id", n.WorkerID, "request_id", n.RequestID)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", e.FromAddress, e.FromName)
	m.SetAddressHeader("To", w.Email, w.Name)
	m.SetHeader("Subject", n.Subject)
	m.SetBody("text/plain", plainBody(w.Name, n))
	m.AddAlternative("text/html", htmlBody(w.Name, n))

	if err := e.Sender.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	e.log().Info("notification emailed",
		"tenant_id", n.TenantID, "request_id", n.RequestID, "status", n.Status)
	return nil
}

func plainBody(name string, n workflow.Notification) string {
	return fmt.Sprintf("Hello %s,\n\n%s\n\nRequest: %s\nStatus: %s\n", name, n.Body, n.RequestID, n.Status)
}

func htmlBody(name string, n workflow.Notification) string {
	return fmt.Sprintf(`
		<html>
		<body>
			<p>Hello %s,</p>
			<p>%s</p>
			<p>Request: <code>%s</code><br>Status: <strong>%s</strong></p>
		</body>
		</html>
	`, html.EscapeString(name), html.EscapeString(n.Body),
		html.EscapeString(string(n.RequestID)), html.EscapeString(string(n.Status)))
}

func (e *Email) log() *slog.Logger {
	if e.Log == nil {
		return logger.Get()
	}
	return e.Log
}

// =============================================================================
// LOG
// =============================================================================

type Log struct {
	Logger *slog.Logger
}

func NewLog() *Log {
	return &Log{Logger: logger.WithComponent("notify")}
}

func (l *Log) Notify(_ context.Context, n workflow.Notification) error {
	log := l.Logger
	if log == nil {
		log = logger.Get()
	}
	log.Info("notification",
		"tenant_id", n.TenantID,
		"request_id", n.RequestID,
		"worker_id", n.WorkerID,
		"status", n.Status,
		"subject", n.Subject,
	)
	return nil
}

// =============================================================================
// MULTI
// =============================================================================

// Multi sends to every notifier and joins their errors.
type Multi []workflow.Notifier

func (m Multi) Notify(ctx context.Context, n workflow.Notification) error {
	var errs []error
	for _, notifier := range m {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
