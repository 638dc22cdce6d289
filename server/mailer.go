package server

import (
	"context"
	"log/slog"
	"time"
)

// mailTimeout bounds a single asynchronous send.
const mailTimeout = 30 * time.Second

// Mailer delivers account mails. Sends happen outside the request that
// triggered them; a failed send never undoes the account change.
type Mailer interface {
	SendVerificationEmail(ctx context.Context, to, link string) error
	SendPasswordResetEmail(ctx context.Context, to, link string) error
}

// LogMailer writes mails to the log instead of sending them. It is the
// default for development; the links it logs are live credentials.
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a LogMailer
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// SendVerificationEmail logs the verification link
func (m *LogMailer) SendVerificationEmail(ctx context.Context, to, link string) error {
	m.logger.InfoContext(ctx, "Verification email", "to", to, "link", link)
	return nil
}

// SendPasswordResetEmail logs the reset link
func (m *LogMailer) SendPasswordResetEmail(ctx context.Context, to, link string) error {
	m.logger.InfoContext(ctx, "Password reset email", "to", to, "link", link)
	return nil
}

// sendMail runs send in the background, detached from the request context.
func (s *Server) sendMail(ctx context.Context, kind string, send func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, mailTimeout)
		defer cancel()
		if err := send(ctx); err != nil {
			s.Logger.Error("Failed to send email", "kind", kind, "error", err)
		}
	}()
}
