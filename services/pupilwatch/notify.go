package pupilwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"pupilwatch-backend/lib/timezone"

	"github.com/jordan-wright/email"
	"go.opentelemetry.io/otel/codes"
)

type SmtpConfig struct {
	Server        string `json:"server"`
	Port          int    `json:"port"`
	EmailAddress  string `json:"email_address"`
	Password      string `json:"password"`
	NotifyAddress string `json:"notify_address"`
}

const notifySuppression = time.Hour * 12

// Notifier emails the operator when an account needs new credentials.
// A nil Notifier is valid and does nothing.
type Notifier struct {
	config SmtpConfig

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewNotifier(config SmtpConfig) *Notifier {
	if config.Server == "" || config.NotifyAddress == "" {
		return nil
	}
	return &Notifier{
		config:   config,
		lastSent: map[string]time.Time{},
	}
}

// NotifyAuthFailure reports an authentication escalation for the given
// account. Repeat notifications within the suppression window are
// dropped so a broken password does not flood the operator's inbox.
func (n *Notifier) NotifyAuthFailure(ctx context.Context, account string, cause error) {
	if n == nil {
		return
	}
	ctx, span := tracer.Start(ctx, "NotifyAuthFailure")
	defer span.End()

	now := timezone.Now()
	n.mu.Lock()
	last, seen := n.lastSent[account]
	if seen && now.Sub(last) < notifySuppression {
		n.mu.Unlock()
		slog.DebugContext(ctx, "auth failure notification suppressed",
			"account", account, "last_sent", last)
		return
	}
	n.lastSent[account] = now
	n.mu.Unlock()

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("Pupilwatch <%s>", n.config.EmailAddress)
	mail.To = []string{n.config.NotifyAddress}
	mail.Subject = fmt.Sprintf("Pupilwatch: login failing for %s", account)

	body := fmt.Sprintf(`Pupilwatch can no longer log in to InfoMentor for the account below and has no cached data to serve.

Account: %s
Error:   %v

Please check the stored credentials. Refreshing resumes automatically once a login succeeds.`, account, cause)
	mail.Text = []byte(body)

	err := mail.Send(
		fmt.Sprintf("%s:%d", n.config.Server, n.config.Port),
		smtp.PlainAuth("", n.config.EmailAddress, n.config.Password, n.config.Server),
	)
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(fmt.Sprintf("%s:%d", n.config.Server, n.config.Port), nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send notification email")
		slog.ErrorContext(ctx, "failed to send auth failure notification",
			"account", account, "err", err)
		return
	}

	slog.InfoContext(ctx, "sent auth failure notification", "account", account)
}
