package email

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/Dan9191/dues-service/internal/config"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"
)

// Sender handles sending emails via SMTP
type Sender struct {
	cfg    *config.Config
	logger *logrus.Logger
	send   func(e *email.Email, addr string, auth smtp.Auth) error
}

// NewSender creates a new email sender
func NewSender(cfg *config.Config, logger *logrus.Logger) *Sender {
	return &Sender{
		cfg:    cfg,
		logger: logger,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

// Enabled reports whether SMTP and an operator address are configured.
func (s *Sender) Enabled() bool {
	return s.cfg.SMTPHost != "" && s.cfg.OperatorEmail != ""
}

// SendEscalation tells the operator about a new item on the queue. Without
// SMTP configuration it only logs.
func (s *Sender) SendEscalation(_ context.Context, esc *models.Escalation) error {
	if !s.Enabled() {
		s.logger.WithField("escalation_id", esc.ID).Debug("SMTP not configured, escalation mail skipped")
		return nil
	}

	e := email.NewEmail()
	e.From = s.cfg.SenderEmail
	e.To = []string{s.cfg.OperatorEmail}
	e.Subject = fmt.Sprintf("[dues] %s needs attention: %s", kindTitle(esc.Kind), esc.Ref)

	body := "Hello,\n\n"
	body += "the billing pipeline could not finish the following on its own:\n\n"
	body += fmt.Sprintf("  Kind:      %s\n  Reference: %s\n  Raised at: %s\n\n%s\n",
		esc.Kind, esc.Ref, esc.CreatedAt.Format("2006-01-02 15:04:05 MST"), esc.Message)
	body += "\nResolve it in the operator API once handled.\n\nDues Service"
	e.Text = []byte(body)

	addr := fmt.Sprintf("%s:%s", s.cfg.SMTPHost, s.cfg.SMTPPort)
	auth := smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	if err := s.send(e, addr, auth); err != nil {
		s.logger.Errorf("Failed to send escalation %s to %s: %v", esc.ID, s.cfg.OperatorEmail, err)
		return fmt.Errorf("failed to send escalation email: %w", err)
	}

	s.logger.Infof("Email sent to %s: %s", s.cfg.OperatorEmail, e.Subject)
	return nil
}

func kindTitle(k models.EscalationKind) string {
	switch k {
	case models.EscalationInvoiceGeneration:
		return "Invoice generation"
	case models.EscalationBatchGeneration:
		return "Batch generation"
	case models.EscalationBankSubmission:
		return "Bank submission"
	case models.EscalationReconciliation:
		return "Reconciliation"
	}
	return string(k)
}
