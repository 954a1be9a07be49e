package email

import (
	"context"
	"errors"
	"io"
	"net/smtp"
	"testing"
	"time"

	"github.com/Dan9191/dues-service/internal/config"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/jordan-wright/email"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mail *email.Email
	addr string
}

func newTestSender(cfg *config.Config, sendErr error) (*Sender, *[]captured) {
	log := logrus.New()
	log.SetOutput(io.Discard)
	s := NewSender(cfg, log)
	var sent []captured
	s.send = func(e *email.Email, addr string, _ smtp.Auth) error {
		sent = append(sent, captured{mail: e, addr: addr})
		return sendErr
	}
	return s, &sent
}

func testEscalation() *models.Escalation {
	return &models.Escalation{
		ID:        "esc_1",
		Kind:      models.EscalationBankSubmission,
		Ref:       "bat_1",
		Message:   "bank unreachable after 5 attempts",
		CreatedAt: time.Date(2024, time.January, 10, 9, 0, 0, 0, time.UTC),
	}
}

func TestSendEscalation(t *testing.T) {
	cfg := &config.Config{SMTPHost: "smtp.example.org", SMTPPort: "587", SenderEmail: "billing@example.org", OperatorEmail: "treasurer@example.org"}
	s, sent := newTestSender(cfg, nil)

	require.NoError(t, s.SendEscalation(context.Background(), testEscalation()))
	require.Len(t, *sent, 1)
	got := (*sent)[0]
	assert.Equal(t, "smtp.example.org:587", got.addr)
	assert.Equal(t, []string{"treasurer@example.org"}, got.mail.To)
	assert.Equal(t, "[dues] Bank submission needs attention: bat_1", got.mail.Subject)
	assert.Contains(t, string(got.mail.Text), "bank unreachable after 5 attempts")
}

func TestSendEscalationWithoutSMTP(t *testing.T) {
	s, sent := newTestSender(&config.Config{OperatorEmail: "treasurer@example.org"}, nil)
	assert.False(t, s.Enabled())
	require.NoError(t, s.SendEscalation(context.Background(), testEscalation()))
	assert.Empty(t, *sent)
}

func TestSendEscalationError(t *testing.T) {
	cfg := &config.Config{SMTPHost: "smtp.example.org", SMTPPort: "587", OperatorEmail: "treasurer@example.org"}
	s, _ := newTestSender(cfg, errors.New("connection refused"))
	err := s.SendEscalation(context.Background(), testEscalation())
	assert.ErrorContains(t, err, "connection refused")
}
