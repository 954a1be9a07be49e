package bank

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Dan9191/dues-service/internal/config"
	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/sepa"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const maxResponseSize = 16 << 20

// Client talks to the bank's collection gateway. Files are posted as
// pain.008 and answered with pain.002 status reports.
type Client struct {
	baseURL string
	apiKey  string
	client  *retryablehttp.Client
	log     *logrus.Logger
}

// NewClient initializes a new bank gateway client
func NewClient(cfg *config.Config, log *logrus.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.Logger = leveledLogger{log: log}

	return &Client{
		baseURL: strings.TrimRight(cfg.BankURL, "/"),
		apiKey:  cfg.BankAPIKey,
		client:  rc,
		log:     log,
	}
}

// WithHTTPClient swaps the transport, mostly for tests.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.client.HTTPClient = hc
	return c
}

// Submit posts a collection file. The message ID doubles as idempotency key,
// so a file the bank already holds is answered with 409 and treated as
// accepted.
func (c *Client) Submit(ctx context.Context, messageID string, doc []byte) (*models.SubmissionAck, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/collections", doc)
	if err != nil {
		return nil, ierr.WithError(err).WithMessage("failed to create request").Mark(ierr.ErrFatal)
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	req.Header.Set("Idempotency-Key", messageID)
	c.authorize(req)

	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	log := c.log.WithFields(logrus.Fields{"message_id": messageID, "status_code": status})

	switch {
	case status == http.StatusConflict:
		log.Info("Bank already holds this message")
		return &models.SubmissionAck{Accepted: true, Code: "DUPL"}, nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, ierr.NewErrorf("bank gateway refused credentials (%d)", status).
			WithHint("Check BANK_API_KEY").
			Mark(ierr.ErrPermissionDenied)
	case status >= 500:
		return nil, ierr.NewErrorf("bank gateway returned %d", status).Mark(ierr.ErrTransient)
	}

	ack := &models.SubmissionAck{Accepted: status < 300}
	if len(bytes.TrimSpace(body)) > 0 {
		report, perr := sepa.ParseStatusReport(body)
		if perr == nil {
			if report.MessageID != messageID {
				return nil, ierr.NewErrorf("bank answered for message %s, expected %s", report.MessageID, messageID).
					Mark(ierr.ErrFatal)
			}
			if report.Rejected {
				ack.Accepted = false
				ack.Code = report.RejectionCode
				ack.Reason = report.RejectionReason
			}
		} else if status < 300 {
			log.WithError(perr).Warn("Unreadable acknowledgement, treating as accepted")
		}
	}
	if !ack.Accepted && ack.Reason == "" {
		ack.Reason = fmt.Sprintf("bank gateway returned %d: %s", status, truncate(body, 200))
	}
	log.WithField("accepted", ack.Accepted).Info("Bank acknowledged submission")
	return ack, nil
}

// FetchReports returns the status reports the bank currently has for us.
func (c *Client) FetchReports(ctx context.Context) ([]*models.SettlementReport, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/reports", nil)
	if err != nil {
		return nil, ierr.WithError(err).WithMessage("failed to create request").Mark(ierr.ErrFatal)
	}
	req.Header.Set("Accept", "application/xml")
	c.authorize(req)

	status, body, err := c.do(req)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNoContent:
		return nil, nil
	case status >= 500:
		return nil, ierr.NewErrorf("bank gateway returned %d", status).Mark(ierr.ErrTransient)
	case status >= 300:
		return nil, ierr.NewErrorf("bank gateway returned %d: %s", status, truncate(body, 200)).Mark(ierr.ErrBusinessRule)
	}

	reports, err := sepa.ParseStatusReports(body)
	if err != nil {
		return nil, ierr.WithError(err).WithMessage("failed to parse status reports").Mark(ierr.ErrValidation)
	}
	c.log.WithField("reports", len(reports)).Debug("Fetched status reports")
	return reports, nil
}

func (c *Client) authorize(req *retryablehttp.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// do sends the request; connection failures left after the client's own
// retries are transient for the caller.
func (c *Client) do(req *retryablehttp.Request) (int, []byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, ierr.WithError(err).WithMessage("bank gateway unreachable").Mark(ierr.ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return 0, nil, ierr.WithError(err).WithMessage("failed to read response").Mark(ierr.ErrTransient)
	}
	return resp.StatusCode, body, nil
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

// leveledLogger routes retryablehttp's logging into logrus.
type leveledLogger struct {
	log *logrus.Logger
}

func (l leveledLogger) fields(kv []any) logrus.Fields {
	f := logrus.Fields{"component": "bank_client"}
	for i := 0; i+1 < len(kv); i += 2 {
		f[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return f
}

func (l leveledLogger) Error(msg string, kv ...any) { l.log.WithFields(l.fields(kv)).Error(msg) }
func (l leveledLogger) Info(msg string, kv ...any)  { l.log.WithFields(l.fields(kv)).Debug(msg) }
func (l leveledLogger) Debug(msg string, kv ...any) { l.log.WithFields(l.fields(kv)).Debug(msg) }
func (l leveledLogger) Warn(msg string, kv ...any)  { l.log.WithFields(l.fields(kv)).Warn(msg) }
