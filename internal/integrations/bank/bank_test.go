package bank

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Dan9191/dues-service/internal/config"
	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rejection = `<Document><CstmrPmtStsRpt><OrgnlGrpInfAndSts>
	<OrgnlMsgId>MSG-1</OrgnlMsgId><GrpSts>RJCT</GrpSts>
	<StsRsnInf><Rsn><Cd>FF01</Cd></Rsn></StsRsnInf>
</OrgnlGrpInfAndSts></CstmrPmtStsRpt></Document>`

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	log := logrus.New()
	log.SetOutput(io.Discard)
	c := NewClient(&config.Config{BankURL: srv.URL + "/", BankAPIKey: "key"}, log)
	c.client.RetryMax = 0
	return c
}

func TestSubmitAccepted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/collections", r.URL.Path)
		assert.Equal(t, "MSG-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "<Document/>", string(body))
		w.WriteHeader(http.StatusAccepted)
	})

	ack, err := c.Submit(context.Background(), "MSG-1", []byte("<Document/>"))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
}

func TestSubmitDuplicateIsAccepted(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	ack, err := c.Submit(context.Background(), "MSG-1", []byte("<Document/>"))
	require.NoError(t, err)
	assert.True(t, ack.Accepted)
	assert.Equal(t, "DUPL", ack.Code)
}

func TestSubmitRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(rejection))
	})

	ack, err := c.Submit(context.Background(), "MSG-1", []byte("<Document/>"))
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
	assert.Equal(t, "FF01", ack.Code)
	assert.Contains(t, ack.Reason, "FF01")
}

func TestSubmitPlainClientError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "schema violation", http.StatusBadRequest)
	})

	ack, err := c.Submit(context.Background(), "MSG-1", []byte("<Document/>"))
	require.NoError(t, err)
	assert.False(t, ack.Accepted)
	assert.Equal(t, "bank gateway returned 400: schema violation", ack.Reason)
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"server error", http.StatusBadGateway, "", ierr.IsTransient},
		{"bad credentials", http.StatusUnauthorized, "", func(err error) bool { return ierr.Is(err, ierr.ErrPermissionDenied) }},
		{"answer for another message", http.StatusOK, rejection, ierr.IsFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.Submit(context.Background(), "MSG-OTHER", []byte("<Document/>"))
			require.Error(t, err)
			assert.True(t, tt.check(err), err.Error())
		})
	}
}

func TestSubmitUnreachable(t *testing.T) {
	c := newTestClient(t, func(http.ResponseWriter, *http.Request) {})
	c.baseURL = "http://127.0.0.1:1"

	_, err := c.Submit(context.Background(), "MSG-1", []byte("<Document/>"))
	require.Error(t, err)
	assert.True(t, ierr.IsTransient(err))
}

func TestFetchReports(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reports", r.URL.Path)
		_, _ = w.Write([]byte("<Reports>" + rejection + "</Reports>"))
	})

	reports, err := c.FetchReports(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "MSG-1", reports[0].MessageID)
	assert.True(t, reports[0].Rejected)
}

func TestFetchReportsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	reports, err := c.FetchReports(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestFetchReportsUnparseable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("garbage <"))
	})

	_, err := c.FetchReports(context.Background())
	assert.True(t, ierr.IsValidation(err))
}
