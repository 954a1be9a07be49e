package app

import (
	"context"
	"fmt"
	"time"

	"github.com/Dan9191/dues-service/internal/audit"
	"github.com/Dan9191/dues-service/internal/config"
	"github.com/Dan9191/dues-service/internal/events"
	"github.com/Dan9191/dues-service/internal/handler"
	"github.com/Dan9191/dues-service/internal/integrations/bank"
	"github.com/Dan9191/dues-service/internal/metrics"
	"github.com/Dan9191/dues-service/internal/middleware"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/Dan9191/dues-service/internal/sepa"
	"github.com/Dan9191/dues-service/internal/service"
	"github.com/Dan9191/dues-service/internal/storage"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/Dan9191/dues-service/internal/utils/email"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// App holds every long lived component of the service.
type App struct {
	Config  *config.Config
	Log     *logrus.Logger
	DB      *sqlx.DB
	Repo    *repository.Repository
	Metrics *metrics.Metrics
	Events  *events.PubSub
	Files   storage.FileStore

	Queue    *service.OperatorQueue
	Pipeline *service.Pipeline
	Workflow *service.Workflow
	Statuses *service.MemberStatusService
	Auth     *service.AuthService
	Handler  *handler.Handler
}

// NewLogger builds the JSON logger used by every binary.
func NewLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)
	return logger
}

// New connects to the database and wires the services.
func New(ctx context.Context, cfg *config.Config, log *logrus.Logger) (*App, error) {
	db, err := sqlx.Open("postgres", cfg.DBConn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cipher, err := utils.NewFieldCipher(cfg.EncryptionKey, cfg.HMACSecret)
	if err != nil {
		db.Close()
		return nil, err
	}

	files, err := newFileStore(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &App{
		Config:  cfg,
		Log:     log,
		DB:      db,
		Repo:    repository.NewRepository(db, cipher),
		Metrics: metrics.New(),
		Events:  events.NewPubSub(log),
		Files:   files,
	}
	a.wire(bank.NewClient(cfg, log), email.NewSender(cfg, log))
	return a, nil
}

func newFileStore(ctx context.Context, cfg *config.Config) (storage.FileStore, error) {
	if cfg.ArtifactBucket != "" {
		return storage.NewS3FileStore(ctx, cfg.AWSRegion, cfg.ArtifactBucket, "collections")
	}
	return storage.NewLocalFileStore(cfg.ArtifactDir)
}

func (a *App) wire(bankClient service.BankChannel, alerter service.Alerter) {
	repo, log, m := a.Repo, a.Log, a.Metrics
	writer := audit.NewSystemWriter(repo.Audit, log)
	creditor := sepa.Creditor{
		Name:       a.Config.Creditor.Name,
		IBAN:       a.Config.Creditor.IBAN,
		BIC:        a.Config.Creditor.BIC,
		CreditorID: a.Config.Creditor.CreditorID,
	}

	a.Queue = service.NewOperatorQueue(repo.Escalations, alerter, m, log)
	a.Statuses = service.NewMemberStatusService(repo.Invoices, repo.Policies, a.Events, m, log)
	a.Workflow = service.NewWorkflow(repo.Batches, repo.Invoices, repo.Mandates, a.Statuses, a.Queue, a.Events, m, writer, log)
	a.Auth = service.NewAuthService(a.Config.OperatorUser, a.Config.OperatorPasswordHash, a.Config.JWTSecret, log)

	dues := service.NewDuesService(repo.Schedules, repo.Invoices, a.Queue, a.Events, m, writer, log)
	assembler := service.NewAssembler(repo.Batches, repo.Mandates, m, writer, log)
	renderer := service.NewRenderService(repo.Batches, repo.Invoices, repo.Mandates, a.Files, creditor, a.Events, m, writer, log)
	submitter := service.NewSubmitter(repo.Batches, a.Files, bankClient, a.Workflow, a.Queue, a.Events, m, writer, log)

	a.Pipeline = service.NewPipeline(service.PipelineDeps{
		Dues:          dues,
		Assembler:     assembler,
		Renderer:      renderer,
		Submitter:     submitter,
		Workflow:      a.Workflow,
		Statuses:      a.Statuses,
		Notifications: service.NewNotificationEvaluator(a.Events, m, log),
		Ledger:        repo.Invoices,
		Batches:       repo.Batches,
		Bank:          bankClient,
		Queue:         a.Queue,
		Metrics:       m,
		Log:           log,
	})

	a.Handler = handler.NewHandler(handler.Deps{
		Auth:      a.Auth,
		Mandates:  service.NewMandateService(repo.Mandates, log),
		Schedules: service.NewScheduleService(repo.Schedules, a.Config.Billing.Currency, log),
		Policies:  service.NewPolicyService(repo.Policies, a.Statuses, log),
		Statuses:  a.Statuses,
		Pipeline:  a.Pipeline,
		Assembler: assembler,
		Renderer:  renderer,
		Submitter: submitter,
		Workflow:  a.Workflow,
		Queue:     a.Queue,
		Batches:   repo.Batches,
		Files:     a.Files,
		Audit:     audit.NewReader(repo.Audit),
		Settings:  a.RunSettings,
		Log:       log,
	})
}

// RunSettings returns the policy frozen at process start. Every run gets
// its own copy.
func (a *App) RunSettings() config.RunSettings {
	return a.Config.RunSettings()
}

// LogEvents subscribes to every topic and logs what is published until ctx
// ends. Delivery to members happens in other services; this keeps a trace
// of the read events in the service's own log.
func (a *App) LogEvents(ctx context.Context) error {
	for _, topic := range events.Topics {
		ch, err := a.Events.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		go func(topic string, ch <-chan *message.Message) {
			for msg := range ch {
				payload, err := events.Decode[map[string]any](msg)
				if err != nil {
					a.Log.WithError(err).WithField("topic", topic).Warn("Undecodable event")
					continue
				}
				a.Log.WithFields(logrus.Fields{"topic": topic, "event_id": msg.UUID, "payload": payload}).Info("Event")
			}
		}(topic, ch)
	}
	return nil
}

// Router builds the HTTP router of the operator API.
func (a *App) Router() *mux.Router {
	return handler.NewRouter(a.Handler,
		middleware.AuthMiddleware(a.Config.JWTSecret),
		a.Metrics.Handler(),
		middleware.RequestLogger(a.Log),
	)
}

func (a *App) Close() {
	if err := a.Events.Close(); err != nil {
		a.Log.WithError(err).Warn("Failed to close event bus")
	}
	if err := a.DB.Close(); err != nil {
		a.Log.WithError(err).Warn("Failed to close database")
	}
}
