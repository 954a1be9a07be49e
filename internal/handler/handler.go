package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/Dan9191/dues-service/internal/audit"
	"github.com/Dan9191/dues-service/internal/config"
	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/Dan9191/dues-service/internal/sepa"
	"github.com/Dan9191/dues-service/internal/service"
	"github.com/Dan9191/dues-service/internal/storage"
	"github.com/Dan9191/dues-service/internal/utils"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxReportSize = 8 << 20

// Handler is the operator API. It never holds an audit writer: audit entries
// are written by pipeline stages only.
type Handler struct {
	auth      *service.AuthService
	mandates  *service.MandateService
	schedules *service.ScheduleService
	policies  *service.PolicyService
	statuses  *service.MemberStatusService
	pipeline  *service.Pipeline
	assembler *service.Assembler
	renderer  *service.RenderService
	submitter *service.Submitter
	workflow  *service.Workflow
	queue     *service.OperatorQueue
	batches   repository.BatchStore
	files     storage.FileStore
	audit     audit.Reader
	settings  func() config.RunSettings
	validate  *validator.Validate
	log       *logrus.Logger
}

type Deps struct {
	Auth      *service.AuthService
	Mandates  *service.MandateService
	Schedules *service.ScheduleService
	Policies  *service.PolicyService
	Statuses  *service.MemberStatusService
	Pipeline  *service.Pipeline
	Assembler *service.Assembler
	Renderer  *service.RenderService
	Submitter *service.Submitter
	Workflow  *service.Workflow
	Queue     *service.OperatorQueue
	Batches   repository.BatchStore
	Files     storage.FileStore
	Audit     audit.Reader
	Settings  func() config.RunSettings
	Log       *logrus.Logger
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		auth:      d.Auth,
		mandates:  d.Mandates,
		schedules: d.Schedules,
		policies:  d.Policies,
		statuses:  d.Statuses,
		pipeline:  d.Pipeline,
		assembler: d.Assembler,
		renderer:  d.Renderer,
		submitter: d.Submitter,
		workflow:  d.Workflow,
		queue:     d.Queue,
		batches:   d.Batches,
		files:     d.Files,
		audit:     d.Audit,
		settings:  d.Settings,
		validate:  validator.New(),
		log:       d.Log,
	}
}

// Health is unauthenticated.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Login handles operator authentication
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	token, err := h.auth.Login(req.Username, req.Password)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: ErrorDetail{Display: "invalid credentials"}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// RunPipeline runs every stage, or the one named in the path.
func (h *Handler) RunPipeline(w http.ResponseWriter, r *http.Request) {
	asOf, err := asOfParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	run := h.settings()

	var report *service.RunReport
	if name, ok := mux.Vars(r)["stage"]; ok {
		stage, perr := service.ParseStage(name)
		if perr != nil {
			h.writeError(w, r, perr)
			return
		}
		report, err = h.pipeline.RunStage(r.Context(), run, stage, asOf)
	} else {
		report, err = h.pipeline.Run(r.Context(), run, asOf)
	}
	if err != nil && report == nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = ierr.HTTPStatusFromErr(err)
	}
	writeJSON(w, status, report)
}

// ApplyReports ingests pain.002 status reports posted by an operator.
func (h *Handler) ApplyReports(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxReportSize))
	if err != nil {
		h.writeError(w, r, ierr.WithError(err).WithHint("Could not read request body").Mark(ierr.ErrValidation))
		return
	}
	reports, err := sepa.ParseStatusReports(body)
	if err != nil || len(reports) == 0 {
		h.writeError(w, r, ierr.NewError("no status report in body").
			WithHint("Post one or more pain.002 CstmrPmtStsRpt documents").
			Mark(ierr.ErrValidation))
		return
	}

	results := make([]*service.ReconcileResult, 0, len(reports))
	for _, rep := range reports {
		res, err := h.workflow.ApplyReport(r.Context(), rep)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		results = append(results, res)
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) MemberStatus(w http.ResponseWriter, r *http.Request) {
	asOf, err := asOfParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	st, err := h.statuses.Evaluate(r.Context(), h.settings(), mux.Vars(r)["id"], asOf)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        st,
		"notifications": service.Evaluate(h.settings().NotificationRules, *st),
	})
}

func (h *Handler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.ListOpen(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) ResolveEscalation(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Resolve(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), mux.Vars(r)["ref"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// asOfParam reads ?as_of=YYYY-MM-DD, defaulting to today.
func asOfParam(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("as_of")
	if raw == "" {
		return utils.Day(time.Now()), nil
	}
	d, err := utils.ParseDate(raw)
	if err != nil {
		return time.Time{}, ierr.WithError(err).WithHint("as_of must be a date like 2024-01-31").Mark(ierr.ErrValidation)
	}
	return d, nil
}
