package handler

import (
	"net/http"

	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/service"
	"github.com/gorilla/mux"
)

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (h *Handler) CreateMandate(w http.ResponseWriter, r *http.Request) {
	var req models.CreateMandateRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	m, err := h.mandates.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) GetMandate(w http.ResponseWriter, r *http.Request) {
	m, err := h.mandates.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) MemberMandate(w http.ResponseWriter, r *http.Request) {
	m, err := h.mandates.GetForMember(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) SetMandateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	m, err := h.mandates.SetStatus(r.Context(), mux.Vars(r)["id"], models.MandateStatus(req.Status))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req models.CreateScheduleRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	s, err := h.schedules.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, s)
}

func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	s, err := h.schedules.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) MemberSchedules(w http.ResponseWriter, r *http.Request) {
	list, err := h.schedules.ListForMember(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) SetScheduleStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	s, err := h.schedules.SetStatus(r.Context(), mux.Vars(r)["id"], models.ScheduleStatus(req.Status))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	p, err := h.policies.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	var req models.SetMemberPolicyRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	p, err := h.policies.Set(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// PreviewInstallments splits an amount into a payment plan without storing
// anything.
func (h *Handler) PreviewInstallments(w http.ResponseWriter, r *http.Request) {
	var req models.InstallmentPreviewRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = h.settings().Currency
	}
	plan, err := service.SplitInstallments(req.Total, req.Count, req.FirstDue, currency)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}
