package handler

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter wires the operator API. Everything under /api needs a bearer
// token issued by /login.
func NewRouter(h *Handler, auth mux.MiddlewareFunc, metrics http.Handler, mw ...mux.MiddlewareFunc) *mux.Router {
	r := mux.NewRouter()
	r.Use(mw...)

	// Public routes
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/login", h.Login).Methods("POST")
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}

	// Protected routes
	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth)

	api.HandleFunc("/runs", h.RunPipeline).Methods("POST")
	api.HandleFunc("/runs/{stage}", h.RunPipeline).Methods("POST")

	api.HandleFunc("/batches", h.ListBatches).Methods("GET")
	api.HandleFunc("/batches/{id}", h.GetBatch).Methods("GET")
	api.HandleFunc("/batches/{id}/file", h.BatchFile).Methods("GET")
	api.HandleFunc("/batches/{id}/exclusions", h.ExcludeLines).Methods("POST")
	api.HandleFunc("/batches/{id}/render", h.RenderBatch).Methods("POST")
	api.HandleFunc("/batches/{id}/requeue", h.RequeueBatch).Methods("POST")
	api.HandleFunc("/reports", h.ApplyReports).Methods("POST")

	api.HandleFunc("/mandates", h.CreateMandate).Methods("POST")
	api.HandleFunc("/mandates/{id}", h.GetMandate).Methods("GET")
	api.HandleFunc("/mandates/{id}/status", h.SetMandateStatus).Methods("POST")

	api.HandleFunc("/schedules", h.CreateSchedule).Methods("POST")
	api.HandleFunc("/schedules/{id}", h.GetSchedule).Methods("GET")
	api.HandleFunc("/schedules/{id}/status", h.SetScheduleStatus).Methods("POST")

	api.HandleFunc("/members/{id}/status", h.MemberStatus).Methods("GET")
	api.HandleFunc("/members/{id}/mandate", h.MemberMandate).Methods("GET")
	api.HandleFunc("/members/{id}/schedules", h.MemberSchedules).Methods("GET")
	api.HandleFunc("/members/{id}/policy", h.GetPolicy).Methods("GET")
	api.HandleFunc("/members/{id}/policy", h.SetPolicy).Methods("PUT")
	api.HandleFunc("/installments/preview", h.PreviewInstallments).Methods("POST")

	api.HandleFunc("/escalations", h.ListEscalations).Methods("GET")
	api.HandleFunc("/escalations/{id}/resolve", h.ResolveEscalation).Methods("POST")
	api.HandleFunc("/audit/{ref}", h.AuditTrail).Methods("GET")

	return r
}
