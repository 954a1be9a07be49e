package handler

import (
	"net/http"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/gorilla/mux"
)

func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	status := models.BatchStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.BatchDraft, models.BatchGenerated, models.BatchSubmitted, models.BatchProcessed, models.BatchFailed:
	default:
		h.writeError(w, r, ierr.NewErrorf("unknown batch status %q", status).
			WithHint("status must be one of draft, generated, submitted, processed, failed").
			Mark(ierr.ErrValidation))
		return
	}
	batches, err := h.batches.List(r.Context(), status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.batches.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// BatchFile streams the generated pain.008 document.
func (h *Handler) BatchFile(w http.ResponseWriter, r *http.Request) {
	b, err := h.batches.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if b.FileRef == nil {
		h.writeError(w, r, ierr.NewErrorf("batch %s has no file", b.ID).
			WithHint("Render the batch first").
			Mark(ierr.ErrNotFound))
		return
	}
	doc, err := h.files.Open(r.Context(), *b.FileRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", `attachment; filename="`+b.MessageID+`.xml"`)
	_, _ = w.Write(doc)
}

func (h *Handler) ExcludeLines(w http.ResponseWriter, r *http.Request) {
	var req models.ExcludeLinesRequest
	if err := h.decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	b, err := h.assembler.ExcludeLines(r.Context(), mux.Vars(r)["id"], req.LineIDs, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// RenderBatch renders a draft. Line failures come back with the error
// status and the failing lines.
func (h *Handler) RenderBatch(w http.ResponseWriter, r *http.Request) {
	res, err := h.renderer.Render(r.Context(), h.settings(), mux.Vars(r)["id"])
	if err != nil {
		if res != nil && len(res.Failures) > 0 {
			writeJSON(w, ierr.HTTPStatusFromErr(err), res)
			return
		}
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) RequeueBatch(w http.ResponseWriter, r *http.Request) {
	b, err := h.submitter.Requeue(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}
