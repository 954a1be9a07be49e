package service

import (
	"context"
	"strings"
	"time"

	ierr "github.com/Dan9191/dues-service/internal/errors"
	"github.com/Dan9191/dues-service/internal/models"
	"github.com/Dan9191/dues-service/internal/repository"
	"github.com/Dan9191/dues-service/internal/sepa"
	"github.com/sirupsen/logrus"
)

// MandateService is the mandate registry.
type MandateService struct {
	store repository.MandateStore
	log   *logrus.Logger
}

func NewMandateService(store repository.MandateStore, log *logrus.Logger) *MandateService {
	return &MandateService{store: store, log: log}
}

var mandateTransitions = map[models.MandateStatus][]models.MandateStatus{
	models.MandateDraft:     {models.MandateActive, models.MandateCancelled},
	models.MandateActive:    {models.MandateSuspended, models.MandateCancelled},
	models.MandateSuspended: {models.MandateActive, models.MandateCancelled},
}

// Register validates and stores a mandate. Bank details are checked here so
// a broken IBAN never reaches a batch.
func (s *MandateService) Register(ctx context.Context, req models.CreateMandateRequest) (*models.Mandate, error) {
	if err := ValidateBankDetails(req.IBAN, req.BIC, req.AccountHolder); err != nil {
		return nil, err
	}
	if req.Reference == "" || len(req.Reference) > 35 || sepa.SanitizeText(req.Reference, 35) != req.Reference {
		return nil, ierr.NewError("invalid mandate reference").
			WithHint("Mandate reference must be 1-35 SEPA characters").
			Mark(ierr.ErrValidation)
	}

	status := models.MandateDraft
	if req.Activate {
		status = models.MandateActive
	}
	m := &models.Mandate{
		ID:            models.NewID("mdt"),
		MemberID:      req.MemberID,
		Reference:     req.Reference,
		IBAN:          sepa.NormalizeIBAN(req.IBAN),
		BIC:           strings.ToUpper(strings.TrimSpace(req.BIC)),
		AccountHolder: strings.TrimSpace(req.AccountHolder),
		Status:        status,
		SignedAt:      req.SignedAt.UTC(),
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"mandate_id": m.ID,
		"member_id":  m.MemberID,
		"iban":       sepa.MaskIBAN(m.IBAN),
		"status":     m.Status,
	}).Info("Mandate registered")
	return m, nil
}

func (s *MandateService) Get(ctx context.Context, id string) (*models.Mandate, error) {
	return s.store.Get(ctx, id)
}

func (s *MandateService) GetForMember(ctx context.Context, memberID string) (*models.Mandate, error) {
	return s.store.GetForMember(ctx, memberID)
}

// SetStatus moves a mandate through draft/active/suspended/cancelled.
// Cancelled is final.
func (s *MandateService) SetStatus(ctx context.Context, id string, status models.MandateStatus) (*models.Mandate, error) {
	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.Status == status {
		return m, nil
	}
	allowed := false
	for _, to := range mandateTransitions[m.Status] {
		if to == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, ierr.NewErrorf("mandate cannot move from %s to %s", m.Status, status).
			Mark(ierr.ErrInvalidTransition)
	}
	if err := s.store.UpdateStatus(ctx, id, status); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"mandate_id": id, "from": m.Status, "to": status}).Info("Mandate status changed")
	m.Status = status
	m.UpdatedAt = time.Now().UTC()
	return m, nil
}

// ValidateBankDetails checks the debtor data a collection line needs.
func ValidateBankDetails(iban, bic, holder string) error {
	switch {
	case !sepa.ValidateIBAN(iban):
		return ierr.NewErrorf("IBAN %s fails checksum", sepa.MaskIBAN(iban)).
			WithHint("Check the IBAN for typos").
			Mark(ierr.ErrValidation)
	case strings.TrimSpace(bic) != "" && !sepa.ValidateBIC(bic):
		return ierr.NewErrorf("BIC %q is malformed", bic).
			WithHint("A BIC has 8 or 11 characters").
			Mark(ierr.ErrValidation)
	case sepa.SanitizeText(holder, 70) == "":
		return ierr.NewError("account holder name is missing").
			WithHint("Enter the name of the account holder").
			Mark(ierr.ErrValidation)
	}
	return nil
}
