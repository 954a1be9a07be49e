package errors

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilderKeepsMessageAndMark(t *testing.T) {
	err := NewErrorf("mandate %s not found", "mdt_1").
		WithHint("Register the mandate first").
		Mark(ErrNotFound)

	assert.True(t, IsNotFound(err))
	assert.False(t, IsValidation(err))
	assert.Equal(t, "mandate mdt_1 not found", err.Error())
	assert.Equal(t, "Register the mandate first", HintOf(err))

	wrapped := Wrap(err, "load schedule")
	assert.True(t, IsNotFound(wrapped))
	assert.Equal(t, "load schedule: mandate mdt_1 not found", wrapped.Error())
}

func TestHintOfFallsBackToMessage(t *testing.T) {
	err := WithError(NewError("boom").Mark(ErrFatal)).WithMessage("render").Mark(ErrFatal)
	assert.Equal(t, "render: boom", HintOf(err))
}

func TestHTTPStatusFromErr(t *testing.T) {
	tests := []struct {
		mark error
		want int
	}{
		{ErrNotFound, http.StatusNotFound},
		{ErrAlreadyExists, http.StatusConflict},
		{ErrVersionConflict, http.StatusConflict},
		{ErrInvalidTransition, http.StatusConflict},
		{ErrValidation, http.StatusBadRequest},
		{ErrBusinessRule, http.StatusUnprocessableEntity},
		{ErrPermissionDenied, http.StatusForbidden},
		{ErrTransient, http.StatusServiceUnavailable},
		{ErrDatabase, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.mark.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusFromErr(NewError("x").Mark(tt.mark)))
		})
	}
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(NewError("x").Mark(ErrValidation)))
	assert.True(t, IsPermanent(NewError("x").Mark(ErrInvalidTransition)))
	assert.True(t, IsPermanent(NewError("x").Mark(ErrFatal)))
	assert.False(t, IsPermanent(NewError("x").Mark(ErrTransient)))
	assert.False(t, IsPermanent(NewError("x").Mark(ErrNotFound)))
}
