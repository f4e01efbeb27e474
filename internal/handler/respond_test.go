package handler

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"goalpath/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		model.Validationf("title is required"):                http.StatusBadRequest,
		model.NotFoundf("goal g1"):                             http.StatusNotFound,
		model.Conflictf("milestone m1"):                        http.StatusConflict,
		fmt.Errorf("create: %w", model.ErrDuplicate):           http.StatusConflict,
		model.Upstream("propose_tasks", errors.New("timeout")): http.StatusBadGateway,
		errors.New("boom"):                                     http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, statusFor(err), err.Error())
	}
}

func TestParseDate(t *testing.T) {
	d, err := parseDate("")
	require.NoError(t, err)
	assert.Nil(t, d)

	d, err = parseDate("2025-10-15")
	require.NoError(t, err)
	assert.Equal(t, 15, d.Day())

	d, err = parseDate("2025-10-15T08:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, 8, d.Hour())

	_, err = parseDate("15/10/2025")
	assert.ErrorIs(t, err, model.ErrValidation)
}
