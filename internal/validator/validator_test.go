package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierr "ledger-service/internal/errors"
)

type periodRequest struct {
	Period string `validate:"required,period"`
	Amount int64  `validate:"gt=0"`
}

func TestValidateRequest(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, ValidateRequest(periodRequest{Period: "2026-03", Amount: 1}))
	})

	t.Run("invalid fields are reported", func(t *testing.T) {
		err := ValidateRequest(periodRequest{Period: "2026-13", Amount: 0})
		require.Error(t, err)
		assert.True(t, ierr.IsValidation(err))

		resp := ierr.NewErrorResponse(err)
		assert.Equal(t, "period", resp.Details["Period"])
		assert.Equal(t, "gt", resp.Details["Amount"])
	})
}
