package domain_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ecal-fleet/rec-coordinator/internal/domain"
)

func TestRecErrorErrorString(t *testing.T) {
	e := domain.NewRecError(domain.RecCurrentlyRecording, "H1,H2")
	assert.Equal(t, "CurrentlyRecording(H1,H2)", e.Error())

	bare := domain.NewRecError(domain.RecActionSuperfluous, "")
	assert.Equal(t, "ActionSuperfluous", bare.Error())
}

func TestRecErrorUnwrapsToSentinel(t *testing.T) {
	e := domain.NewRecError(domain.RecCurrentlyFlushing, "H2")
	assert.True(t, errors.Is(e, domain.ErrCurrentlyFlushing))
	assert.False(t, errors.Is(e, domain.ErrCurrentlyUploading))
}

func TestIsOK(t *testing.T) {
	assert.True(t, domain.IsOK(nil))
	assert.False(t, domain.IsOK(domain.NewRecError(domain.RecGenericError, "")))
}
