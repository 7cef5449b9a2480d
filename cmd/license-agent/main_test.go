package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "minewater/internal/errors"
	"minewater/internal/license"
)

func TestReportExitCodes(t *testing.T) {
	tests := []struct {
		name     string
		decision license.Decision
		err      error
		want     int
	}{
		{"allowed", license.Decision{Allowed: true, Message: "License verified online."}, nil, exitOK},
		{"grace expired", license.Decision{Message: "Offline period expired"}, apperrors.ErrGraceExpired, exitBlocked},
		{"clock tampered", license.Decision{}, apperrors.ErrTimeTampered, exitBlocked},
		{"allowed with error", license.Decision{Allowed: true}, apperrors.ErrNetworkTimeout, exitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, report(tt.decision, tt.err))
		})
	}
}
