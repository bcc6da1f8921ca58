package effects

import (
	"context"

	"github.com/rs/zerolog"

	"entitlement-service/internal/domain/ports/adapter"
	"entitlement-service/internal/domain/ports/repository"
)

var _ adapter.EnrollmentCounter = (*ProgramEnrollmentCounter)(nil)

// ProgramEnrollmentCounter increments programs.enrollment_count in Postgres.
// The repository records the key, so replays of the same effect are no-ops.
type ProgramEnrollmentCounter struct {
	programs repository.ProgramRepository
	log      *zerolog.Logger
}

func NewProgramEnrollmentCounter(programs repository.ProgramRepository, logger *zerolog.Logger) *ProgramEnrollmentCounter {
	l := logger.With().Str("component", "enrollment_counter").Logger()
	return &ProgramEnrollmentCounter{programs: programs, log: &l}
}

func (c *ProgramEnrollmentCounter) IncrementEnrollment(ctx context.Context, key, programID string) error {
	applied, err := c.programs.IncrementEnrollment(ctx, nil, programID, key)
	if err != nil {
		return err
	}
	if !applied {
		c.log.Debug().Str("program_id", programID).Str("key", key).Msg("enrollment already counted")
	}
	return nil
}
