package worker

import "errors"

// Ошибки воркера.
var (
	// ErrJobNotFound — задачи нет в БД.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotClaimable — задача не queued, время не пришло или её взял другой воркер.
	ErrJobNotClaimable = errors.New("job is not claimable")
)
