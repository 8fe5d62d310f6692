package core

import (
	"database/sql"
	"errors"
)

// Close releases the cached statements and both connection pools
func (s *Index) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.invalidatePlans()

	var errs []error
	for _, db := range []*sql.DB{s.writer, s.db} {
		if db != nil {
			errs = append(errs, db.Close())
		}
	}
	if err := errors.Join(errs...); err != nil {
		return wrapError("close", err)
	}

	s.logger.Info("index closed")

	return nil
}
