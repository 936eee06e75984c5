package booking

import (
	"context"
	"errors"
	"fmt"
)

// ReconcileBackRefs rebuilds users' denormalised appointment and slot
// lists from the appointment and slot collections. Each user is rebuilt in
// its own transaction under the user lock, so a booking that commits
// concurrently is never overwritten.
func (s *Service) ReconcileBackRefs(ctx context.Context) (int, error) {
	ids, err := s.repo.ListUserIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("reconcile back-references: %w", err)
	}

	changed := 0
	for _, id := range ids {
		var rebuilt bool
		err := s.runTx(ctx, "reconcile", func(ctx context.Context, tx Tx) error {
			if _, err := tx.LockUser(ctx, id); err != nil {
				return err
			}
			var err error
			rebuilt, err = tx.RebuildUserRefs(ctx, id)
			return err
		})
		if errors.Is(err, ErrUserNotFound) {
			continue
		}
		if err != nil {
			return changed, fmt.Errorf("reconcile back-references of %s: %w", id, err)
		}
		if rebuilt {
			s.log.Info().Str("user_id", id.String()).Msg("back-references repaired")
			changed++
		}
	}
	return changed, nil
}
