package store

import (
	"context"
	"time"
)

// RetentionPolicy configures the periodic sweep: closed tasks are
// soft-deleted after softDeleteDays, soft-deleted tasks are purged after a
// further grace period, and events are trimmed past retentionDays.
type RetentionPolicy struct {
	SoftDeleteDays int
	RetentionDays  int
}

// RunRetentionSweep performs one pass of the retention policy: soft-delete
// closed tasks past their grace period, purge long-soft-deleted trees, and
// trim the event log. It returns the counts affected, for logging.
func (s *Store) RunRetentionSweep(policy RetentionPolicy) (softDeleted, purged int, trimmedEvents int64, err error) {
	closedCutoff := now().Add(-time.Duration(policy.SoftDeleteDays) * 24 * time.Hour)
	rows, err := s.db.Query(`SELECT id FROM tasks WHERE status = 'closed' AND deleted_at IS NULL AND updated_at < ?`, closedCutoff)
	if err != nil {
		return 0, 0, 0, err
	}
	var toSoftDelete []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			rows.Close()
			return 0, 0, 0, scanErr
		}
		toSoftDelete = append(toSoftDelete, id)
	}
	rows.Close()
	for _, id := range toSoftDelete {
		if delErr := s.DeleteTask(id); delErr != nil {
			return softDeleted, purged, trimmedEvents, delErr
		}
		softDeleted++
	}

	purgeCutoff := now().Add(-time.Duration(policy.RetentionDays) * 24 * time.Hour)
	rows2, err := s.db.Query(`SELECT id FROM tasks WHERE deleted_at IS NOT NULL AND deleted_at < ? AND parent_id IS NULL`, purgeCutoff)
	if err != nil {
		return softDeleted, purged, trimmedEvents, err
	}
	var toPurge []string
	for rows2.Next() {
		var id string
		if scanErr := rows2.Scan(&id); scanErr != nil {
			rows2.Close()
			return softDeleted, purged, trimmedEvents, scanErr
		}
		toPurge = append(toPurge, id)
	}
	rows2.Close()
	for _, id := range toPurge {
		if purgeErr := s.PurgeTask(id); purgeErr != nil {
			return softDeleted, purged, trimmedEvents, purgeErr
		}
		purged++
	}

	trimmedEvents, err = s.TrimEventsOlderThan(time.Duration(policy.RetentionDays) * 24 * time.Hour)
	return softDeleted, purged, trimmedEvents, err
}

// RunRetentionLoop runs RunRetentionSweep on a fixed interval until ctx is
// canceled. A single periodic sweep doesn't need a full cron expression
// parser (robfig/cron/v3 is in the wider example pack for exactly that), so
// a plain time.Ticker is used here — see DESIGN.md.
func (s *Store) RunRetentionLoop(ctx context.Context, interval time.Duration, policy RetentionPolicy, onSweep func(softDeleted, purged int, trimmedEvents int64, err error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sd, pg, ev, err := s.RunRetentionSweep(policy)
			if onSweep != nil {
				onSweep(sd, pg, ev, err)
			}
		}
	}
}
