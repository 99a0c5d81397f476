package files

import (
	"context"
	"fmt"
	"time"

	"curricullm/internal/objectstore"
)

const (
	DefaultCleanupInterval = time.Hour
	DefaultFailedRetention = 24 * time.Hour
)

// StartCleaner runs Cleanup on every interval until ctx ends. The returned
// channel closes once the loop has exited.
func (s *Service) StartCleaner(ctx context.Context, interval, retention time.Duration) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if retention <= 0 {
		retention = DefaultFailedRetention
	}
	done := make(chan struct{})
	go s.cleanupLoop(ctx, interval, retention, done)
	return done
}

func (s *Service) cleanupLoop(ctx context.Context, interval, retention time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, dropped, err := s.Cleanup(ctx, retention)
			if err != nil {
				s.logger.Error("cleanup files", "error", err)
				continue
			}
			if purged+dropped > 0 {
				s.logger.Info("cleanup files", "failed_purged", purged, "missing_dropped", dropped)
			}
		}
	}
}

// Cleanup deletes failed entries older than retention and drops rows whose
// object no longer exists in the store.
func (s *Service) Cleanup(ctx context.Context, retention time.Duration) (purged, dropped int64, err error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM uploaded_files WHERE error <> '' AND uploaded_at <= ?`, s.now().Add(-retention))
	if err != nil {
		return 0, 0, fmt.Errorf("purge failed uploads: %w", err)
	}
	purged, _ = res.RowsAffected()

	users, err := s.usersWithObjects(ctx)
	if err != nil {
		return purged, 0, err
	}
	for _, userID := range users {
		n, err := s.reconcileUser(ctx, userID)
		if err != nil {
			s.logger.Warn("reconcile user files", "user_id", userID, "error", err)
			continue
		}
		dropped += n
	}
	return purged, dropped, nil
}

func (s *Service) usersWithObjects(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM uploaded_files WHERE storage_path <> ''`)
	if err != nil {
		return nil, fmt.Errorf("list users with files: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// reconcileGrace skips rows young enough that their object may still be
// uploading while the store is listed.
const reconcileGrace = time.Minute

func (s *Service) reconcileUser(ctx context.Context, userID int64) (int64, error) {
	listedAt := s.now()
	objects, err := s.store.List(ctx, objectstore.UserPrefix(userID))
	if err != nil {
		return 0, err
	}
	present := make(map[string]struct{}, len(objects))
	for _, obj := range objects {
		present[obj.Key] = struct{}{}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, storage_path FROM uploaded_files WHERE user_id = ? AND storage_path <> '' AND uploaded_at < ?`,
		userID, listedAt.Add(-reconcileGrace))
	if err != nil {
		return 0, err
	}
	var missing []string
	for rows.Next() {
		var id, key string
		if err := rows.Scan(&id, &key); err != nil {
			rows.Close()
			return 0, err
		}
		if _, ok := present[key]; !ok {
			missing = append(missing, id)
		}
	}
	rows.Close()

	var dropped int64
	for _, id := range missing {
		if err := s.deleteRow(ctx, id); err != nil {
			return dropped, err
		}
		dropped++
	}
	return dropped, nil
}
