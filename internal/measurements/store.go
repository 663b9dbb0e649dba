package measurements

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	_ "modernc.org/sqlite"
)

// ErrUnknownImageSet indicates a status operation named an image set the
// store has never seen.
var ErrUnknownImageSet = errors.New("unknown image set")

// Store manages measurement persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to a measurements database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: path}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Flush checkpoints the write-ahead log so readers of the file see every
// merged value.
func (s *Store) Flush(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}
	return nil
}

// WriteInitial seeds the store from the run's initial measurements payload.
// Every image set the buffer names gets a status row; existing statuses are
// kept so an inspected or resumed store retains its history.
func (s *Store) WriteInitial(ctx context.Context, buf Buffer) error {
	snap, err := buf.decode()
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin initial tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for object, features := range snap {
		for feature, values := range features {
			for key, value := range values {
				imageSet, convErr := strconv.Atoi(key)
				if convErr != nil {
					return fmt.Errorf("initial measurements %s.%s: image set %q is not a number", object, feature, key)
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT OR REPLACE INTO measurements (object, feature, image_set, value) VALUES (?, ?, ?, ?)`,
					object, feature, imageSet, value,
				); err != nil {
					return fmt.Errorf("write initial measurement: %w", err)
				}
				if object != ObjectExperiment {
					if _, err := tx.ExecContext(ctx,
						`INSERT OR IGNORE INTO image_status (image_set, status) VALUES (?, ?)`,
						imageSet, string(StatusUnprocessed),
					); err != nil {
						return fmt.Errorf("register image set %d: %w", imageSet, err)
					}
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit initial measurements: %w", err)
	}
	return nil
}

// ImageSetNumbers returns every registered image-set number in ascending order.
func (s *Store) ImageSetNumbers(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT image_set FROM image_status ORDER BY image_set`)
	if err != nil {
		return nil, fmt.Errorf("list image sets: %w", err)
	}
	defer rows.Close()

	var numbers []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan image set: %w", err)
		}
		numbers = append(numbers, n)
	}
	return numbers, rows.Err()
}

// Status returns the persisted status of one image set.
func (s *Store) Status(ctx context.Context, imageSet int) (Status, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM image_status WHERE image_set = ?`, imageSet,
	).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %d", ErrUnknownImageSet, imageSet)
	}
	if err != nil {
		return "", fmt.Errorf("read status of image set %d: %w", imageSet, err)
	}
	return Status(status), nil
}

// SetStatus persists the status of one image set.
func (s *Store) SetStatus(ctx context.Context, imageSet int, status Status) error {
	if !status.Known() {
		return fmt.Errorf("unknown status %q", status)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE image_status SET status = ? WHERE image_set = ?`, string(status), imageSet,
	)
	if err != nil {
		return fmt.Errorf("set status of image set %d: %w", imageSet, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set status of image set %d: %w", imageSet, err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %d", ErrUnknownImageSet, imageSet)
	}
	return nil
}

// StatusCounts tallies statuses across the given image sets.
func (s *Store) StatusCounts(ctx context.Context, imageSets []int) (map[Status]int, error) {
	counts := make(map[Status]int, len(allStatuses))
	for _, n := range imageSets {
		status, err := s.Status(ctx, n)
		if err != nil {
			return nil, err
		}
		counts[status]++
	}
	return counts, nil
}

// Value reads one measurement value. The boolean reports presence.
func (s *Store) Value(ctx context.Context, object, feature string, imageSet int) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM measurements WHERE object = ? AND feature = ? AND image_set = ?`,
		object, feature, imageSet,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read %s.%s[%d]: %w", object, feature, imageSet, err)
	}
	return value, true, nil
}

// Merge folds a partial-result buffer into the store for exactly the image
// sets named by the unit of work. Experiment-scope values are skipped (they
// are written during run setup and teardown), and values for image sets
// outside the unit are ignored so one worker can never clobber another's
// results.
func (s *Store) Merge(ctx context.Context, buf Buffer, imageSets []int) error {
	snap, err := buf.decode()
	if err != nil {
		return err
	}

	allowed := make(map[int]struct{}, len(imageSets))
	for _, n := range imageSets {
		allowed[n] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin merge tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for object, features := range snap {
		if object == ObjectExperiment {
			continue
		}
		for feature, values := range features {
			for key, value := range values {
				imageSet, convErr := strconv.Atoi(key)
				if convErr != nil {
					return fmt.Errorf("merge %s.%s: image set %q is not a number", object, feature, key)
				}
				if _, ok := allowed[imageSet]; !ok {
					continue
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT OR REPLACE INTO measurements (object, feature, image_set, value) VALUES (?, ?, ?, ?)`,
					object, feature, imageSet, value,
				); err != nil {
					return fmt.Errorf("merge %s.%s[%d]: %w", object, feature, imageSet, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit merge: %w", err)
	}
	return nil
}

// WriteExperiment records an experiment-scope value, used by post-run hooks.
func (s *Store) WriteExperiment(ctx context.Context, feature, value string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO measurements (object, feature, image_set, value) VALUES (?, ?, 0, ?)`,
		ObjectExperiment, feature, value,
	); err != nil {
		return fmt.Errorf("write experiment measurement %s: %w", feature, err)
	}
	return nil
}

func (s *Store) groupMetadata(ctx context.Context, imageSet int) (groupNumber, groupIndex int, ok bool, err error) {
	number, hasNumber, err := s.Value(ctx, ObjectImage, FeatureGroupNumber, imageSet)
	if err != nil {
		return 0, 0, false, err
	}
	index, hasIndex, err := s.Value(ctx, ObjectImage, FeatureGroupIndex, imageSet)
	if err != nil {
		return 0, 0, false, err
	}
	if !hasNumber || !hasIndex {
		return 0, 0, false, nil
	}
	groupNumber, err = strconv.Atoi(number)
	if err != nil {
		return 0, 0, false, fmt.Errorf("group number of image set %d: %w", imageSet, err)
	}
	groupIndex, err = strconv.Atoi(index)
	if err != nil {
		return 0, 0, false, fmt.Errorf("group index of image set %d: %w", imageSet, err)
	}
	return groupNumber, groupIndex, true, nil
}

// HasGroups reports whether the store carries group metadata for every
// registered image set.
func (s *Store) HasGroups(ctx context.Context) (bool, error) {
	numbers, err := s.ImageSetNumbers(ctx)
	if err != nil {
		return false, err
	}
	if len(numbers) == 0 {
		return false, nil
	}
	for _, n := range numbers {
		if _, _, ok, err := s.groupMetadata(ctx, n); err != nil {
			return false, err
		} else if !ok {
			return false, nil
		}
	}
	return true, nil
}

func sortedKeys(groups map[int][]indexedImageSet) []int {
	keys := make([]int, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Ints(keys)
	return keys
}
