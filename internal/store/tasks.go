package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coven/daemon/pkg/types"
)

// ErrTaskNotFound is returned when a task lookup by ID finds no row.
var ErrTaskNotFound = errors.New("task not found")

// ErrCyclicParent is returned by Reparent when the requested parent is the
// task itself or one of its own descendants.
var ErrCyclicParent = errors.New("reparenting would create a cycle")

// CreateTask inserts a new task, assigning an ID if none is set and
// computing depth from its parent (0 if root).
func (s *Store) CreateTask(t types.Task) (types.Task, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = types.TaskStatusOpen
	}
	if t.Type == "" {
		t.Type = "task"
	}
	ts := now()
	t.CreatedAt = ts
	t.UpdatedAt = ts

	err := s.txDo(func(tx *sql.Tx) error {
		if t.ParentID != "" {
			depth, err := parentDepth(tx, t.ParentID)
			if err != nil {
				return err
			}
			t.Depth = depth + 1
		} else {
			t.Depth = 0
		}

		_, err := tx.Exec(`INSERT INTO tasks
			(id, parent_id, depth, title, description, body, status, priority, type,
			 grimoire_hint, claimed_by, claimed_at, created_at, updated_at, deleted_at)
			VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			t.ID, t.ParentID, t.Depth, t.Title, t.Description, t.Body, string(t.Status),
			t.Priority, t.Type, t.GrimoireHint, t.ClaimedBy, t.ClaimedAt, t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}

		if err := replaceTags(tx, t.ID, t.Tags); err != nil {
			return err
		}
		if err := replaceEdges(tx, "task_depends_on", "depends_on", t.ID, t.DependsOn); err != nil {
			return err
		}
		if err := replaceEdges(tx, "task_blocks", "blocks", t.ID, t.Blocks); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return types.Task{}, err
	}
	return t, nil
}

func parentDepth(tx *sql.Tx, parentID string) (int, error) {
	var depth int
	err := tx.QueryRow(`SELECT depth FROM tasks WHERE id = ? AND deleted_at IS NULL`, parentID).Scan(&depth)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("parent task %q not found: %w", parentID, ErrTaskNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("look up parent depth: %w", err)
	}
	return depth, nil
}

func replaceTags(tx *sql.Tx, taskID string, tags []string) error {
	if _, err := tx.Exec(`DELETE FROM task_tags WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear tags: %w", err)
	}
	for _, tag := range tags {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO task_tags (task_id, tag) VALUES (?, ?)`, taskID, tag); err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
	}
	return nil
}

func replaceEdges(tx *sql.Tx, table, col, taskID string, values []string) error {
	if _, err := tx.Exec(`DELETE FROM `+table+` WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("clear %s: %w", table, err)
	}
	for _, v := range values {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO `+table+` (task_id, `+col+`) VALUES (?, ?)`, taskID, v); err != nil {
			return fmt.Errorf("insert %s: %w", table, err)
		}
	}
	return nil
}

// GetTask returns the task with the given ID, including non-deleted state
// only unless includeDeleted is true.
func (s *Store) GetTask(id string, includeDeleted bool) (types.Task, error) {
	query := `SELECT id, parent_id, depth, title, description, body, status, priority, type,
		grimoire_hint, claimed_by, claimed_at, created_at, updated_at, deleted_at
		FROM tasks WHERE id = ?`
	if !includeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	row := s.db.QueryRow(query, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Task{}, ErrTaskNotFound
	}
	if err != nil {
		return types.Task{}, err
	}
	if err := s.hydrateTask(&t); err != nil {
		return types.Task{}, err
	}
	return t, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (types.Task, error) {
	var t types.Task
	var parentID sql.NullString
	var claimedAt, deletedAt sql.NullTime
	var status string
	err := row.Scan(&t.ID, &parentID, &t.Depth, &t.Title, &t.Description, &t.Body, &status,
		&t.Priority, &t.Type, &t.GrimoireHint, &t.ClaimedBy, &claimedAt, &t.CreatedAt, &t.UpdatedAt, &deletedAt)
	if err != nil {
		return types.Task{}, err
	}
	t.Status = types.TaskStatus(status)
	if parentID.Valid {
		t.ParentID = parentID.String
	}
	if claimedAt.Valid {
		ts := claimedAt.Time
		t.ClaimedAt = &ts
	}
	if deletedAt.Valid {
		ts := deletedAt.Time
		t.DeletedAt = &ts
	}
	return t, nil
}

func (s *Store) hydrateTask(t *types.Task) error {
	tags, err := queryStrings(s.db, `SELECT tag FROM task_tags WHERE task_id = ? ORDER BY tag`, t.ID)
	if err != nil {
		return err
	}
	t.Tags = tags

	dep, err := queryStrings(s.db, `SELECT depends_on FROM task_depends_on WHERE task_id = ? ORDER BY depends_on`, t.ID)
	if err != nil {
		return err
	}
	t.DependsOn = dep

	blocks, err := queryStrings(s.db, `SELECT blocks FROM task_blocks WHERE task_id = ? ORDER BY blocks`, t.ID)
	if err != nil {
		return err
	}
	t.Blocks = blocks
	return nil
}

func queryStrings(db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListTasks returns all non-deleted tasks, ordered by creation time.
func (s *Store) ListTasks() ([]types.Task, error) {
	rows, err := s.db.Query(`SELECT id, parent_id, depth, title, description, body, status, priority, type,
		grimoire_hint, claimed_by, claimed_at, created_at, updated_at, deleted_at
		FROM tasks WHERE deleted_at IS NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if err := s.hydrateTask(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Children returns the direct children of a task.
func (s *Store) Children(parentID string) ([]types.Task, error) {
	rows, err := s.db.Query(`SELECT id, parent_id, depth, title, description, body, status, priority, type,
		grimoire_hint, claimed_by, claimed_at, created_at, updated_at, deleted_at
		FROM tasks WHERE parent_id = ? AND deleted_at IS NULL ORDER BY created_at`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	var out []types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if err := s.hydrateTask(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PatchTask applies a partial update. Only non-nil fields in patch are
// applied. Tags/DependsOn/Blocks, when non-nil, fully replace the existing
// set (no partial set-merge).
type TaskPatch struct {
	Title        *string
	Description  *string
	Body         *string
	Status       *types.TaskStatus
	Priority     *int
	Type         *string
	Tags         []string
	HasTags      bool
	DependsOn    []string
	HasDependsOn bool
	Blocks       []string
	HasBlocks    bool
	GrimoireHint *string
}

// PatchTask updates a task's mutable fields in place.
func (s *Store) PatchTask(id string, patch TaskPatch) (types.Task, error) {
	err := s.txDo(func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRow(`SELECT 1 FROM tasks WHERE id = ? AND deleted_at IS NULL`, id).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return err
		}

		sets := []string{"updated_at = ?"}
		args := []any{now()}
		if patch.Title != nil {
			sets = append(sets, "title = ?")
			args = append(args, *patch.Title)
		}
		if patch.Description != nil {
			sets = append(sets, "description = ?")
			args = append(args, *patch.Description)
		}
		if patch.Body != nil {
			sets = append(sets, "body = ?")
			args = append(args, *patch.Body)
		}
		if patch.Status != nil {
			sets = append(sets, "status = ?")
			args = append(args, string(*patch.Status))
			// Only an in_progress task carries a claim.
			if *patch.Status != types.TaskStatusInProgress {
				sets = append(sets, "claimed_by = ''", "claimed_at = NULL")
			}
		}
		if patch.Priority != nil {
			sets = append(sets, "priority = ?")
			args = append(args, *patch.Priority)
		}
		if patch.Type != nil {
			sets = append(sets, "type = ?")
			args = append(args, *patch.Type)
		}
		if patch.GrimoireHint != nil {
			sets = append(sets, "grimoire_hint = ?")
			args = append(args, *patch.GrimoireHint)
		}
		args = append(args, id)

		query := "UPDATE tasks SET "
		for i, set := range sets {
			if i > 0 {
				query += ", "
			}
			query += set
		}
		query += " WHERE id = ?"
		if _, err := tx.Exec(query, args...); err != nil {
			return fmt.Errorf("update task: %w", err)
		}

		if patch.HasTags {
			if err := replaceTags(tx, id, patch.Tags); err != nil {
				return err
			}
		}
		if patch.HasDependsOn {
			if err := replaceEdges(tx, "task_depends_on", "depends_on", id, patch.DependsOn); err != nil {
				return err
			}
		}
		if patch.HasBlocks {
			if err := replaceEdges(tx, "task_blocks", "blocks", id, patch.Blocks); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.Task{}, err
	}
	return s.GetTask(id, false)
}

// DeleteTask soft-deletes a task and cascades the soft-delete to all of its
// descendants, per the store's ownership rule that a parent never outlives
// its children's visibility.
func (s *Store) DeleteTask(id string) error {
	return s.txDo(func(tx *sql.Tx) error {
		ids, err := descendantIDs(tx, id)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		ts := now()
		for _, tid := range ids {
			if _, err := tx.Exec(`UPDATE tasks SET deleted_at = ?, updated_at = ? WHERE id = ?`, ts, ts, tid); err != nil {
				return fmt.Errorf("soft-delete task %s: %w", tid, err)
			}
		}
		return nil
	})
}

// PurgeTask permanently removes a soft-deleted task tree, used by the
// retention sweep once the soft-delete grace period has elapsed.
func (s *Store) PurgeTask(id string) error {
	return s.txDo(func(tx *sql.Tx) error {
		ids, err := descendantIDs(tx, id)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		for _, tid := range ids {
			for _, stmt := range []string{
				`DELETE FROM task_tags WHERE task_id = ?`,
				`DELETE FROM task_depends_on WHERE task_id = ?`,
				`DELETE FROM task_blocks WHERE task_id = ?`,
				`DELETE FROM agents WHERE task_id = ?`,
				`DELETE FROM workflow_states WHERE task_id = ?`,
				`DELETE FROM questions WHERE task_id = ?`,
				`DELETE FROM history WHERE task_id = ?`,
				`DELETE FROM tasks WHERE id = ?`,
			} {
				if _, err := tx.Exec(stmt, tid); err != nil {
					return fmt.Errorf("purge task %s: %w", tid, err)
				}
			}
		}
		return nil
	})
}

func descendantIDs(tx *sql.Tx, rootID string) ([]string, error) {
	var out []string
	frontier := []string{rootID}
	for len(frontier) > 0 {
		var next []string
		for _, id := range frontier {
			rows, err := tx.Query(`SELECT id FROM tasks WHERE parent_id = ? AND deleted_at IS NULL`, id)
			if err != nil {
				return nil, fmt.Errorf("query descendants: %w", err)
			}
			for rows.Next() {
				var childID string
				if err := rows.Scan(&childID); err != nil {
					rows.Close()
					return nil, err
				}
				next = append(next, childID)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, err
			}
			rows.Close()
		}
		out = append(out, next...)
		frontier = next
	}
	return out, nil
}

// Reparent moves a task to a new parent, rejecting the move if newParentID
// is the task itself or one of its own descendants (which would create a
// cycle), and recomputes depth for the task and its whole subtree.
func (s *Store) Reparent(id, newParentID string) error {
	return s.txDo(func(tx *sql.Tx) error {
		if newParentID == id {
			return ErrCyclicParent
		}
		descendants, err := descendantIDs(tx, id)
		if err != nil {
			return err
		}
		for _, d := range descendants {
			if d == newParentID {
				return ErrCyclicParent
			}
		}

		newDepth := 0
		if newParentID != "" {
			d, err := parentDepth(tx, newParentID)
			if err != nil {
				return err
			}
			newDepth = d + 1
		}

		var parentArg any
		if newParentID != "" {
			parentArg = newParentID
		}
		if _, err := tx.Exec(`UPDATE tasks SET parent_id = ?, depth = ?, updated_at = ? WHERE id = ?`,
			parentArg, newDepth, now(), id); err != nil {
			return fmt.Errorf("reparent task: %w", err)
		}

		return recomputeDepths(tx, id, newDepth)
	})
}

func recomputeDepths(tx *sql.Tx, rootID string, rootDepth int) error {
	type node struct {
		id    string
		depth int
	}
	frontier := []node{{rootID, rootDepth}}
	for len(frontier) > 0 {
		var next []node
		for _, n := range frontier {
			rows, err := tx.Query(`SELECT id FROM tasks WHERE parent_id = ? AND deleted_at IS NULL`, n.id)
			if err != nil {
				return fmt.Errorf("query children for depth recompute: %w", err)
			}
			var children []string
			for rows.Next() {
				var childID string
				if err := rows.Scan(&childID); err != nil {
					rows.Close()
					return err
				}
				children = append(children, childID)
			}
			rows.Close()
			for _, childID := range children {
				childDepth := n.depth + 1
				if _, err := tx.Exec(`UPDATE tasks SET depth = ? WHERE id = ?`, childDepth, childID); err != nil {
					return fmt.Errorf("update child depth: %w", err)
				}
				next = append(next, node{childID, childDepth})
			}
		}
		frontier = next
	}
	return nil
}

// ErrAlreadyClaimed is returned by Claim when the task is not in a
// claimable status or already has a different claimant.
var ErrAlreadyClaimed = errors.New("task already claimed")

// Claim atomically transitions an open task to in_progress and records the
// claimant, failing if the task isn't claimable or is already claimed by
// someone else.
func (s *Store) Claim(id, claimant string) (types.Task, error) {
	err := s.txDo(func(tx *sql.Tx) error {
		var status, claimedBy string
		err := tx.QueryRow(`SELECT status, claimed_by FROM tasks WHERE id = ? AND deleted_at IS NULL`, id).Scan(&status, &claimedBy)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTaskNotFound
		}
		if err != nil {
			return err
		}
		if types.TaskStatus(status) != types.TaskStatusOpen || (claimedBy != "" && claimedBy != claimant) {
			return ErrAlreadyClaimed
		}
		ts := now()
		if _, err := tx.Exec(`UPDATE tasks SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = ? WHERE id = ?`,
			string(types.TaskStatusInProgress), claimant, ts, ts, id); err != nil {
			return err
		}
		if err := appendHistory(tx, id, claimant, "status", status, string(types.TaskStatusInProgress)); err != nil {
			return err
		}
		return appendHistory(tx, id, claimant, "claimed_by", claimedBy, claimant)
	})
	if err != nil {
		return types.Task{}, err
	}
	return s.GetTask(id, false)
}

// ReleaseStaleClaims reverts in_progress tasks claimed more than
// claimTimeout ago back to open, clearing the claimant, so the scheduler can
// recover from a crashed executor.
func (s *Store) ReleaseStaleClaims(claimTimeout time.Duration) ([]types.Task, error) {
	cutoff := now().Add(-claimTimeout)
	var released []types.Task
	err := s.txDo(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT id, claimed_by FROM tasks WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ? AND deleted_at IS NULL`,
			string(types.TaskStatusInProgress), cutoff)
		if err != nil {
			return fmt.Errorf("find stale claims: %w", err)
		}
		var ids []string
		var claimants []string
		for rows.Next() {
			var id, claimedBy string
			if err := rows.Scan(&id, &claimedBy); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			claimants = append(claimants, claimedBy)
		}
		rows.Close()

		for i, id := range ids {
			if _, err := tx.Exec(`UPDATE tasks SET status = ?, claimed_by = '', claimed_at = NULL, updated_at = ? WHERE id = ?`,
				string(types.TaskStatusOpen), now(), id); err != nil {
				return fmt.Errorf("release stale claim %s: %w", id, err)
			}
			if err := appendHistory(tx, id, SystemActor, "status", string(types.TaskStatusInProgress), string(types.TaskStatusOpen)); err != nil {
				return err
			}
			if err := appendHistory(tx, id, SystemActor, "claimed_by", claimants[i], ""); err != nil {
				return err
			}
		}
		released = make([]types.Task, 0, len(ids))
		for _, id := range ids {
			t, err := scanTaskByID(tx, id)
			if err != nil {
				return err
			}
			released = append(released, t)
		}
		return nil
	})
	return released, err
}

func scanTaskByID(tx *sql.Tx, id string) (types.Task, error) {
	row := tx.QueryRow(`SELECT id, parent_id, depth, title, description, body, status, priority, type,
		grimoire_hint, claimed_by, claimed_at, created_at, updated_at, deleted_at
		FROM tasks WHERE id = ?`, id)
	return scanTask(row)
}

// MarshalTags is a small helper used by callers that need to persist tag
// sets as JSON outside the store's own normalized task_tags table (e.g. when
// embedding a task snapshot in an event payload).
func MarshalTags(tags []string) (string, error) {
	b, err := json.Marshal(tags)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
