package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// timeFormat keeps lexical and chronological order identical.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// Deploy operations

// InsertDeploy records the start of a deploy or rollback run.
func (s *Store) InsertDeploy(d *Deploy) error {
	query := `
		INSERT INTO deploys
		(id, kind, release_id, previous_release_id, status, stage, error, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		d.ID,
		d.Kind,
		d.ReleaseID,
		d.PreviousReleaseID,
		d.Status,
		d.Stage,
		d.Error,
		formatTime(d.StartedAt),
	)
	if err != nil {
		return wrapQueryErr(fmt.Sprintf("failed to insert deploy %s", d.ID), err)
	}

	return nil
}

// UpdateDeployStage moves a running deploy to a new stage. The release id is
// updated too because it is only known after allocation.
func (s *Store) UpdateDeployStage(id, stage, releaseID string) error {
	_, err := s.db.Exec(`UPDATE deploys SET stage = ?, release_id = ? WHERE id = ?`, stage, releaseID, id)
	if err != nil {
		return wrapQueryErr(fmt.Sprintf("failed to update deploy %s", id), err)
	}
	return nil
}

// FinishDeploy stores the outcome of a run.
func (s *Store) FinishDeploy(id, status, errMsg string, finishedAt time.Time) error {
	query := `
		UPDATE deploys
		SET status = ?, error = ?, finished_at = ?
		WHERE id = ?
	`

	res, err := s.db.Exec(query, status, errMsg, formatTime(finishedAt), id)
	if err != nil {
		return wrapQueryErr(fmt.Sprintf("failed to finish deploy %s", id), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("deploy %s not found", id)
	}

	return nil
}

// GetDeploy retrieves a run by id.
func (s *Store) GetDeploy(id string) (*Deploy, error) {
	query := `
		SELECT id, kind, release_id, previous_release_id, status, stage, error, started_at, finished_at
		FROM deploys
		WHERE id = ?
	`

	d, err := scanDeploy(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("deploy %s not found", id)
	}
	if err != nil {
		return nil, wrapQueryErr(fmt.Sprintf("failed to get deploy %s", id), err)
	}

	return d, nil
}

// ListDeploys returns runs newest first. A limit <= 0 returns all of them.
func (s *Store) ListDeploys(limit int) ([]*Deploy, error) {
	query := `
		SELECT id, kind, release_id, previous_release_id, status, stage, error, started_at, finished_at
		FROM deploys
		ORDER BY started_at DESC, rowid DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wrapQueryErr("failed to list deploys", err)
	}
	defer rows.Close()

	var deploys []*Deploy
	for rows.Next() {
		d, err := scanDeploy(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deploy row: %w", err)
		}
		deploys = append(deploys, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deploys: %w", err)
	}

	return deploys, nil
}

// LatestStatusByRelease returns the status of the most recent run for each
// release id.
func (s *Store) LatestStatusByRelease() (map[string]string, error) {
	query := `
		SELECT release_id, status
		FROM deploys
		WHERE release_id != ''
		ORDER BY started_at ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, wrapQueryErr("failed to query release status", err)
	}
	defer rows.Close()

	statuses := make(map[string]string)
	for rows.Next() {
		var releaseID, status string
		if err := rows.Scan(&releaseID, &status); err != nil {
			return nil, fmt.Errorf("failed to scan release status: %w", err)
		}
		statuses[releaseID] = status
	}

	return statuses, rows.Err()
}

// CountDeploys returns run counts keyed by kind and then status.
func (s *Store) CountDeploys() (map[string]map[string]int, error) {
	rows, err := s.db.Query(`SELECT kind, status, COUNT(*) FROM deploys GROUP BY kind, status`)
	if err != nil {
		return nil, wrapQueryErr("failed to count deploys", err)
	}
	defer rows.Close()

	counts := make(map[string]map[string]int)
	for rows.Next() {
		var kind, status string
		var n int
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan deploy count: %w", err)
		}
		if counts[kind] == nil {
			counts[kind] = make(map[string]int)
		}
		counts[kind][status] = n
	}

	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeploy(row rowScanner) (*Deploy, error) {
	var d Deploy
	var releaseID, previousID, errMsg, finishedAt sql.NullString
	var startedAt string

	err := row.Scan(
		&d.ID,
		&d.Kind,
		&releaseID,
		&previousID,
		&d.Status,
		&d.Stage,
		&errMsg,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	d.ReleaseID = releaseID.String
	d.PreviousReleaseID = previousID.String
	d.Error = errMsg.String

	d.StartedAt, err = parseTime(startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at for deploy %s: %w", d.ID, err)
	}
	if finishedAt.Valid && finishedAt.String != "" {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse finished_at for deploy %s: %w", d.ID, err)
		}
		d.FinishedAt = &t
	}

	return &d, nil
}

// Host run operations

// InsertHostRun records a provision or teardown invocation.
func (s *Store) InsertHostRun(run *HostRun) (int64, error) {
	optionsJSON, err := json.Marshal(run.Options)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal options: %w", err)
	}

	query := `
		INSERT INTO host_runs (action, options, changes, dry_run, status, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(query,
		run.Action,
		string(optionsJSON),
		run.Changes,
		run.DryRun,
		run.Status,
		run.Error,
		formatTime(run.CreatedAt),
	)
	if err != nil {
		return 0, wrapQueryErr("failed to insert host run", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get host run id: %w", err)
	}

	return id, nil
}

// ListHostRuns returns host runs newest first. A limit <= 0 returns all.
func (s *Store) ListHostRuns(limit int) ([]*HostRun, error) {
	query := `
		SELECT id, action, options, changes, dry_run, status, error, created_at
		FROM host_runs
		ORDER BY created_at DESC, id DESC
	`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wrapQueryErr("failed to list host runs", err)
	}
	defer rows.Close()

	var runs []*HostRun
	for rows.Next() {
		var run HostRun
		var optionsJSON, errMsg sql.NullString
		var createdAt string

		if err := rows.Scan(
			&run.ID,
			&run.Action,
			&optionsJSON,
			&run.Changes,
			&run.DryRun,
			&run.Status,
			&errMsg,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan host run row: %w", err)
		}

		run.Error = errMsg.String
		if optionsJSON.String != "" {
			if err := json.Unmarshal([]byte(optionsJSON.String), &run.Options); err != nil {
				return nil, fmt.Errorf("failed to unmarshal options for host run %d: %w", run.ID, err)
			}
		}
		run.CreatedAt, err = parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse created_at for host run %d: %w", run.ID, err)
		}

		runs = append(runs, &run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating host runs: %w", err)
	}

	return runs, nil
}
