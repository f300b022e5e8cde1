package db

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type Snapshot struct {
	Account   string
	PupilID   string
	PupilName string
	Data      string
	FetchedAt int64
}

type SyncState struct {
	Account               string
	LastRefreshAt         int64
	LastCompleteRefreshAt sql.NullInt64
	LastAuthSucceeded     bool
}

type PupilCache struct {
	Account string
	ID      string
	Name    string
	SeenAt  int64
}

type SchoolChoice struct {
	Username string
	Url      string
	ChosenAt int64
}

type SessionBackup struct {
	Username string
	Cookies  string
	SavedAt  int64
}

const upsertSnapshot = `
INSERT INTO snapshots (account, pupil_id, pupil_name, data, fetched_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (account, pupil_id)
DO UPDATE SET pupil_name = excluded.pupil_name, data = excluded.data, fetched_at = excluded.fetched_at
`

type UpsertSnapshotParams struct {
	Account   string
	PupilID   string
	PupilName string
	Data      string
	FetchedAt int64
}

func (q *Queries) UpsertSnapshot(ctx context.Context, arg UpsertSnapshotParams) error {
	_, err := q.db.ExecContext(ctx, upsertSnapshot,
		arg.Account, arg.PupilID, arg.PupilName, arg.Data, arg.FetchedAt)
	return err
}

const getSnapshots = `
SELECT account, pupil_id, pupil_name, data, fetched_at FROM snapshots
WHERE account = ? ORDER BY pupil_id
`

func (q *Queries) GetSnapshots(ctx context.Context, account string) ([]Snapshot, error) {
	rows, err := q.db.QueryContext(ctx, getSnapshots, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		err := rows.Scan(&s.Account, &s.PupilID, &s.PupilName, &s.Data, &s.FetchedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const getRecentSnapshotCount = `
SELECT COUNT(*) FROM snapshots WHERE account = ? AND fetched_at >= ?
`

type GetRecentSnapshotCountParams struct {
	Account   string
	FetchedAt int64
}

func (q *Queries) GetRecentSnapshotCount(ctx context.Context, arg GetRecentSnapshotCountParams) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, getRecentSnapshotCount, arg.Account, arg.FetchedAt).Scan(&count)
	return count, err
}

const deleteSnapshotsForAccount = `
DELETE FROM snapshots WHERE account = ?
`

func (q *Queries) DeleteSnapshotsForAccount(ctx context.Context, account string) error {
	_, err := q.db.ExecContext(ctx, deleteSnapshotsForAccount, account)
	return err
}

const deleteSnapshotsBefore = `
DELETE FROM snapshots WHERE fetched_at < ?
`

func (q *Queries) DeleteSnapshotsBefore(ctx context.Context, fetchedAt int64) error {
	_, err := q.db.ExecContext(ctx, deleteSnapshotsBefore, fetchedAt)
	return err
}

const getSyncState = `
SELECT account, last_refresh_at, last_complete_refresh_at, last_auth_succeeded
FROM sync_state WHERE account = ?
`

func (q *Queries) GetSyncState(ctx context.Context, account string) (SyncState, error) {
	var s SyncState
	err := q.db.QueryRowContext(ctx, getSyncState, account).
		Scan(&s.Account, &s.LastRefreshAt, &s.LastCompleteRefreshAt, &s.LastAuthSucceeded)
	return s, err
}

const upsertSyncState = `
INSERT INTO sync_state (account, last_refresh_at, last_complete_refresh_at, last_auth_succeeded)
VALUES (?, ?, ?, ?)
ON CONFLICT (account)
DO UPDATE SET
    last_refresh_at = excluded.last_refresh_at,
    last_complete_refresh_at = COALESCE(excluded.last_complete_refresh_at, sync_state.last_complete_refresh_at),
    last_auth_succeeded = excluded.last_auth_succeeded
`

type UpsertSyncStateParams struct {
	Account               string
	LastRefreshAt         int64
	LastCompleteRefreshAt sql.NullInt64
	LastAuthSucceeded     bool
}

func (q *Queries) UpsertSyncState(ctx context.Context, arg UpsertSyncStateParams) error {
	_, err := q.db.ExecContext(ctx, upsertSyncState,
		arg.Account, arg.LastRefreshAt, arg.LastCompleteRefreshAt, arg.LastAuthSucceeded)
	return err
}

const getCachedPupils = `
SELECT account, id, name, seen_at FROM pupil_cache WHERE account = ? ORDER BY id
`

func (q *Queries) GetCachedPupils(ctx context.Context, account string) ([]PupilCache, error) {
	rows, err := q.db.QueryContext(ctx, getCachedPupils, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PupilCache
	for rows.Next() {
		var p PupilCache
		err := rows.Scan(&p.Account, &p.ID, &p.Name, &p.SeenAt)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const upsertCachedPupil = `
INSERT INTO pupil_cache (account, id, name, seen_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (account, id)
DO UPDATE SET name = excluded.name, seen_at = excluded.seen_at
`

type UpsertCachedPupilParams struct {
	Account string
	ID      string
	Name    string
	SeenAt  int64
}

func (q *Queries) UpsertCachedPupil(ctx context.Context, arg UpsertCachedPupilParams) error {
	_, err := q.db.ExecContext(ctx, upsertCachedPupil,
		arg.Account, arg.ID, arg.Name, arg.SeenAt)
	return err
}

const getSchoolChoice = `
SELECT username, url, chosen_at FROM school_choices WHERE username = ?
`

func (q *Queries) GetSchoolChoice(ctx context.Context, username string) (SchoolChoice, error) {
	var c SchoolChoice
	err := q.db.QueryRowContext(ctx, getSchoolChoice, username).
		Scan(&c.Username, &c.Url, &c.ChosenAt)
	return c, err
}

const upsertSchoolChoice = `
INSERT INTO school_choices (username, url, chosen_at)
VALUES (?, ?, ?)
ON CONFLICT (username)
DO UPDATE SET url = excluded.url, chosen_at = excluded.chosen_at
`

type UpsertSchoolChoiceParams struct {
	Username string
	Url      string
	ChosenAt int64
}

func (q *Queries) UpsertSchoolChoice(ctx context.Context, arg UpsertSchoolChoiceParams) error {
	_, err := q.db.ExecContext(ctx, upsertSchoolChoice, arg.Username, arg.Url, arg.ChosenAt)
	return err
}

const getSessionBackup = `
SELECT username, cookies, saved_at FROM session_backups WHERE username = ?
`

func (q *Queries) GetSessionBackup(ctx context.Context, username string) (SessionBackup, error) {
	var b SessionBackup
	err := q.db.QueryRowContext(ctx, getSessionBackup, username).
		Scan(&b.Username, &b.Cookies, &b.SavedAt)
	return b, err
}

const upsertSessionBackup = `
INSERT INTO session_backups (username, cookies, saved_at)
VALUES (?, ?, ?)
ON CONFLICT (username)
DO UPDATE SET cookies = excluded.cookies, saved_at = excluded.saved_at
`

type UpsertSessionBackupParams struct {
	Username string
	Cookies  string
	SavedAt  int64
}

func (q *Queries) UpsertSessionBackup(ctx context.Context, arg UpsertSessionBackupParams) error {
	_, err := q.db.ExecContext(ctx, upsertSessionBackup, arg.Username, arg.Cookies, arg.SavedAt)
	return err
}
