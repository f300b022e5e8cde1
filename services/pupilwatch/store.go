package pupilwatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pupilwatch-backend/lib/scrapers/infomentor"
	"pupilwatch-backend/lib/timezone"
	"pupilwatch-backend/services/pupilwatch/db"
)

// StoredState is everything the durable snapshot remembers about one
// account.
type StoredState struct {
	Data                  map[string]infomentor.PupilData
	Names                 map[string]string
	LastRefreshAt         time.Time
	LastCompleteRefreshAt time.Time
	LastAuthSucceeded     bool
}

type SaveParams struct {
	Data          map[string]infomentor.PupilData
	Names         map[string]string
	At            time.Time
	AuthSucceeded bool
	WasComplete   bool
}

// SnapshotStore is the coordinator's persistence collaborator. It is
// never assumed to be transactional by the caller; every call site
// degrades to proceeding without cache on error.
type SnapshotStore interface {
	Load(ctx context.Context) (StoredState, error)
	Save(ctx context.Context, params SaveParams) error
	HasRecentData(ctx context.Context, maxAge time.Duration) (bool, error)
	LoadPupils(ctx context.Context) ([]infomentor.Pupil, error)
	SavePupils(ctx context.Context, pupils []infomentor.Pupil) error
	Clear(ctx context.Context) error
}

// Store is the sqlite-backed snapshot store for one account. It also
// carries the negotiator's session backup and school choice
// persistence, so one database file holds everything the account needs
// to survive a restart.
type Store struct {
	sqldb   *sql.DB
	qry     *db.Queries
	account string
}

var _ SnapshotStore = (*Store)(nil)
var _ infomentor.SessionBackup = (*Store)(nil)
var _ infomentor.SchoolChoiceStore = (*Store)(nil)

func NewStore(database *sql.DB, account string) *Store {
	return &Store{
		sqldb:   database,
		qry:     db.New(database),
		account: account,
	}
}

func (s *Store) Load(ctx context.Context) (StoredState, error) {
	rows, err := s.qry.GetSnapshots(ctx, s.account)
	if err != nil {
		return StoredState{}, fmt.Errorf("load snapshots: %w", err)
	}

	state := StoredState{
		Data:  map[string]infomentor.PupilData{},
		Names: map[string]string{},
	}
	for _, row := range rows {
		var data infomentor.PupilData
		err := json.Unmarshal([]byte(row.Data), &data)
		if err != nil {
			return StoredState{}, fmt.Errorf("decode snapshot for pupil %s: %w", row.PupilID, err)
		}
		state.Data[row.PupilID] = data
		state.Names[row.PupilID] = row.PupilName
	}

	sync, err := s.qry.GetSyncState(ctx, s.account)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return StoredState{}, fmt.Errorf("load sync state: %w", err)
	}
	state.LastRefreshAt = time.Unix(sync.LastRefreshAt, 0).In(timezone.Location)
	if sync.LastCompleteRefreshAt.Valid {
		state.LastCompleteRefreshAt = time.Unix(sync.LastCompleteRefreshAt.Int64, 0).In(timezone.Location)
	}
	state.LastAuthSucceeded = sync.LastAuthSucceeded
	return state, nil
}

func (s *Store) Save(ctx context.Context, params SaveParams) error {
	tx, err := s.sqldb.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	defer tx.Rollback()
	txqry := s.qry.WithTx(tx)

	for pupilId, data := range params.Data {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode snapshot for pupil %s: %w", pupilId, err)
		}
		err = txqry.UpsertSnapshot(ctx, db.UpsertSnapshotParams{
			Account:   s.account,
			PupilID:   pupilId,
			PupilName: params.Names[pupilId],
			Data:      string(encoded),
			FetchedAt: params.At.Unix(),
		})
		if err != nil {
			return fmt.Errorf("save snapshot for pupil %s: %w", pupilId, err)
		}
	}

	lastComplete := sql.NullInt64{}
	if params.WasComplete {
		lastComplete = sql.NullInt64{Int64: params.At.Unix(), Valid: true}
	}
	err = txqry.UpsertSyncState(ctx, db.UpsertSyncStateParams{
		Account:               s.account,
		LastRefreshAt:         params.At.Unix(),
		LastCompleteRefreshAt: lastComplete,
		LastAuthSucceeded:     params.AuthSucceeded,
	})
	if err != nil {
		return fmt.Errorf("save sync state: %w", err)
	}
	return tx.Commit()
}

func (s *Store) HasRecentData(ctx context.Context, maxAge time.Duration) (bool, error) {
	count, err := s.qry.GetRecentSnapshotCount(ctx, db.GetRecentSnapshotCountParams{
		Account:   s.account,
		FetchedAt: timezone.Now().Add(-maxAge).Unix(),
	})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) LoadPupils(ctx context.Context) ([]infomentor.Pupil, error) {
	rows, err := s.qry.GetCachedPupils(ctx, s.account)
	if err != nil {
		return nil, err
	}
	var out []infomentor.Pupil
	for _, row := range rows {
		// switch handles are session-scoped and deliberately not
		// cached, the fetcher re-derives them after the next login
		out = append(out, infomentor.Pupil{Id: row.ID, Name: row.Name})
	}
	return out, nil
}

func (s *Store) SavePupils(ctx context.Context, pupils []infomentor.Pupil) error {
	now := timezone.Now().Unix()
	for _, pupil := range pupils {
		err := s.qry.UpsertCachedPupil(ctx, db.UpsertCachedPupilParams{
			Account: s.account,
			ID:      pupil.Id,
			Name:    pupil.Name,
			SeenAt:  now,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	return s.qry.DeleteSnapshotsForAccount(ctx, s.account)
}

func (s *Store) SaveSession(ctx context.Context, username string, cookies []infomentor.Cookie, at time.Time) error {
	encoded, err := json.Marshal(cookies)
	if err != nil {
		return err
	}
	return s.qry.UpsertSessionBackup(ctx, db.UpsertSessionBackupParams{
		Username: username,
		Cookies:  string(encoded),
		SavedAt:  at.Unix(),
	})
}

func (s *Store) LoadSession(ctx context.Context, username string) ([]infomentor.Cookie, time.Time, error) {
	row, err := s.qry.GetSessionBackup(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	var cookies []infomentor.Cookie
	err = json.Unmarshal([]byte(row.Cookies), &cookies)
	if err != nil {
		return nil, time.Time{}, err
	}
	return cookies, time.Unix(row.SavedAt, 0).In(timezone.Location), nil
}

func (s *Store) LoadSchoolChoice(ctx context.Context, username string) (string, error) {
	row, err := s.qry.GetSchoolChoice(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return row.Url, nil
}

func (s *Store) SaveSchoolChoice(ctx context.Context, username string, url string) error {
	return s.qry.UpsertSchoolChoice(ctx, db.UpsertSchoolChoiceParams{
		Username: username,
		Url:      url,
		ChosenAt: timezone.Now().Unix(),
	})
}
