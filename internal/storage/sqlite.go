package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chis/corectl/internal/domain"
	"github.com/chis/corectl/internal/logging"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // document-store driver (C2)
)

// SQLiteRepository implements Repository on top of SQLite, storing each
// resource as a JSON document keyed by id (and, where the kind has one, a
// unique name), the same "embed a document, index the columns you filter
// on" shape the teacher's SQLiteStorage uses.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database at path and ensures
// its schema exists.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn,
	// the same tuning the teacher applies to its own SQLiteStorage.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	logging.Info("store: opened %s", path)
	return repo, nil
}

func (r *SQLiteRepository) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS servers (id TEXT PRIMARY KEY, name TEXT UNIQUE NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS deployments (id TEXT PRIMARY KEY, name TEXT UNIQUE NOT NULL, server_id TEXT, data TEXT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_deployments_server ON deployments(server_id)`,
		`CREATE TABLE IF NOT EXISTS builds (id TEXT PRIMARY KEY, name TEXT UNIQUE NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS procedures (id TEXT PRIMARY KEY, name TEXT UNIQUE NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS alerters (id TEXT PRIMARY KEY, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS tags (id TEXT PRIMARY KEY, name TEXT NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS secrets (id TEXT PRIMARY KEY, name TEXT UNIQUE NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, username TEXT UNIQUE NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS api_keys (id TEXT PRIMARY KEY, key TEXT UNIQUE NOT NULL, data TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS updates (id TEXT PRIMARY KEY, target_kind TEXT NOT NULL, target_id TEXT, status TEXT NOT NULL, start_ts INTEGER NOT NULL, data TEXT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_updates_target ON updates(target_kind, target_id, start_ts)`,
		`CREATE INDEX IF NOT EXISTS idx_updates_status ON updates(status)`,
		`CREATE TABLE IF NOT EXISTS stats (sid TEXT NOT NULL, ts INTEGER NOT NULL, data TEXT NOT NULL, PRIMARY KEY (sid, ts))`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (r *SQLiteRepository) Close() error { return r.db.Close() }

// --- generic document helpers -------------------------------------------

func scanOne[T any](row *sql.Row) (*T, error) {
	var data string
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan: %w", err)
	}
	var out T
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return &out, nil
}

func scanMany[T any](rows *sql.Rows) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var doc T
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		out = append(out, &doc)
	}
	return out, rows.Err()
}

// --- servers -------------------------------------------------------------

// serverRecord is the storage-only wire shape for a Server. domain.Server
// tags Passkey as json:"-" so it never leaks into API responses, but that
// means a bare json.Marshal(*domain.Server) also drops it before it ever
// reaches the data column. serverRecord adds the field back at depth 0
// (under its own tag) purely for persistence; API-facing code never sees
// this type.
type serverRecord struct {
	domain.Server
	Passkey string `json:"passkey"`
}

func toServerRecord(s *domain.Server) serverRecord {
	return serverRecord{Server: *s, Passkey: s.Passkey}
}

func fromServerRecord(rec *serverRecord) *domain.Server {
	s := rec.Server
	s.Passkey = rec.Passkey
	return &s
}

func scanServer(row *sql.Row) (*domain.Server, error) {
	rec, err := scanOne[serverRecord](row)
	if err != nil {
		return nil, err
	}
	return fromServerRecord(rec), nil
}

func scanServers(rows *sql.Rows) ([]*domain.Server, error) {
	recs, err := scanMany[serverRecord](rows)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Server, len(recs))
	for i, rec := range recs {
		out[i] = fromServerRecord(rec)
	}
	return out, nil
}

func (r *SQLiteRepository) FindServer(ctx context.Context, id string) (*domain.Server, error) {
	row := r.db.QueryRowContext(ctx, `SELECT data FROM servers WHERE id = ?`, id)
	return scanServer(row)
}

func (r *SQLiteRepository) FindServerByName(ctx context.Context, name string) (*domain.Server, error) {
	row := r.db.QueryRowContext(ctx, `SELECT data FROM servers WHERE name = ?`, name)
	return scanServer(row)
}

func (r *SQLiteRepository) FindServers(ctx context.Context) ([]*domain.Server, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM servers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	return scanServers(rows)
}

func (r *SQLiteRepository) InsertServer(ctx context.Context, s *domain.Server) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	data, err := json.Marshal(toServerRecord(s))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO servers (id, name, data) VALUES (?, ?, ?)`, s.ID, s.Name, data)
	return err
}

func (r *SQLiteRepository) UpdateServer(ctx context.Context, s *domain.Server) error {
	data, err := json.Marshal(toServerRecord(s))
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE servers SET name = ?, data = ? WHERE id = ?`, s.Name, data, s.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *SQLiteRepository) DeleteServer(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	return err
}

// --- deployments -----------------------------------------------------------

func (r *SQLiteRepository) FindDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT data FROM deployments WHERE id = ?`, id)
	return scanOne[domain.Deployment](row)
}

func (r *SQLiteRepository) FindDeploymentByName(ctx context.Context, name string) (*domain.Deployment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT data FROM deployments WHERE name = ?`, name)
	return scanOne[domain.Deployment](row)
}

func (r *SQLiteRepository) FindDeployments(ctx context.Context) ([]*domain.Deployment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM deployments ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query deployments: %w", err)
	}
	return scanMany[domain.Deployment](rows)
}

func (r *SQLiteRepository) FindDeploymentsByServer(ctx context.Context, serverID string) ([]*domain.Deployment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM deployments WHERE server_id = ? ORDER BY name`, serverID)
	if err != nil {
		return nil, fmt.Errorf("query deployments by server: %w", err)
	}
	return scanMany[domain.Deployment](rows)
}

func (r *SQLiteRepository) InsertDeployment(ctx context.Context, d *domain.Deployment) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO deployments (id, name, server_id, data) VALUES (?, ?, ?, ?)`, d.ID, d.Name, d.ServerID, data)
	return err
}

func (r *SQLiteRepository) UpdateDeployment(ctx context.Context, d *domain.Deployment) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE deployments SET name = ?, server_id = ?, data = ? WHERE id = ?`, d.Name, d.ServerID, data, d.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *SQLiteRepository) DeleteDeployment(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	return err
}

// --- builds ----------------------------------------------------------------

func (r *SQLiteRepository) FindBuild(ctx context.Context, id string) (*domain.Build, error) {
	row := r.db.QueryRowContext(ctx, `SELECT data FROM builds WHERE id = ?`, id)
	return scanOne[domain.Build](row)
}

func (r *SQLiteRepository) FindBuilds(ctx context.Context) ([]*domain.Build, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM builds ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query builds: %w", err)
	}
	return scanMany[domain.Build](rows)
}

func (r *SQLiteRepository) InsertBuild(ctx context.Context, b *domain.Build) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO builds (id, name, data) VALUES (?, ?, ?)`, b.ID, b.Name, data)
	return err
}

func (r *SQLiteRepository) UpdateBuild(ctx context.Context, b *domain.Build) error {
	data, err := json.Marshal(b)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE builds SET name = ?, data = ? WHERE id = ?`, b.Name, data, b.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *SQLiteRepository) DeleteBuild(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM builds WHERE id = ?`, id)
	return err
}

// --- procedures --------------------------------------------------------------

func (r *SQLiteRepository) FindProcedure(ctx context.Context, id string) (*domain.Procedure, error) {
	row := r.db.QueryRowContext(ctx, `SELECT data FROM procedures WHERE id = ?`, id)
	return scanOne[domain.Procedure](row)
}

func (r *SQLiteRepository) FindProcedures(ctx context.Context) ([]*domain.Procedure, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM procedures ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query procedures: %w", err)
	}
	return scanMany[domain.Procedure](rows)
}

func (r *SQLiteRepository) InsertProcedure(ctx context.Context, p *domain.Procedure) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO procedures (id, name, data) VALUES (?, ?, ?)`, p.ID, p.Name, data)
	return err
}

func (r *SQLiteRepository) UpdateProcedure(ctx context.Context, p *domain.Procedure) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE procedures SET name = ?, data = ? WHERE id = ?`, p.Name, data, p.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *SQLiteRepository) DeleteProcedure(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM procedures WHERE id = ?`, id)
	return err
}

// --- alerters ----------------------------------------------------------------

func (r *SQLiteRepository) FindAlerters(ctx context.Context) ([]*domain.Alerter, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM alerters`)
	if err != nil {
		return nil, fmt.Errorf("query alerters: %w", err)
	}
	return scanMany[domain.Alerter](rows)
}

func (r *SQLiteRepository) InsertAlerter(ctx context.Context, a *domain.Alerter) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO alerters (id, data) VALUES (?, ?)`, a.ID, data)
	return err
}

func (r *SQLiteRepository) UpdateAlerter(ctx context.Context, a *domain.Alerter) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `UPDATE alerters SET data = ? WHERE id = ?`, data, a.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *SQLiteRepository) DeleteAlerter(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM alerters WHERE id = ?`, id)
	return err
}

// --- tags ----------------------------------------------------------------

func (r *SQLiteRepository) FindTags(ctx context.Context) ([]*domain.Tag, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM tags ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	return scanMany[domain.Tag](rows)
}

func (r *SQLiteRepository) InsertTag(ctx context.Context, t *domain.Tag) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO tags (id, name, data) VALUES (?, ?, ?)`, t.ID, t.Name, data)
	return err
}

func (r *SQLiteRepository) DeleteTag(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, id)
	return err
}

// --- secrets ---------------------------------------------------------------

// secretRecord, userRecord and apiKeyRecord exist for the same reason as
// serverRecord above: the domain types tag their sensitive field json:"-"
// so it never appears in an API response, which also means a bare
// json.Marshal would never persist it. Each record type re-adds the field
// at depth 0 under a storage-only tag.

type secretRecord struct {
	domain.Secret
	Value string `json:"value"`
}

func toSecretRecord(s *domain.Secret) secretRecord {
	return secretRecord{Secret: *s, Value: s.Value}
}

func fromSecretRecord(rec *secretRecord) *domain.Secret {
	s := rec.Secret
	s.Value = rec.Value
	return &s
}

func scanSecret(row *sql.Row) (*domain.Secret, error) {
	rec, err := scanOne[secretRecord](row)
	if err != nil {
		return nil, err
	}
	return fromSecretRecord(rec), nil
}

func (r *SQLiteRepository) FindSecret(ctx context.Context, name string) (*domain.Secret, error) {
	row := r.db.QueryRowContext(ctx, `SELECT data FROM secrets WHERE name = ?`, name)
	return scanSecret(row)
}

func (r *SQLiteRepository) FindSecrets(ctx context.Context) ([]*domain.Secret, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query secrets: %w", err)
	}
	recs, err := scanMany[secretRecord](rows)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Secret, len(recs))
	for i, rec := range recs {
		out[i] = fromSecretRecord(rec)
	}
	return out, nil
}

func (r *SQLiteRepository) InsertSecret(ctx context.Context, s *domain.Secret) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	data, err := json.Marshal(toSecretRecord(s))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO secrets (id, name, data) VALUES (?, ?, ?)`, s.ID, s.Name, data)
	return err
}

func (r *SQLiteRepository) DeleteSecret(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM secrets WHERE id = ?`, id)
	return err
}

// --- users / api keys --------------------------------------------------------

type userRecord struct {
	domain.User
	PasswordHash string `json:"password_hash"`
}

func toUserRecord(u *domain.User) userRecord {
	return userRecord{User: *u, PasswordHash: u.PasswordHash}
}

func fromUserRecord(rec *userRecord) *domain.User {
	u := rec.User
	u.PasswordHash = rec.PasswordHash
	return &u
}

func scanUser(row *sql.Row) (*domain.User, error) {
	rec, err := scanOne[userRecord](row)
	if err != nil {
		return nil, err
	}
	return fromUserRecord(rec), nil
}

func (r *SQLiteRepository) FindUser(ctx context.Context, id string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT data FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (r *SQLiteRepository) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT data FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func (r *SQLiteRepository) InsertUser(ctx context.Context, u *domain.User) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	data, err := json.Marshal(toUserRecord(u))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO users (id, username, data) VALUES (?, ?, ?)`, u.ID, u.Username, data)
	return err
}

type apiKeyRecord struct {
	domain.ApiKey
	SecretHash string `json:"secret_hash"`
}

func toApiKeyRecord(k *domain.ApiKey) apiKeyRecord {
	return apiKeyRecord{ApiKey: *k, SecretHash: k.SecretHash}
}

func fromApiKeyRecord(rec *apiKeyRecord) *domain.ApiKey {
	k := rec.ApiKey
	k.SecretHash = rec.SecretHash
	return &k
}

func scanApiKey(row *sql.Row) (*domain.ApiKey, error) {
	rec, err := scanOne[apiKeyRecord](row)
	if err != nil {
		return nil, err
	}
	return fromApiKeyRecord(rec), nil
}

func (r *SQLiteRepository) FindApiKeyByKey(ctx context.Context, key string) (*domain.ApiKey, error) {
	row := r.db.QueryRowContext(ctx, `SELECT data FROM api_keys WHERE key = ?`, key)
	return scanApiKey(row)
}

func (r *SQLiteRepository) InsertApiKey(ctx context.Context, k *domain.ApiKey) error {
	if k.ID == "" {
		k.ID = uuid.New().String()
	}
	data, err := json.Marshal(toApiKeyRecord(k))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO api_keys (id, key, data) VALUES (?, ?, ?)`, k.ID, k.Key, data)
	return err
}

func (r *SQLiteRepository) DeleteApiKey(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	return err
}

// --- updates (C5 persistence) ------------------------------------------------

func (r *SQLiteRepository) InsertUpdate(ctx context.Context, u *domain.Update) (string, error) {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	data, err := json.Marshal(u)
	if err != nil {
		return "", err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO updates (id, target_kind, target_id, status, start_ts, data) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Target.Kind, u.Target.ID, u.Status, u.Start.UnixNano(), data)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}

func (r *SQLiteRepository) SaveUpdate(ctx context.Context, u *domain.Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE updates SET status = ?, data = ? WHERE id = ?`, u.Status, data, u.ID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (r *SQLiteRepository) FindUpdate(ctx context.Context, id string) (*domain.Update, error) {
	row := r.db.QueryRowContext(ctx, `SELECT data FROM updates WHERE id = ?`, id)
	return scanOne[domain.Update](row)
}

func (r *SQLiteRepository) FindUpdatesByTarget(ctx context.Context, target domain.Target, limit int) ([]*domain.Update, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT data FROM updates WHERE target_kind = ? AND target_id = ? ORDER BY start_ts DESC LIMIT ?`,
		target.Kind, target.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("query updates: %w", err)
	}
	return scanMany[domain.Update](rows)
}

func (r *SQLiteRepository) FindInProgressUpdates(ctx context.Context) ([]*domain.Update, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT data FROM updates WHERE status = ?`, domain.UpdateInProgress)
	if err != nil {
		return nil, fmt.Errorf("query in-progress updates: %w", err)
	}
	return scanMany[domain.Update](rows)
}

// --- stats -------------------------------------------------------------------

func (r *SQLiteRepository) InsertStatsRecord(ctx context.Context, rec *domain.SystemStatsRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO stats (sid, ts, data) VALUES (?, ?, ?)`,
		rec.ServerID, rec.Ts.UnixNano(), data)
	return err
}

// FindStatsPage implements the paging scheme of spec.md §4.4: compute
// STATS_PER_PAGE timestamps strictly descending from
// floor(now, interval) - interval*perPage*page, and report a next page iff
// a full page was returned.
func (r *SQLiteRepository) FindStatsPage(ctx context.Context, serverID string, interval time.Duration, page int, perPage int) ([]*domain.SystemStatsRecord, *int, error) {
	now := time.Now()
	floored := now.Truncate(interval)
	upperBound := floored.Add(-interval * time.Duration(perPage*page))
	lowerBound := upperBound.Add(-interval * time.Duration(perPage-1))

	rows, err := r.db.QueryContext(ctx,
		`SELECT data FROM stats WHERE sid = ? AND ts <= ? AND ts >= ? AND (? - ts) % ? = 0 ORDER BY ts DESC LIMIT ?`,
		serverID, upperBound.UnixNano(), lowerBound.UnixNano(), upperBound.UnixNano(), int64(interval), perPage)
	if err != nil {
		return nil, nil, fmt.Errorf("query stats page: %w", err)
	}
	records, err := scanMany[domain.SystemStatsRecord](rows)
	if err != nil {
		return nil, nil, err
	}

	var nextPage *int
	if len(records) == perPage {
		n := page + 1
		nextPage = &n
	}
	return records, nextPage, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
