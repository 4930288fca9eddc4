package catalogue

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"modernc.org/sqlite"

	"illustpub/internal/apperr"
	"illustpub/internal/models"
)

const sqliteColumns = `pid, tags, popularity, author, image_url, materialized_path, used_by, rejected, created_at, updated_at`

func init() {
	// fold(x) applies full Unicode case folding; built-in lower() and LIKE
	// only fold ASCII.
	sqlite.MustRegisterDeterministicScalarFunction("fold", 1,
		func(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
			switch v := args[0].(type) {
			case nil:
				return nil, nil
			case string:
				return foldString(v), nil
			case []byte:
				return foldString(string(v)), nil
			default:
				return v, nil
			}
		})
}

// foldString is safe for concurrent use; a Caser is not.
func foldString(s string) string {
	return cases.Fold().String(s)
}

// SQLiteStore keeps the catalogue in an embedded database. Tag and used-by
// sets are stored as JSON arrays.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("open sqlite: empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("open sqlite: create db dir: %w", err)
	}
	// Pragmas go in the DSN so every pooled connection carries them.
	dsn := "file:" + path + "?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS images (
			pid               INTEGER PRIMARY KEY,
			tags              TEXT NOT NULL DEFAULT '[]',
			popularity        REAL NOT NULL DEFAULT 0,
			author            TEXT NOT NULL DEFAULT '',
			image_url         TEXT NOT NULL DEFAULT '',
			materialized_path TEXT,
			used_by           TEXT NOT NULL DEFAULT '[]',
			rejected          INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS images_selectable_idx ON images (rejected, popularity);
	`)
	return err
}

func (s *SQLiteStore) Query(ctx context.Context, c models.Criteria) ([]models.ImageRecord, error) {
	var (
		where []string
		args  []any
	)
	where = append(where, "rejected = 0")
	where = append(where, "NOT EXISTS (SELECT 1 FROM json_each(images.used_by) u WHERE u.value = ?)")
	args = append(args, c.Destination)

	if c.MinPopularity > 0 {
		where = append(where, "popularity >= ?")
		args = append(args, c.MinPopularity)
	}
	for _, p := range likePatterns(c.ExcludeTags, foldString) {
		where = append(where, `NOT EXISTS (SELECT 1 FROM json_each(images.tags) t WHERE fold(t.value) LIKE ? ESCAPE '\')`)
		args = append(args, p)
	}
	if include := likePatterns(c.IncludeTags, foldString); len(include) > 0 {
		ors := make([]string, len(include))
		for i, p := range include {
			ors[i] = `fold(t.value) LIKE ? ESCAPE '\'`
			args = append(args, p)
		}
		where = append(where, "EXISTS (SELECT 1 FROM json_each(images.tags) t WHERE "+strings.Join(ors, " OR ")+")")
	}
	args = append(args, c.Limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM images WHERE `+strings.Join(where, " AND ")+` ORDER BY random() LIMIT ?`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanSQLiteRecords(rows)
}

func (s *SQLiteStore) Get(ctx context.Context, pid int64) (*models.ImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM images WHERE pid = ?`, pid)
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	defer rows.Close()
	recs, err := scanSQLiteRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, apperr.NotFound("catalogue", "image "+strconv.FormatInt(pid, 10)+" not found")
	}
	return &recs[0], nil
}

func (s *SQLiteStore) GetMany(ctx context.Context, pids []int64) ([]models.ImageRecord, error) {
	if len(pids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(pids)), ",")
	args := make([]any, len(pids))
	for i, pid := range pids {
		args[i] = pid
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM images WHERE pid IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("get images: %w", err)
	}
	defer rows.Close()
	return scanSQLiteRecords(rows)
}

func (s *SQLiteStore) Insert(ctx context.Context, rec models.ImageRecord) error {
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	now := timestamp()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO images (pid, tags, popularity, author, image_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pid) DO UPDATE
		SET tags = excluded.tags,
		    popularity = excluded.popularity,
		    author = excluded.author,
		    image_url = excluded.image_url,
		    updated_at = excluded.updated_at
	`, rec.PID, string(tagsJSON), rec.Popularity, rec.Author, rec.ImageURL, now, now)
	if err != nil {
		return fmt.Errorf("db insert: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetMaterializedPath(ctx context.Context, pid int64, path string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE images SET materialized_path = ?, updated_at = ? WHERE pid = ?`,
		path, timestamp(), pid)
	if err != nil {
		return fmt.Errorf("db update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("catalogue", "image "+strconv.FormatInt(pid, 10)+" not found")
	}
	return nil
}

func (s *SQLiteStore) MarkUsed(ctx context.Context, pids []int64, destination string) error {
	if len(pids) == 0 {
		return nil
	}
	now := timestamp()
	for _, pid := range pids {
		_, err := s.db.ExecContext(ctx, `
			UPDATE images
			SET used_by = json_insert(used_by, '$[#]', ?),
			    updated_at = ?
			WHERE pid = ?
			  AND NOT EXISTS (SELECT 1 FROM json_each(images.used_by) u WHERE u.value = ?)
		`, destination, now, pid, destination)
		if err != nil {
			return fmt.Errorf("mark used %d: %w", pid, err)
		}
	}
	return nil
}

func (s *SQLiteStore) MarkRejected(ctx context.Context, pids []int64) error {
	now := timestamp()
	for _, pid := range pids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE images SET rejected = 1, updated_at = ? WHERE pid = ?`, now, pid); err != nil {
			return fmt.Errorf("mark rejected %d: %w", pid, err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanSQLiteRecords(rows *sql.Rows) ([]models.ImageRecord, error) {
	var recs []models.ImageRecord
	for rows.Next() {
		var (
			rec                  models.ImageRecord
			tagsJSON, usedJSON   string
			path                 sql.NullString
			rejected             int
			createdAt, updatedAt string
		)
		if err := rows.Scan(&rec.PID, &tagsJSON, &rec.Popularity, &rec.Author, &rec.ImageURL,
			&path, &usedJSON, &rejected, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
			return nil, fmt.Errorf("decode tags for %d: %w", rec.PID, err)
		}
		if err := json.Unmarshal([]byte(usedJSON), &rec.UsedBy); err != nil {
			return nil, fmt.Errorf("decode used_by for %d: %w", rec.PID, err)
		}
		if path.Valid {
			p := path.String
			rec.MaterializedPath = &p
		}
		rec.Rejected = rejected != 0
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return recs, nil
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
