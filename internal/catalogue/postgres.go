package catalogue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"illustpub/internal/apperr"
	"illustpub/internal/models"
)

const pgColumns = `pid, tags, popularity, author, image_url, materialized_path, used_by, rejected, created_at, updated_at`

// PostgresStore keeps the catalogue in Postgres with TEXT[] tag columns.
type PostgresStore struct {
	db *pgxpool.Pool
}

// OpenPostgres connects a pool and runs migrations.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect to db: %w", err)
	}
	s := &PostgresStore{db: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS images (
			pid               BIGINT PRIMARY KEY,
			tags              TEXT[] NOT NULL DEFAULT '{}',
			popularity        DOUBLE PRECISION NOT NULL DEFAULT 0,
			author            TEXT NOT NULL DEFAULT '',
			image_url         TEXT NOT NULL DEFAULT '',
			materialized_path TEXT,
			used_by           TEXT[] NOT NULL DEFAULT '{}',
			rejected          BOOLEAN NOT NULL DEFAULT FALSE,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS images_selectable_idx
			ON images (popularity) WHERE NOT rejected;
	`)
	return err
}

func (s *PostgresStore) Query(ctx context.Context, c models.Criteria) ([]models.ImageRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+pgColumns+`
		FROM images i
		WHERE NOT i.rejected
		  AND NOT ($1 = ANY(i.used_by))
		  AND ($2::float8 <= 0 OR i.popularity >= $2)
		  AND NOT EXISTS (
			SELECT 1 FROM unnest(i.tags) t, unnest($3::text[]) p WHERE t ILIKE p
		  )
		  AND (cardinality($4::text[]) = 0 OR EXISTS (
			SELECT 1 FROM unnest(i.tags) t, unnest($4::text[]) p WHERE t ILIKE p
		  ))
		ORDER BY random()
		LIMIT $5
	`, c.Destination, c.MinPopularity, likePatterns(c.ExcludeTags, strings.ToLower), likePatterns(c.IncludeTags, strings.ToLower), c.Limit)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanPgRecords(rows)
}

func (s *PostgresStore) Get(ctx context.Context, pid int64) (*models.ImageRecord, error) {
	rows, err := s.db.Query(ctx, `SELECT `+pgColumns+` FROM images WHERE pid = $1`, pid)
	if err != nil {
		return nil, fmt.Errorf("get image: %w", err)
	}
	defer rows.Close()
	recs, err := scanPgRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, apperr.NotFound("catalogue", "image "+strconv.FormatInt(pid, 10)+" not found")
	}
	return &recs[0], nil
}

func (s *PostgresStore) GetMany(ctx context.Context, pids []int64) ([]models.ImageRecord, error) {
	if len(pids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+pgColumns+` FROM images WHERE pid = ANY($1)`, pids)
	if err != nil {
		return nil, fmt.Errorf("get images: %w", err)
	}
	defer rows.Close()
	return scanPgRecords(rows)
}

func (s *PostgresStore) Insert(ctx context.Context, rec models.ImageRecord) error {
	tags := rec.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO images (pid, tags, popularity, author, image_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pid) DO UPDATE
		SET tags = EXCLUDED.tags,
		    popularity = EXCLUDED.popularity,
		    author = EXCLUDED.author,
		    image_url = EXCLUDED.image_url,
		    updated_at = NOW()
	`, rec.PID, tags, rec.Popularity, rec.Author, rec.ImageURL)
	if err != nil {
		return fmt.Errorf("db insert: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetMaterializedPath(ctx context.Context, pid int64, path string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE images
		SET materialized_path = $1,
		    updated_at = NOW()
		WHERE pid = $2
	`, path, pid)
	if err != nil {
		return fmt.Errorf("db update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("catalogue", "image "+strconv.FormatInt(pid, 10)+" not found")
	}
	return nil
}

func (s *PostgresStore) MarkUsed(ctx context.Context, pids []int64, destination string) error {
	if len(pids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE images
		SET used_by = array_append(used_by, $1),
		    updated_at = NOW()
		WHERE pid = ANY($2)
		  AND NOT ($1 = ANY(used_by))
	`, destination, pids)
	if err != nil {
		return fmt.Errorf("mark used: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkRejected(ctx context.Context, pids []int64) error {
	if len(pids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `
		UPDATE images
		SET rejected = TRUE,
		    updated_at = NOW()
		WHERE pid = ANY($1)
	`, pids)
	if err != nil {
		return fmt.Errorf("mark rejected: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func scanPgRecords(rows pgx.Rows) ([]models.ImageRecord, error) {
	var recs []models.ImageRecord
	for rows.Next() {
		var rec models.ImageRecord
		if err := rows.Scan(&rec.PID, &rec.Tags, &rec.Popularity, &rec.Author, &rec.ImageURL,
			&rec.MaterializedPath, &rec.UsedBy, &rec.Rejected, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return recs, nil
}
