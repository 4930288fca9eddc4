// Package catalogue persists image records. All writes are row-scoped so
// concurrent publish attempts never contend on the whole table.
package catalogue

import (
	"context"
	"fmt"
	"strings"

	"illustpub/internal/config"
	"illustpub/internal/models"
)

// Store is the catalogue contract consumed by the pipeline.
type Store interface {
	// Query returns selectable records matching c. Ordering is random.
	Query(ctx context.Context, c models.Criteria) ([]models.ImageRecord, error)
	// Get returns one record or an apperr not-found error.
	Get(ctx context.Context, pid int64) (*models.ImageRecord, error)
	// GetMany returns the records that exist among pids; unknown pids are skipped.
	GetMany(ctx context.Context, pids []int64) ([]models.ImageRecord, error)
	Insert(ctx context.Context, rec models.ImageRecord) error
	SetMaterializedPath(ctx context.Context, pid int64, path string) error
	// MarkUsed adds destination to the used-by set of every pid.
	MarkUsed(ctx context.Context, pids []int64, destination string) error
	MarkRejected(ctx context.Context, pids []int64) error
	Close() error
}

// Open connects to the backend selected in cfg and applies migrations.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		return OpenPostgres(ctx, cfg.Database.URL)
	case config.DriverSQLite:
		return OpenSQLite(ctx, cfg.Database.SQLitePath)
	default:
		return nil, fmt.Errorf("catalogue: unsupported driver %q", cfg.Database.Driver)
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePatterns turns tags into escaped substring patterns for LIKE/ILIKE,
// normalizing case with norm first.
func likePatterns(tags []string, norm func(string) string) []string {
	patterns := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		patterns = append(patterns, "%"+likeEscaper.Replace(norm(tag))+"%")
	}
	return patterns
}
