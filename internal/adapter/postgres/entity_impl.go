package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
)

// EntityRepoImpl implements repository.EntityRepository on the merged_entities table.
type EntityRepoImpl struct {
	db DB
}

var _ repository.EntityRepository = (*EntityRepoImpl)(nil)

// NewEntityRepo creates a new instance of EntityRepoImpl.
func NewEntityRepo(db DB) *EntityRepoImpl {
	return &EntityRepoImpl{db: db}
}

// Save stores or replaces a merged entity.
func (r *EntityRepoImpl) Save(ctx context.Context, e *entity.MergedEntity) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}
	assets := e.Assets
	if assets == nil {
		assets = []entity.AssetRef{}
	}
	assetsJSON, err := json.Marshal(assets)
	if err != nil {
		return fmt.Errorf("marshal assets: %w", err)
	}
	conflicts := e.Conflicts()
	if conflicts == nil {
		conflicts = []string{}
	}

	query := `
		INSERT INTO merged_entities (entity_key, namespace, primary_name, variant_year, variant_label,
			fields, source_urls, assets, conflicts, first_seen_at, updated_at, finalized_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (entity_key) DO UPDATE SET
			fields = EXCLUDED.fields,
			source_urls = EXCLUDED.source_urls,
			assets = EXCLUDED.assets,
			conflicts = EXCLUDED.conflicts,
			updated_at = EXCLUDED.updated_at,
			finalized_at = EXCLUDED.finalized_at;
	`
	k := e.Key.Canonical()
	_, err = r.db.Exec(ctx, query,
		k.String(),
		k.Namespace,
		k.PrimaryName,
		k.VariantYear,
		k.VariantLabel,
		fields,
		e.SourceURLs,
		assetsJSON,
		conflicts,
		e.FirstSeenAt,
		e.UpdatedAt,
		e.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("save entity %s: %w", k, err)
	}
	return nil
}

// FindByKey loads a saved entity.
func (r *EntityRepoImpl) FindByKey(ctx context.Context, key entity.EntityKey) (*entity.MergedEntity, error) {
	query := `
		SELECT namespace, primary_name, variant_year, variant_label, fields, source_urls, assets,
			first_seen_at, updated_at, finalized_at
		FROM merged_entities
		WHERE entity_key = $1;
	`
	var (
		e           entity.MergedEntity
		fields      []byte
		assets      []byte
		finalizedAt *time.Time
	)
	err := r.db.QueryRow(ctx, query, key.String()).Scan(
		&e.Key.Namespace,
		&e.Key.PrimaryName,
		&e.Key.VariantYear,
		&e.Key.VariantLabel,
		&fields,
		&e.SourceURLs,
		&assets,
		&e.FirstSeenAt,
		&e.UpdatedAt,
		&finalizedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find entity %s: %w", key, err)
	}
	if err := json.Unmarshal(fields, &e.Fields); err != nil {
		return nil, fmt.Errorf("decode fields of %s: %w", key, err)
	}
	if len(assets) > 0 {
		if err := json.Unmarshal(assets, &e.Assets); err != nil {
			return nil, fmt.Errorf("decode assets of %s: %w", key, err)
		}
	}
	e.FinalizedAt = finalizedAt
	return &e, nil
}
