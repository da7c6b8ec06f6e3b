package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
)

type LocationRepository struct {
	pool *pgxpool.Pool
}

func NewLocationRepository(pool *pgxpool.Pool) *LocationRepository {
	return &LocationRepository{pool: pool}
}

// GetAvailable retrieves available locations
func (r *LocationRepository) GetAvailable(ctx context.Context) ([]*models.Location, error) {
	query := `
		SELECT code, name, provider, region, zone, available, created_at, updated_at
		FROM locations
		WHERE available = true
		ORDER BY code, provider
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query available locations: %w", err)
	}
	defer rows.Close()

	var locations []*models.Location
	for rows.Next() {
		loc := &models.Location{}
		err := rows.Scan(
			&loc.Code, &loc.Name, &loc.Provider, &loc.Region,
			&loc.Zone, &loc.Available, &loc.CreatedAt, &loc.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		locations = append(locations, loc)
	}

	return locations, rows.Err()
}

// Get resolves a logical location for one provider
func (r *LocationRepository) Get(ctx context.Context, code string, provider models.Provider) (*models.Location, error) {
	query := `
		SELECT code, name, provider, region, zone, available, created_at, updated_at
		FROM locations
		WHERE code = $1 AND provider = $2
	`

	loc := &models.Location{}
	err := r.pool.QueryRow(ctx, query, code, provider).Scan(
		&loc.Code, &loc.Name, &loc.Provider, &loc.Region,
		&loc.Zone, &loc.Available, &loc.CreatedAt, &loc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get location: %w", err)
	}

	return loc, nil
}

// Upsert inserts or replaces locations in one transaction
func (r *LocationRepository) Upsert(ctx context.Context, locations []models.Location) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, loc := range locations {
			batch.Queue(`
				INSERT INTO locations (code, name, provider, region, zone, available)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (code, provider) DO UPDATE SET
					name = EXCLUDED.name, region = EXCLUDED.region, zone = EXCLUDED.zone,
					available = EXCLUDED.available, updated_at = NOW()`,
				loc.Code, loc.Name, loc.Provider, loc.Region, loc.Zone, loc.Available)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert locations: %w", err)
		}
		return nil
	})
}
