package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
)

var ErrNotFound = errors.New("not found")

type ServerRepository struct {
	pool *pgxpool.Pool
}

func NewServerRepository(pool *pgxpool.Pool) *ServerRepository {
	return &ServerRepository{pool: pool}
}

const serverColumns = `
	id, name, provider, provider_id, ip, host, dns_record_id, login, password,
	location_id, is_free, status, error_message, created_at, updated_at`

// Create inserts a new server and fills in its id and timestamps
func (r *ServerRepository) Create(ctx context.Context, s *models.Server) error {
	query := `
		INSERT INTO servers (
			name, provider, provider_id, ip, host, dns_record_id, login, password,
			location_id, is_free, status, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		s.Name, s.Provider, s.ProviderID, s.IP, s.Host, s.DNSRecordID, s.Login, s.Password,
		s.LocationID, s.IsFree, s.Status, s.ErrorMessage,
	).Scan(&s.ID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert server: %w", err)
	}

	return nil
}

// GetByID retrieves a server by ID
func (r *ServerRepository) GetByID(ctx context.Context, id int64) (*models.Server, error) {
	query := `SELECT ` + serverColumns + ` FROM servers WHERE id = $1`
	return r.scanServer(r.pool.QueryRow(ctx, query, id))
}

// ListByStatus retrieves servers in any of the given statuses, oldest first
func (r *ServerRepository) ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Server, error) {
	query := `SELECT ` + serverColumns + ` FROM servers WHERE status = ANY($1) ORDER BY id`

	rows, err := r.pool.Query(ctx, query, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	return r.scanServers(rows)
}

// List retrieves all servers that are not deleted, newest first
func (r *ServerRepository) List(ctx context.Context, limit, offset int) ([]*models.Server, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + serverColumns + `
		FROM servers
		WHERE status <> 'DELETED'
		ORDER BY id DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query servers: %w", err)
	}
	defer rows.Close()

	return r.scanServers(rows)
}

// UpdateIfStatus writes every mutable field of the server in one statement
// so a concurrent reader never observes host without dns_record_id. The
// write only applies while the stored status is still expected; otherwise
// ErrInvalidState is returned and nothing changes.
func (r *ServerRepository) UpdateIfStatus(ctx context.Context, s *models.Server, expected models.Status) error {
	query := `
		UPDATE servers SET
			provider_id = $2, ip = $3, host = $4, dns_record_id = $5, login = $6,
			password = $7, status = $8, error_message = $9, updated_at = NOW()
		WHERE id = $1 AND status = $10
		RETURNING updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		s.ID, s.ProviderID, s.IP, s.Host, s.DNSRecordID, s.Login,
		s.Password, s.Status, s.ErrorMessage, expected,
	).Scan(&s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, s.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: server %d is no longer %s", ErrInvalidState, s.ID, expected)
	}
	if err != nil {
		return fmt.Errorf("update server: %w", err)
	}

	return nil
}

// ServerCount is the number of servers of one provider in one status
type ServerCount struct {
	Provider string
	Status   string
	Count    int
}

// CountByProviderStatus returns server counts for the metrics gauge
func (r *ServerRepository) CountByProviderStatus(ctx context.Context) ([]ServerCount, error) {
	rows, err := r.pool.Query(ctx, `SELECT provider, status, COUNT(*) FROM servers GROUP BY provider, status`)
	if err != nil {
		return nil, fmt.Errorf("count servers: %w", err)
	}
	defer rows.Close()

	var counts []ServerCount
	for rows.Next() {
		var c ServerCount
		if err := rows.Scan(&c.Provider, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan server count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (r *ServerRepository) scanServer(row pgx.Row) (*models.Server, error) {
	s := &models.Server{}
	err := row.Scan(
		&s.ID, &s.Name, &s.Provider, &s.ProviderID, &s.IP, &s.Host, &s.DNSRecordID,
		&s.Login, &s.Password, &s.LocationID, &s.IsFree, &s.Status, &s.ErrorMessage,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan server: %w", err)
	}
	return s, nil
}

func (r *ServerRepository) scanServers(rows pgx.Rows) ([]*models.Server, error) {
	var servers []*models.Server
	for rows.Next() {
		s, err := r.scanServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, s)
	}
	return servers, rows.Err()
}

func statusStrings(statuses []models.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
