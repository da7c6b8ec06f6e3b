package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wenwu/saas-platform/edge-provisioner/internal/models"
)

// ErrInvalidState is returned when a transition does not apply to the
// entity's current status
var ErrInvalidState = errors.New("invalid state for transition")

type PanelRepository struct {
	pool *pgxpool.Pool
}

func NewPanelRepository(pool *pgxpool.Pool) *PanelRepository {
	return &PanelRepository{pool: pool}
}

const panelColumns = `
	id, server_id, panel, panel_status, panel_address, panel_login, panel_password,
	auth_token, token_died_time, users_count, error_message, error_at, created_at, updated_at`

// CreateForServer inserts the panel of a server. A server owns at most one
// panel, so a second call returns the existing row.
func (r *PanelRepository) CreateForServer(ctx context.Context, serverID int64, kind models.PanelKind) (*models.Panel, bool, error) {
	query := `
		INSERT INTO panels (server_id, panel, panel_status)
		VALUES ($1, $2, 'CREATED')
		ON CONFLICT (server_id) DO NOTHING
		RETURNING ` + panelColumns

	p, err := scanPanel(r.pool.QueryRow(ctx, query, serverID, kind))
	if errors.Is(err, ErrNotFound) {
		existing, err := r.GetByServerID(ctx, serverID)
		return existing, false, err
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert panel: %w", err)
	}
	return p, true, nil
}

// GetByID retrieves a panel by ID
func (r *PanelRepository) GetByID(ctx context.Context, id int64) (*models.Panel, error) {
	query := `SELECT ` + panelColumns + ` FROM panels WHERE id = $1`
	return scanPanel(r.pool.QueryRow(ctx, query, id))
}

// GetByServerID retrieves the panel owned by a server
func (r *PanelRepository) GetByServerID(ctx context.Context, serverID int64) (*models.Panel, error) {
	query := `SELECT ` + panelColumns + ` FROM panels WHERE server_id = $1`
	return scanPanel(r.pool.QueryRow(ctx, query, serverID))
}

// ListByStatus retrieves panels in any of the given statuses ordered by id
func (r *PanelRepository) ListByStatus(ctx context.Context, statuses ...models.Status) ([]*models.Panel, error) {
	query := `SELECT ` + panelColumns + ` FROM panels WHERE panel_status = ANY($1) ORDER BY id`

	rows, err := r.pool.Query(ctx, query, statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("query panels: %w", err)
	}
	defer rows.Close()

	var panels []*models.Panel
	for rows.Next() {
		p, err := scanPanel(rows)
		if err != nil {
			return nil, err
		}
		panels = append(panels, p)
	}
	return panels, rows.Err()
}

// UpdateIfStatus writes status and connection data in one statement while
// the stored status is still expected. Error fields are owned by
// RecordError/ClearError and left untouched.
func (r *PanelRepository) UpdateIfStatus(ctx context.Context, p *models.Panel, expected models.Status) error {
	query := `
		UPDATE panels SET
			panel_status = $2, panel_address = $3, panel_login = $4, panel_password = $5,
			updated_at = NOW()
		WHERE id = $1 AND panel_status = $6
		RETURNING updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		p.ID, p.Status, p.Address, p.Login, p.Password, expected,
	).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, p.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: panel %d is no longer %s", ErrInvalidState, p.ID, expected)
	}
	if err != nil {
		return fmt.Errorf("update panel: %w", err)
	}
	return nil
}

// UpdateToken stores a refreshed (or cleared) auth token
func (r *PanelRepository) UpdateToken(ctx context.Context, panelID int64, token *string, diedAt *time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE panels SET auth_token = $2, token_died_time = $3, updated_at = NOW()
		WHERE id = $1`, panelID, token, diedAt)
	if err != nil {
		return fmt.Errorf("update panel token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateUsersCount stores the user count last reported by the panel
func (r *PanelRepository) UpdateUsersCount(ctx context.Context, panelID int64, count int) error {
	_, err := r.pool.Exec(ctx, `UPDATE panels SET users_count = $2 WHERE id = $1`, panelID, count)
	if err != nil {
		return fmt.Errorf("update panel users count: %w", err)
	}
	return nil
}

// AdjustUsersCount adds delta to the user count, never going below zero
func (r *PanelRepository) AdjustUsersCount(ctx context.Context, panelID int64, delta int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE panels SET users_count = GREATEST(users_count + $2, 0) WHERE id = $1`, panelID, delta)
	if err != nil {
		return fmt.Errorf("adjust panel users count: %w", err)
	}
	return nil
}

// PanelCount is the number of panels in one status
type PanelCount struct {
	Status models.Status
	Count  int
}

func (r *PanelRepository) CountByStatus(ctx context.Context) ([]PanelCount, error) {
	rows, err := r.pool.Query(ctx, `SELECT panel_status, COUNT(*) FROM panels GROUP BY panel_status`)
	if err != nil {
		return nil, fmt.Errorf("count panels: %w", err)
	}
	defer rows.Close()

	var counts []PanelCount
	for rows.Next() {
		var c PanelCount
		if err := rows.Scan(&c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan panel count: %w", err)
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// MarkDeletedByServer moves the panel of a server to DELETED, if it has
// one. An open error episode is closed in the same transaction so a retired
// panel never keeps an unresolved history row.
func (r *PanelRepository) MarkDeletedByServer(ctx context.Context, serverID int64, note string, at time.Time) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var panelID int64
		err := tx.QueryRow(ctx, `
			UPDATE panels SET
				panel_status = 'DELETED', auth_token = NULL, token_died_time = NULL,
				error_message = NULL, error_at = NULL, updated_at = NOW()
			WHERE server_id = $1
			RETURNING id`, serverID).Scan(&panelID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("mark panel deleted: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE panel_error_history
			SET resolved_at = $2, resolution_type = $3, resolution_note = $4
			WHERE panel_id = $1 AND resolved_at IS NULL`,
			panelID, at, models.ResolutionAutomatic, note); err != nil {
			return fmt.Errorf("close error episode: %w", err)
		}
		return nil
	})
}

// RecordError moves a panel to ERROR and opens an error episode unless one
// is already open, in which case only the message is refreshed. Returns the
// updated panel and whether a new history row was created.
func (r *PanelRepository) RecordError(ctx context.Context, panelID int64, message string, at time.Time) (*models.Panel, bool, error) {
	var (
		panel  *models.Panel
		opened bool
	)

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := scanPanel(tx.QueryRow(ctx, `SELECT `+panelColumns+` FROM panels WHERE id = $1 FOR UPDATE`, panelID))
		if err != nil {
			return err
		}
		if current.Status == models.StatusDeleted {
			return ErrInvalidState
		}

		panel, err = scanPanel(tx.QueryRow(ctx, `
			UPDATE panels SET panel_status = 'ERROR', error_message = $2, error_at = $3, updated_at = NOW()
			WHERE id = $1
			RETURNING `+panelColumns, panelID, message, at))
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE panel_error_history SET error_message = $2
			WHERE panel_id = $1 AND resolved_at IS NULL`, panelID, message)
		if err != nil {
			return fmt.Errorf("refresh open error episode: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO panel_error_history (panel_id, error_message, error_occurred_at)
			VALUES ($1, $2, $3)`, panelID, message, at); err != nil {
			return fmt.Errorf("insert error episode: %w", err)
		}
		opened = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return panel, opened, nil
}

// ClearError closes the open error episode of an ERROR panel and moves the
// panel to the target status. Returns the number of episodes closed.
func (r *PanelRepository) ClearError(ctx context.Context, panelID int64, target models.Status, resolutionType, note string, at time.Time) (*models.Panel, int64, error) {
	var (
		panel  *models.Panel
		closed int64
	)

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		current, err := scanPanel(tx.QueryRow(ctx, `SELECT `+panelColumns+` FROM panels WHERE id = $1 FOR UPDATE`, panelID))
		if err != nil {
			return err
		}
		if current.Status != models.StatusError {
			return ErrInvalidState
		}

		panel, err = scanPanel(tx.QueryRow(ctx, `
			UPDATE panels SET panel_status = $2, error_message = NULL, error_at = NULL, updated_at = NOW()
			WHERE id = $1
			RETURNING `+panelColumns, panelID, target))
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE panel_error_history
			SET resolved_at = $2, resolution_type = $3, resolution_note = $4
			WHERE panel_id = $1 AND resolved_at IS NULL`, panelID, at, resolutionType, note)
		if err != nil {
			return fmt.Errorf("close error episode: %w", err)
		}
		closed = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return panel, closed, nil
}

// History lists the error episodes of a panel, newest first
func (r *PanelRepository) History(ctx context.Context, panelID int64) ([]*models.PanelErrorHistory, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, panel_id, error_message, error_occurred_at, resolved_at, resolution_type, resolution_note
		FROM panel_error_history
		WHERE panel_id = $1
		ORDER BY error_occurred_at DESC, id DESC`, panelID)
	if err != nil {
		return nil, fmt.Errorf("query panel error history: %w", err)
	}
	defer rows.Close()

	var history []*models.PanelErrorHistory
	for rows.Next() {
		h := &models.PanelErrorHistory{}
		if err := rows.Scan(&h.ID, &h.PanelID, &h.ErrorMessage, &h.ErrorOccurredAt,
			&h.ResolvedAt, &h.ResolutionType, &h.ResolutionNote); err != nil {
			return nil, fmt.Errorf("scan panel error history: %w", err)
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

func scanPanel(row pgx.Row) (*models.Panel, error) {
	p := &models.Panel{}
	err := row.Scan(
		&p.ID, &p.ServerID, &p.Kind, &p.Status, &p.Address, &p.Login, &p.Password,
		&p.AuthToken, &p.TokenDiedTime, &p.UsersCount, &p.ErrorMessage, &p.ErrorAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan panel: %w", err)
	}
	return p, nil
}
