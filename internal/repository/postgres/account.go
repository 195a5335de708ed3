package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relayworks/wahub/internal/models"
)

type AccountStore struct {
	pool *pgxpool.Pool
}

func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const accountColumns = `id, tenant_id, owner_member_id, provider, instance_id,
	phone_number, status, disabled, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.WhatsAppAccount, error) {
	var a models.WhatsAppAccount
	err := row.Scan(
		&a.ID,
		&a.TenantID,
		&a.OwnerMemberID,
		&a.Provider,
		&a.InstanceID,
		&a.PhoneNumber,
		&a.Status,
		&a.Disabled,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByInstanceID is the webhook hot path: one indexed lookup on the
// globally unique instance_id column.
func (s *AccountStore) GetByInstanceID(ctx context.Context, instanceID string) (*models.WhatsAppAccount, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM whatsapp_accounts
		WHERE instance_id = $1 AND NOT disabled`

	account, err := scanAccount(s.pool.QueryRow(ctx, query, instanceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account by instance id: %w", err)
	}
	return account, nil
}

func (s *AccountStore) GetByID(ctx context.Context, accountID uuid.UUID) (*models.WhatsAppAccount, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM whatsapp_accounts
		WHERE id = $1`

	account, err := scanAccount(s.pool.QueryRow(ctx, query, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

func (s *AccountStore) UpdateStatus(ctx context.Context, accountID uuid.UUID, status models.ConnectionStatus) error {
	query := `
		UPDATE whatsapp_accounts
		SET status = $2, updated_at = now()
		WHERE id = $1`

	_, err := s.pool.Exec(ctx, query, accountID, status)
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	return nil
}

func (s *AccountStore) SetDisabled(ctx context.Context, accountID uuid.UUID, disabled bool) error {
	query := `
		UPDATE whatsapp_accounts
		SET disabled = $2, updated_at = now()
		WHERE id = $1`

	_, err := s.pool.Exec(ctx, query, accountID, disabled)
	if err != nil {
		return fmt.Errorf("set account disabled: %w", err)
	}
	return nil
}
