package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"argent/internal/authorization/domain"
)

// RestaurantConfigRepository implements domain.RestaurantConfigRepository
// using PostgreSQL. processor_config is stored as JSONB and decoded into a
// generic map; the processor constructor validates its own keys.
type RestaurantConfigRepository struct {
	db Executor
}

// NewRestaurantConfigRepository creates a new RestaurantConfigRepository
// bound to a pool or transaction.
func NewRestaurantConfigRepository(db Executor) *RestaurantConfigRepository {
	return &RestaurantConfigRepository{db: db}
}

const getActiveConfigSQL = `
SELECT restaurant_id, config_version, processor_name, processor_config, is_active, updated_at
FROM restaurant_payment_configs
WHERE restaurant_id = $1 AND is_active = true`

// GetActive retrieves the config for a restaurant, considering only rows
// with is_active = true.
func (r *RestaurantConfigRepository) GetActive(ctx context.Context, restaurantID domain.RestaurantID) (*domain.RestaurantPaymentConfig, error) {
	var (
		config     domain.RestaurantPaymentConfig
		restaurant uuid.UUID
		rawConfig  []byte
	)
	err := r.db.QueryRow(ctx, getActiveConfigSQL, restaurantID.UUID()).Scan(
		&restaurant,
		&config.ConfigVersion,
		&config.ProcessorName,
		&rawConfig,
		&config.IsActive,
		&config.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: restaurant %s", domain.ErrRestaurantConfigNotFound, restaurantID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading restaurant config: %w", err)
	}

	config.RestaurantID = domain.RestaurantID(restaurant)
	if len(rawConfig) > 0 {
		if err := json.Unmarshal(rawConfig, &config.ProcessorConfig); err != nil {
			return nil, fmt.Errorf("%w: invalid processor_config: %v", domain.ErrCorruptData, err)
		}
	}
	return &config, nil
}

const saveConfigSQL = `
INSERT INTO restaurant_payment_configs (restaurant_id, config_version, processor_name, processor_config, is_active, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (restaurant_id) DO UPDATE SET
    config_version = EXCLUDED.config_version,
    processor_name = EXCLUDED.processor_name,
    processor_config = EXCLUDED.processor_config,
    is_active = EXCLUDED.is_active,
    updated_at = now()`

// Save upserts a config row.
func (r *RestaurantConfigRepository) Save(ctx context.Context, config *domain.RestaurantPaymentConfig) error {
	processorConfig := config.ProcessorConfig
	if processorConfig == nil {
		processorConfig = map[string]any{}
	}
	rawConfig, err := json.Marshal(processorConfig)
	if err != nil {
		return fmt.Errorf("marshaling processor_config: %w", err)
	}

	_, err = r.db.Exec(ctx, saveConfigSQL,
		config.RestaurantID.UUID(),
		config.ConfigVersion,
		config.ProcessorName,
		rawConfig,
		config.IsActive,
	)
	if err != nil {
		return fmt.Errorf("saving restaurant config %s: %w", config.RestaurantID, err)
	}
	return nil
}

// Verify interface implementation.
var _ domain.RestaurantConfigRepository = (*RestaurantConfigRepository)(nil)
