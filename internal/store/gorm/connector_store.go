package gorm

import (
	"context"

	"gorm.io/gorm/clause"

	"github.com/lattice-kg/engine/internal/store"
)

// GetConnectorConfig fetches a (tenant, provider) connector configuration.
func (s *Store) GetConnectorConfig(ctx context.Context, tenant, provider string) (*store.ConnectorConfig, error) {
	ctx, cancel := s.WithTimeout(ctx, FastQueryTimeout, "get_connector_config")
	defer cancel()

	var cfg store.ConnectorConfig
	err := s.DB.WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenant, provider).
		First(&cfg).Error
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return &cfg, nil
}

// UpsertConnectorConfig inserts or replaces a connector configuration row.
func (s *Store) UpsertConnectorConfig(ctx context.Context, c *store.ConnectorConfig) error {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "upsert_connector_config")
	defer cancel()

	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "provider"}},
		UpdateAll: true,
	}).Create(c)
	return s.inTx(res)
}

// ListConnectorConfigsByKeyVersion lists every connector config still
// encrypted under an old KEK version, for the rotation job to re-encrypt.
func (s *Store) ListConnectorConfigsByKeyVersion(ctx context.Context, keyVersion int) ([]*store.ConnectorConfig, error) {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "list_connector_configs_by_key_version")
	defer cancel()

	var configs []*store.ConnectorConfig
	err := s.DB.WithContext(ctx).Where("key_version = ?", keyVersion).Find(&configs).Error
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return configs, nil
}

// GetConnectorCursor fetches the ingestion cursor for (tenant, provider).
func (s *Store) GetConnectorCursor(ctx context.Context, tenant, provider string) (*store.ConnectorCursor, error) {
	ctx, cancel := s.WithTimeout(ctx, FastQueryTimeout, "get_connector_cursor")
	defer cancel()

	var cursor store.ConnectorCursor
	err := s.DB.WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenant, provider).
		First(&cursor).Error
	if err != nil {
		return nil, wrapStoreErr(err)
	}
	return &cursor, nil
}

// SetConnectorCursor persists the ingestion cursor for (tenant, provider).
func (s *Store) SetConnectorCursor(ctx context.Context, c *store.ConnectorCursor) error {
	ctx, cancel := s.WithTimeout(ctx, DefaultQueryTimeout, "set_connector_cursor")
	defer cancel()

	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "provider"}},
		UpdateAll: true,
	}).Create(c)
	return s.inTx(res)
}
