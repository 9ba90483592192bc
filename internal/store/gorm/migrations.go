package gorm

import (
	"fmt"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/lattice-kg/engine/internal/store"
)

// runMigrations enables pgvector and brings the schema up to date via
// gormigrate, grounded on the teacher's numbered-migration shape.
func runMigrations(db *gorm.DB, embeddingDim int) error {
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("enable pgvector extension: %w", err)
	}
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS pgcrypto").Error; err != nil {
		return fmt.Errorf("enable pgcrypto extension: %w", err)
	}

	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "001_core_tables",
			Migrate: func(tx *gorm.DB) error {
				if err := tx.AutoMigrate(&store.Node{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&store.Edge{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&store.Event{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&store.NodeVersion{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&store.EmbeddingHistory{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&store.Pattern{}); err != nil {
					return err
				}
				if err := tx.AutoMigrate(&store.ConnectorConfig{}); err != nil {
					return err
				}
				return tx.AutoMigrate(&store.ConnectorCursor{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable(
					"nodes", "edges", "events", "node_versions",
					"embedding_history", "patterns", "connector_configs", "connector_cursors",
				)
			},
		},
		{
			ID: fmt.Sprintf("002_node_embedding_column_dim_%d", embeddingDim),
			Migrate: func(tx *gorm.DB) error {
				sql := fmt.Sprintf(
					"ALTER TABLE nodes ADD COLUMN IF NOT EXISTS embedding vector(%d)", embeddingDim)
				return tx.Exec(sql).Error
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Exec("ALTER TABLE nodes DROP COLUMN IF EXISTS embedding").Error
			},
		},
		{
			ID: "003_node_vector_indexes",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE INDEX IF NOT EXISTS idx_nodes_embedding_hnsw_cosine
					 ON nodes USING hnsw (embedding vector_cosine_ops)
					 WITH (m = 16, ef_construction = 64)`,
					`CREATE INDEX IF NOT EXISTS idx_nodes_embedding_hnsw_l2
					 ON nodes USING hnsw (embedding vector_l2_ops)
					 WITH (m = 16, ef_construction = 64)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return fmt.Errorf("create vector index: %w", err)
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				_ = tx.Exec("DROP INDEX IF EXISTS idx_nodes_embedding_hnsw_cosine").Error
				_ = tx.Exec("DROP INDEX IF EXISTS idx_nodes_embedding_hnsw_l2").Error
				return nil
			},
		},
		{
			ID: "004_node_lexical_search",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`ALTER TABLE nodes ADD COLUMN IF NOT EXISTS search_text TEXT NOT NULL DEFAULT ''`,
					`ALTER TABLE nodes ADD COLUMN IF NOT EXISTS search_vector tsvector
					 GENERATED ALWAYS AS (to_tsvector('english', COALESCE(search_text, ''))) STORED`,
					`CREATE INDEX IF NOT EXISTS idx_nodes_fts ON nodes USING GIN(search_vector)`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return fmt.Errorf("node lexical search: %w", err)
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				_ = tx.Exec("DROP INDEX IF EXISTS idx_nodes_fts").Error
				_ = tx.Exec("ALTER TABLE nodes DROP COLUMN IF EXISTS search_vector").Error
				_ = tx.Exec("ALTER TABLE nodes DROP COLUMN IF EXISTS search_text").Error
				return nil
			},
		},
		{
			ID: "005_node_refresh_and_purge_indexes",
			Migrate: func(tx *gorm.DB) error {
				sqls := []string{
					`CREATE INDEX IF NOT EXISTS idx_nodes_refresh_due
					 ON nodes(last_refreshed)
					 WHERE deleted_at IS NULL`,
					`CREATE INDEX IF NOT EXISTS idx_nodes_purge_due
					 ON nodes(purge_after)
					 WHERE deleted_at IS NOT NULL AND purge_after IS NOT NULL`,
					`CREATE INDEX IF NOT EXISTS idx_nodes_embedding_status
					 ON nodes(embedding_status) WHERE deleted_at IS NULL`,
				}
				for _, s := range sqls {
					if err := tx.Exec(s).Error; err != nil {
						return fmt.Errorf("node scheduling indexes: %w", err)
					}
				}
				return nil
			},
			Rollback: func(tx *gorm.DB) error {
				_ = tx.Exec("DROP INDEX IF EXISTS idx_nodes_refresh_due").Error
				_ = tx.Exec("DROP INDEX IF EXISTS idx_nodes_purge_due").Error
				_ = tx.Exec("DROP INDEX IF EXISTS idx_nodes_embedding_status").Error
				return nil
			},
		},
	})

	if err := m.Migrate(); err != nil {
		return fmt.Errorf("run gormigrate migrations: %w", err)
	}
	return nil
}
