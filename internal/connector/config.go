package connector

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lattice-kg/engine/internal/kgerrors"
	"github.com/lattice-kg/engine/internal/observability"
	"github.com/lattice-kg/engine/internal/store"
)

// secretFieldKey is the ConfigJSON key under which the encrypted secret
// blob is stored; every other ConfigJSON key is plaintext (provider
// options, topic allowlists) and passes through unencrypted.
const secretFieldKey = "_sealed_secret"

// ConfigStore wraps store.ConnectorStore with KEK encryption around the
// secret payload of a connector's configuration.
type ConfigStore struct {
	store store.ConnectorStore
	keys  *KeyRing
	log   zerolog.Logger
	sink  *observability.Sink
}

// NewConfigStore builds a ConfigStore.
func NewConfigStore(st store.ConnectorStore, keys *KeyRing, log zerolog.Logger, sink *observability.Sink) *ConfigStore {
	return &ConfigStore{store: st, keys: keys, log: log, sink: sink}
}

// Secret is the decrypted, caller-facing secret payload for one connector
// (API tokens, OAuth refresh tokens, webhook shared secrets).
type Secret map[string]any

// Put encrypts secret under the ring's current key version and persists
// it alongside the plaintext options.
func (c *ConfigStore) Put(ctx context.Context, tenant, provider string, options store.Props, secret Secret) error {
	plaintext, err := json.Marshal(secret)
	if err != nil {
		return fmt.Errorf("marshal secret: %w", err)
	}
	sealed, version, err := c.keys.Seal(plaintext)
	if err != nil {
		return kgerrors.New(kgerrors.KindConnectorPermanent, "seal-secret", err)
	}

	cfg := options
	if cfg == nil {
		cfg = store.Props{}
	}
	cfg[secretFieldKey] = base64.StdEncoding.EncodeToString(sealed)

	return c.store.UpsertConnectorConfig(ctx, &store.ConnectorConfig{
		Tenant:     tenant,
		Provider:   provider,
		ConfigJSON: cfg,
		Enabled:    true,
		KeyVersion: version,
	})
}

// Get loads and decrypts a connector's secret alongside its plaintext
// options. The returned Props has the sealed-secret field stripped.
func (c *ConfigStore) Get(ctx context.Context, tenant, provider string) (store.Props, Secret, error) {
	cfg, err := c.store.GetConnectorConfig(ctx, tenant, provider)
	if err != nil {
		return nil, nil, err
	}
	if cfg == nil {
		return nil, nil, kgerrors.New(kgerrors.KindNotFound, "connector-config", nil)
	}

	options := store.Props{}
	for k, v := range cfg.ConfigJSON {
		if k == secretFieldKey {
			continue
		}
		options[k] = v
	}

	encoded, _ := cfg.ConfigJSON[secretFieldKey].(string)
	if encoded == "" {
		return options, Secret{}, nil
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, nil, fmt.Errorf("decode sealed secret: %w", err)
	}
	plaintext, err := c.keys.Open(sealed, cfg.KeyVersion)
	if err != nil {
		return nil, nil, kgerrors.New(kgerrors.KindConnectorPermanent, "open-secret", err)
	}
	var secret Secret
	if err := json.Unmarshal(plaintext, &secret); err != nil {
		return nil, nil, fmt.Errorf("unmarshal secret: %w", err)
	}
	return options, secret, nil
}

// RotateAll re-seals every connector config sealed under a stale KEK
// version, an out-of-band job run after minting a new KEK. It never
// changes the secret itself, only which key protects it. staleVersions
// lists every previously-active version a caller expects rows might still
// carry (typically every version below the ring's current one).
func (c *ConfigStore) RotateAll(ctx context.Context, staleVersions []int) (rotated int, err error) {
	for _, version := range staleVersions {
		if !c.keys.NeedsRotation(version) {
			continue
		}
		stale, err := c.store.ListConnectorConfigsByKeyVersion(ctx, version)
		if err != nil {
			return rotated, err
		}
		for _, cfg := range stale {
			if err := c.rotateOne(ctx, cfg); err != nil {
				c.log.Warn().Err(err).Str("tenant", cfg.Tenant).Str("provider", cfg.Provider).Msg("kek rotation failed")
				if c.sink != nil {
					c.sink.RecordRotation(ctx, observability.ResultError)
				}
				continue
			}
			rotated++
			if c.sink != nil {
				c.sink.RecordRotation(ctx, observability.ResultOK)
			}
		}
	}
	return rotated, nil
}

func (c *ConfigStore) rotateOne(ctx context.Context, cfg *store.ConnectorConfig) error {
	encoded, _ := cfg.ConfigJSON[secretFieldKey].(string)
	if encoded == "" {
		return nil
	}
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return err
	}
	plaintext, err := c.keys.Open(sealed, cfg.KeyVersion)
	if err != nil {
		return err
	}
	resealed, version, err := c.keys.Seal(plaintext)
	if err != nil {
		return err
	}
	cfg.ConfigJSON[secretFieldKey] = base64.StdEncoding.EncodeToString(resealed)
	cfg.KeyVersion = version
	return c.store.UpsertConnectorConfig(ctx, cfg)
}
