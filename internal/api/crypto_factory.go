package api

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kenneth/blob-encryption-gateway/internal/audit"
	"github.com/kenneth/blob-encryption-gateway/internal/config"
	"github.com/kenneth/blob-encryption-gateway/internal/crypto"
	"github.com/kenneth/blob-encryption-gateway/internal/metrics"
	"github.com/kenneth/blob-encryption-gateway/internal/middleware"
)

// Keys holds the key for new uploads and the resolver used for downloads.
type Keys struct {
	// Active wraps the content key of every upload.
	Active crypto.KeyProvider
	// Resolver finds the key named by a blob's envelope, including retired keys.
	Resolver crypto.KeyResolver
	// IDs lists every configured key id, active key first.
	IDs []string

	closers []func() error
}

// Close releases remote key clients.
func (k *Keys) Close() error {
	var first error
	for _, c := range k.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// KeyDeps carries the observability hooks that wrap every configured key.
// Each field may be nil.
type KeyDeps struct {
	Metrics *metrics.Metrics
	Audit   audit.Logger
	Logger  *logrus.Logger
}

// BuildKeys builds the active key provider and a resolver over it and the
// additional keys.
func BuildKeys(ctx context.Context, cfg *config.EncryptionConfig, deps KeyDeps) (*Keys, error) {
	keys := &Keys{}

	active, closer, err := buildKeyProvider(ctx, &cfg.KeyProvider)
	if err != nil {
		return nil, fmt.Errorf("encryption.key_provider: %w", err)
	}
	if closer != nil {
		keys.closers = append(keys.closers, closer)
	}
	keys.Active = instrument(active, deps)
	keys.IDs = append(keys.IDs, active.KeyID())

	static, err := crypto.NewStaticResolver(keys.Active)
	if err != nil {
		keys.Close()
		return nil, err
	}
	for i := range cfg.AdditionalKeys {
		key, closer, err := buildKeyProvider(ctx, &cfg.AdditionalKeys[i])
		if err != nil {
			keys.Close()
			return nil, fmt.Errorf("encryption.additional_keys[%d]: %w", i, err)
		}
		if closer != nil {
			keys.closers = append(keys.closers, closer)
		}
		if err := static.Add(instrument(key, deps)); err != nil {
			keys.Close()
			return nil, fmt.Errorf("encryption.additional_keys[%d]: %w", i, err)
		}
		keys.IDs = append(keys.IDs, key.KeyID())
	}

	keys.Resolver = static
	if cfg.ResolverCache.Enabled {
		caching, err := crypto.NewCachingResolver(static, cfg.ResolverCache.TTL, cfg.ResolverCache.MaxItems)
		if err != nil {
			keys.Close()
			return nil, err
		}
		if deps.Metrics != nil {
			caching.OnLookup = deps.Metrics.RecordResolverLookup
		}
		keys.Resolver = caching
	}

	if deps.Logger != nil {
		deps.Logger.WithFields(logrus.Fields{
			"active_key": keys.IDs[0],
			"key_count":  len(keys.IDs),
			"provider":   cfg.KeyProvider.Type,
		}).Info("Key providers configured")
	}
	return keys, nil
}

func buildKeyProvider(ctx context.Context, cfg *config.KeyProviderConfig) (crypto.KeyProvider, func() error, error) {
	switch cfg.Type {
	case config.KeyProviderSymmetric:
		material, err := symmetricKeyMaterial(cfg)
		if err != nil {
			return nil, nil, err
		}
		key, err := crypto.NewSymmetricKey(cfg.KeyID, material, nil)
		return key, nil, err
	case config.KeyProviderPassword:
		key, err := crypto.NewPasswordKey(cfg.KeyID, cfg.Password, nil)
		return key, nil, err
	case config.KeyProviderRSA:
		data, err := os.ReadFile(cfg.PEMFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read rsa key: %w", err)
		}
		key, err := crypto.LoadRSAKeyPEM(cfg.KeyID, data, nil)
		return key, nil, err
	case config.KeyProviderKMS:
		key, err := crypto.NewKMSKeyFromConfig(ctx, crypto.KMSOptions{
			KeyID:           cfg.KeyID,
			Region:          cfg.KMS.Region,
			Endpoint:        cfg.KMS.Endpoint,
			AccessKeyID:     cfg.KMS.AccessKeyID,
			SecretAccessKey: cfg.KMS.SecretAccessKey,
			Timeout:         cfg.KMS.Timeout,
		})
		return key, nil, err
	case config.KeyProviderVault:
		key, err := crypto.NewVaultTransitKey(crypto.VaultOptions{
			Address:   cfg.Vault.Address,
			Token:     cfg.Vault.Token,
			Namespace: cfg.Vault.Namespace,
			MountPath: cfg.Vault.MountPath,
			KeyName:   cfg.KeyID,
			Timeout:   cfg.Vault.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return key, key.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported key provider type %q", cfg.Type)
	}
}

// symmetricKeyMaterial decodes the base64 key given inline or in key_file.
func symmetricKeyMaterial(cfg *config.KeyProviderConfig) ([]byte, error) {
	encoded := cfg.Key
	if cfg.KeyFile != "" {
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		encoded = string(data)
	}
	material, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("key is not valid base64: %w", err)
	}
	return material, nil
}

type blobRefKey struct{}

type blobRef struct {
	container string
	blob      string
}

// withBlobRef records the blob a request works on so that key operations can
// be attributed to it.
func withBlobRef(ctx context.Context, container, blob string) context.Context {
	return context.WithValue(ctx, blobRefKey{}, blobRef{container: container, blob: blob})
}

func blobRefFromContext(ctx context.Context) blobRef {
	ref, _ := ctx.Value(blobRefKey{}).(blobRef)
	return ref
}

// instrumentedKey records metrics, spans and audit events for a KeyProvider.
type instrumentedKey struct {
	crypto.KeyProvider
	metrics *metrics.Metrics
	audit   audit.Logger
	tracer  trace.Tracer
}

func instrument(key crypto.KeyProvider, deps KeyDeps) crypto.KeyProvider {
	return &instrumentedKey{
		KeyProvider: key,
		metrics:     deps.Metrics,
		audit:       deps.Audit,
		tracer:      otel.Tracer(middleware.TracerName),
	}
}

func (k *instrumentedKey) WrapKey(ctx context.Context, cek []byte, algorithm string) (*crypto.KeyWrapResult, error) {
	ctx, span := k.tracer.Start(ctx, "key.wrap", trace.WithAttributes(attribute.String("key.id", k.KeyID())))
	defer span.End()

	start := time.Now()
	result, err := k.KeyProvider.WrapKey(ctx, cek, algorithm)
	if result != nil {
		algorithm = result.Algorithm
	}
	k.observe(span, "wrap", algorithm, time.Since(start), err)
	return result, err
}

func (k *instrumentedKey) UnwrapKey(ctx context.Context, wrapped []byte, algorithm string) ([]byte, error) {
	ctx, span := k.tracer.Start(ctx, "key.unwrap", trace.WithAttributes(attribute.String("key.id", k.KeyID())))
	defer span.End()

	start := time.Now()
	cek, err := k.KeyProvider.UnwrapKey(ctx, wrapped, algorithm)
	duration := time.Since(start)
	k.observe(span, "unwrap", algorithm, duration, err)

	if k.audit != nil {
		ref := blobRefFromContext(ctx)
		k.audit.LogKeyUnwrap(audit.CryptoEvent{
			Container:   ref.container,
			Blob:        ref.blob,
			RequestID:   middleware.RequestIDFromContext(ctx),
			KeyID:       k.KeyID(),
			KeyWrapAlgo: algorithm,
			Err:         err,
			Duration:    duration,
		})
	}
	return cek, err
}

func (k *instrumentedKey) observe(span trace.Span, operation, algorithm string, duration time.Duration, err error) {
	span.SetAttributes(attribute.String("key.algorithm", algorithm))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if k.metrics != nil {
		k.metrics.RecordKeyOperation(operation, algorithm, duration, err)
	}
}
