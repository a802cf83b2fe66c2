package crypto

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

const defaultRemoteKeyTimeout = 5 * time.Second

// KMSClient is the subset of the AWS KMS API used for key wrapping.
type KMSClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSOptions configure a KMSKey.
type KMSOptions struct {
	// KeyID is a KMS key id, key ARN or alias.
	KeyID string
	// Region, Endpoint and static credentials are used by NewKMSKeyFromConfig.
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	// Timeout bounds every KMS call. Defaults to 5s.
	Timeout time.Duration
}

// KMSKey wraps content keys with an AWS KMS key. Algorithm names are KMS
// encryption algorithm specs.
type KMSKey struct {
	client  KMSClient
	keyID   string
	timeout time.Duration
}

// NewKMSKey creates a KMS backed KeyProvider using client.
func NewKMSKey(client KMSClient, opts KMSOptions) (*KMSKey, error) {
	if client == nil {
		return nil, errors.New("kms: client is required")
	}
	keyID := strings.TrimSpace(opts.KeyID)
	if keyID == "" {
		return nil, errors.New("kms: key id is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRemoteKeyTimeout
	}
	return &KMSKey{client: client, keyID: keyID, timeout: timeout}, nil
}

// NewKMSKeyFromConfig loads the AWS configuration and creates a KMS client.
func NewKMSKeyFromConfig(ctx context.Context, opts KMSOptions) (*KMSKey, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("kms: failed to load AWS config: %w", err)
	}

	var kmsOpts []func(*kms.Options)
	if opts.Endpoint != "" {
		kmsOpts = append(kmsOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	return NewKMSKey(kms.NewFromConfig(cfg, kmsOpts...), opts)
}

// KeyID implements KeyProvider.
func (k *KMSKey) KeyID() string { return k.keyID }

func kmsAlgorithm(name string) (types.EncryptionAlgorithmSpec, error) {
	switch types.EncryptionAlgorithmSpec(name) {
	case "", types.EncryptionAlgorithmSpecSymmetricDefault:
		return types.EncryptionAlgorithmSpecSymmetricDefault, nil
	case types.EncryptionAlgorithmSpecRsaesOaepSha1, types.EncryptionAlgorithmSpecRsaesOaepSha256:
		return types.EncryptionAlgorithmSpec(name), nil
	default:
		return "", fmt.Errorf("%w: kms encryption algorithm %q", ErrUnsupportedAlgorithm, name)
	}
}

// WrapKey implements KeyProvider.
func (k *KMSKey) WrapKey(ctx context.Context, cek []byte, algorithm string) (*KeyWrapResult, error) {
	if len(cek) == 0 {
		return nil, errors.New("kms: content key is empty")
	}
	spec, err := kmsAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, k.timeout)
	defer cancel()

	out, err := k.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:               aws.String(k.keyID),
		Plaintext:           cek,
		EncryptionAlgorithm: spec,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: encrypt failed (key ID: %s): %w", k.keyID, err)
	}
	result := &KeyWrapResult{WrappedKey: out.CiphertextBlob, Algorithm: string(spec)}
	if out.KeyId != nil && aws.ToString(out.KeyId) != k.keyID {
		result.Metadata = map[string]string{"KmsKeyArn": aws.ToString(out.KeyId)}
	}
	return result, nil
}

// UnwrapKey implements KeyProvider.
func (k *KMSKey) UnwrapKey(ctx context.Context, wrapped []byte, algorithm string) ([]byte, error) {
	if len(wrapped) == 0 {
		return nil, errors.New("kms: wrapped key is empty")
	}
	spec, err := kmsAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}
	ctx, cancel := withTimeout(ctx, k.timeout)
	defer cancel()

	out, err := k.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:               aws.String(k.keyID),
		CiphertextBlob:      wrapped,
		EncryptionAlgorithm: spec,
	})
	if err != nil {
		var incorrect *types.IncorrectKeyException
		var invalid *types.InvalidCiphertextException
		if errors.As(err, &incorrect) || errors.As(err, &invalid) {
			return nil, fmt.Errorf("%w: kms key %s: %w", ErrKeyMismatch, k.keyID, err)
		}
		return nil, fmt.Errorf("kms: decrypt failed (key ID: %s): %w", k.keyID, err)
	}
	return out.Plaintext, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
