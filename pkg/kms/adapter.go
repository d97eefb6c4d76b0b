package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrUnwrapFailed        = errors.New("key unwrap failed")
)

// Provider wraps and unwraps per-drop server keys and serves operator
// secrets (admin token secret, metrics credentials).
type Provider interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
	GetSecret(ctx context.Context, key string) (string, error)
}

// Adapter selects a provider at startup: Vault transit if VAULT_ADDR
// is set, else AWS KMS if AWS_REGION is set, else a local AES-GCM key
// from KMS_LOCAL_KEY. Server keys are never persisted unwrapped
// regardless of provider.
type Adapter struct {
	provider Provider
}

func NewAdapter(ctx context.Context) (*Adapter, error) {
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		vp, err := newVaultProvider(ctx, addr)
		if err == nil {
			return &Adapter{provider: vp}, nil
		}
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		ap, err := newAWSProvider(ctx, region)
		if err == nil {
			return &Adapter{provider: ap}, nil
		}
	}
	if key := os.Getenv("KMS_LOCAL_KEY"); key != "" {
		decoded, err := base64.StdEncoding.DecodeString(key)
		if err != nil {
			return nil, errors.Wrap(err, "KMS_LOCAL_KEY must be base64")
		}
		return NewLocalAdapter(decoded)
	}
	return nil, errors.New("no kms provider configured (checked Vault, AWS KMS, KMS_LOCAL_KEY)")
}

// NewLocalAdapter builds an adapter around a single local wrapping
// key. Used when no external KMS is reachable, and by tests.
func NewLocalAdapter(key []byte) (*Adapter, error) {
	lp, err := newLocalProvider(key)
	if err != nil {
		return nil, err
	}
	return &Adapter{provider: lp}, nil
}

func (a *Adapter) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.provider == nil {
		return nil, ErrProviderUnavailable
	}
	return a.provider.Encrypt(ctx, plaintext)
}

func (a *Adapter) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.provider == nil {
		return nil, ErrProviderUnavailable
	}
	plaintext, err := a.provider.Decrypt(ctx, ciphertext)
	if err != nil {
		return nil, errors.Wrap(ErrUnwrapFailed, err.Error())
	}
	return plaintext, nil
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	if a.provider == nil {
		return "", ErrProviderUnavailable
	}
	return a.provider.GetSecret(ctx, key)
}

type vaultProvider struct {
	client    *vault.Client
	mountPath string
	keyID     string
	secretPth string
}

func newVaultProvider(ctx context.Context, addr string) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = addr
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		raw, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(raw)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check")
	}
	return &vaultProvider{
		client:    client,
		mountPath: envOr("VAULT_MOUNT_PATH", "transit"),
		keyID:     envOr("VAULT_KEY_ID", "bindrop-master"),
		secretPth: envOr("VAULT_SECRET_PATH", "secret/data/bindrop"),
	}, nil
}

func (v *vaultProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/encrypt/%s", v.mountPath, v.keyID)
	secret, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
	if err != nil {
		return nil, err
	}
	ciphertext, ok := secret.Data["ciphertext"].(string)
	if !ok {
		return nil, errors.New("vault: ciphertext not found")
	}
	return []byte(ciphertext), nil
}

func (v *vaultProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	path := fmt.Sprintf("%s/decrypt/%s", v.mountPath, v.keyID)
	secret, err := v.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"ciphertext": string(ciphertext),
	})
	if err != nil {
		return nil, err
	}
	plaintextB64, ok := secret.Data["plaintext"].(string)
	if !ok {
		return nil, errors.New("vault: plaintext not found")
	}
	return base64.StdEncoding.DecodeString(plaintextB64)
}

func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPth+"/"+key)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Errorf("secret not found: %s", key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	kmsClient *awskms.Client
	smClient  *secretsmanager.Client
	keyID     string
}

func newAWSProvider(ctx context.Context, region string) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		kmsClient: awskms.NewFromConfig(cfg),
		smClient:  secretsmanager.NewFromConfig(cfg),
		keyID:     envOr("KMS_MASTER_KEY_ID", "alias/bindrop-master"),
	}, nil
}

func (a *awsProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	result, err := a.kmsClient.Encrypt(ctx, &awskms.EncryptInput{
		KeyId:     &a.keyID,
		Plaintext: plaintext,
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms encrypt")
	}
	return result.CiphertextBlob, nil
}

func (a *awsProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	result, err := a.kmsClient.Decrypt(ctx, &awskms.DecryptInput{
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, errors.Wrap(err, "aws kms decrypt")
	}
	return result.Plaintext, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &key,
	})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", key)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

type localProvider struct {
	aead cipher.AEAD
}

func newLocalProvider(key []byte) (*localProvider, error) {
	if len(key) != 32 {
		return nil, errors.Errorf("local kms key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "new cipher")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "new gcm")
	}
	return &localProvider{aead: aead}, nil
}

func (l *localProvider) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	nonce := make([]byte, l.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return l.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (l *localProvider) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if len(ciphertext) < l.aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, encrypted := ciphertext[:l.aead.NonceSize()], ciphertext[l.aead.NonceSize():]
	return l.aead.Open(nil, nonce, encrypted, nil)
}

func (l *localProvider) GetSecret(ctx context.Context, key string) (string, error) {
	val, exists := os.LookupEnv(key)
	if !exists {
		return "", errors.Errorf("secret not found: %s", key)
	}
	return val, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
