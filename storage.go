package vitalsync

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// StoreRequest describes one record to place in the object-storage partner.
type StoreRequest struct {
	UserHash  string
	DataType  DataType
	DataID    string
	Plaintext []byte
	// Signature seeds the encryption key, so only the signing user can
	// decrypt the stored object.
	Signature string
}

// StorageAdapter is the object-storage partner: a single atomic call that
// either yields an externally reachable reference or fails with no
// intermediate state.
type StorageAdapter interface {
	Store(ctx context.Context, req StoreRequest) (*StorageResult, error)
}

// objectPutter is the slice of the S3 API the vault needs.
type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ObjectVault stores records as encrypted S3 objects under deterministic
// per-record keys, so a retried upload overwrites its own object rather than
// creating a duplicate.
type ObjectVault struct {
	client objectPutter
	bucket string
	region string
}

// NewObjectVault creates an ObjectVault over an S3 client.
func NewObjectVault(client objectPutter, bucket, region string) *ObjectVault {
	return &ObjectVault{
		client: client,
		bucket: bucket,
		region: region,
	}
}

// Store encrypts the payload with a key derived from the caller's signature
// and uploads it. Fully succeeds or fully fails.
func (v *ObjectVault) Store(ctx context.Context, req StoreRequest) (*StorageResult, error) {
	if req.Signature == "" {
		return nil, fmt.Errorf("store request is missing the caller signature")
	}

	ciphertext, err := sealPayload(req.Plaintext, req.Signature, req.UserHash)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	var key = vaultObjectKey(req.UserHash, req.DataType, req.DataID)
	out, err := v.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(v.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(ciphertext),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload object %s: %w", key, err)
	}

	var result = &StorageResult{
		Bucket: v.bucket,
		Key:    key,
		URL:    fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", v.bucket, v.region, key),
	}
	if out.ETag != nil {
		result.ETag = *out.ETag
	}

	return result, nil
}

// vaultObjectKey is deterministic per record.
func vaultObjectKey(userHash string, dataType DataType, dataID string) string {
	return fmt.Sprintf("records/%s/%s/%s", userHash, dataType, dataID)
}

// sealPayload encrypts with XChaCha20-Poly1305 under an HKDF-SHA256 key
// derived from the signature, salted by the user hash. The random nonce is
// prepended to the ciphertext.
func sealPayload(plaintext []byte, signature, userHash string) ([]byte, error) {
	key, err := deriveVaultKey(signature, userHash)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}

	var nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// openPayload reverses sealPayload. Exposed to the rest of the package for
// verification tooling and tests.
func openPayload(ciphertext []byte, signature, userHash string) ([]byte, error) {
	key, err := deriveVaultKey(signature, userHash)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to build cipher: %w", err)
	}

	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}

	var nonce, sealed = ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}

	return plaintext, nil
}

func deriveVaultKey(signature, userHash string) ([]byte, error) {
	var (
		reader = hkdf.New(sha256.New, []byte(signature), []byte(userHash), []byte("vitalsync-vault-key"))
		key    = make([]byte, chacha20poly1305.KeySize)
	)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}

	return key, nil
}
