package secure

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
)

// KMSClient is the subset of *kms.Client used by KMSCipher.
type KMSClient interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSCipher delegates credential encryption to an AWS KMS key.
type KMSCipher struct {
	client KMSClient
	keyID  string
}

// NewKMSCipher accepts a key ID, key ARN or alias ("alias/amdsync").
func NewKMSCipher(client KMSClient, keyID string) *KMSCipher {
	return &KMSCipher{client: client, keyID: keyID}
}

func (c *KMSCipher) Encrypt(ctx context.Context, plaintext string) (string, error) {
	out, err := c.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(c.keyID),
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("kms encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

func (c *KMSCipher) Decrypt(ctx context.Context, ciphertext string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("kms decrypt: base64 decode: %w", err)
	}
	out, err := c.client.Decrypt(ctx, &kms.DecryptInput{
		CiphertextBlob: blob,
		KeyId:          aws.String(c.keyID),
	})
	if err != nil {
		return "", fmt.Errorf("kms decrypt: %w", err)
	}
	return string(out.Plaintext), nil
}
