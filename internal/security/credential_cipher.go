package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// credentialKeyInfo はHKDFのinfoとして使う固定のコンテキスト文字列。
const credentialKeyInfo = "tasgate-credential-v1"

// CredentialCipher はapi_hash等の資格情報を保存時に暗号化する。
// 出力は base64(nonce || AES-256-GCM ciphertext)。
type CredentialCipher struct {
	aead cipher.AEAD
}

// DecryptError は保存済み資格情報の復号失敗を表す。
type DecryptError struct {
	Err error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("failed to decrypt credential: %v", e.Err)
}

func (e *DecryptError) Unwrap() error { return e.Err }

// NewCredentialCipher はアプリケーション鍵からHKDFで32バイト鍵を導出して生成する。
func NewCredentialCipher(appKey string) (*CredentialCipher, error) {
	if appKey == "" {
		return nil, errors.New("app key is empty")
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(appKey), nil, []byte(credentialKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive credential key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &CredentialCipher{aead: gcm}, nil
}

// Encrypt は平文を暗号化する。同じ平文でも毎回異なる暗号文になる。
func (c *CredentialCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt はEncryptの出力を平文に戻す。
// 改ざんや鍵不一致の場合は *DecryptError を返す。
func (c *CredentialCipher) Decrypt(encoded string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", &DecryptError{Err: err}
	}
	ns := c.aead.NonceSize()
	if len(blob) < ns {
		return "", &DecryptError{Err: errors.New("ciphertext too short")}
	}
	plain, err := c.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return "", &DecryptError{Err: err}
	}
	return string(plain), nil
}
