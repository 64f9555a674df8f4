package database

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/repoherd/repoherd/internal/config"
)

var (
	ErrSecretNotFound      = errors.New("secret not found")
	ErrEncryptionKeyNotSet = errors.New("encryption key not set")
)

// UpsertSecret stores or replaces a shared secret. The secret value is
// encrypted with AES-256-GCM before it is written; only the name and the
// declared type are stored in the clear so lookups by access method remain
// possible.
func (d *Database) UpsertSecret(ctx context.Context, secret *config.Secret) error {
	bs, err := json.Marshal(secret.Value)
	if err != nil {
		return err
	}

	encrypted, err := d.encrypt(bs)
	if err != nil {
		return err
	}

	_, err = d.db.ExecContext(ctx, d.upsert("secrets",
		[]string{"name", "type", "value", "updated_at"},
		[]string{"name"}),
		secret.Name, secret.Method(), encrypted, time.Now().UTC())
	return err
}

// GetSecret retrieves one secret by name, decrypting its value.
func (d *Database) GetSecret(ctx context.Context, name string) (*config.Secret, error) {
	var encrypted string
	err := d.db.QueryRowContext(ctx,
		`SELECT value FROM secrets WHERE name = `+d.arg(0), name).Scan(&encrypted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, err
	}
	return d.decryptSecret(name, encrypted)
}

// SecretsByType returns all secrets with the given declared type, ordered by
// name for deterministic candidate selection.
func (d *Database) SecretsByType(ctx context.Context, typ string) ([]*config.Secret, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT name, value FROM secrets WHERE type = `+d.arg(0)+` ORDER BY name`, typ)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var secrets []*config.Secret
	for rows.Next() {
		var name, encrypted string
		if err := rows.Scan(&name, &encrypted); err != nil {
			return nil, err
		}
		secret, err := d.decryptSecret(name, encrypted)
		if err != nil {
			return nil, err
		}
		secrets = append(secrets, secret)
	}
	return secrets, rows.Err()
}

func (d *Database) DeleteSecret(ctx context.Context, name string) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = `+d.arg(0), name)
	return err
}

func (d *Database) decryptSecret(name, encrypted string) (*config.Secret, error) {
	bs, err := d.decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret %q: %w", name, err)
	}
	secret := &config.Secret{Name: name}
	if err := json.Unmarshal(bs, &secret.Value); err != nil {
		return nil, fmt.Errorf("decode secret %q: %w", name, err)
	}
	return secret, nil
}

// encryptionKey returns the 32-byte AES key from the configuration. The
// configured value may be raw or base64 encoded and may refer to an
// environment variable.
func (d *Database) encryptionKey() ([]byte, error) {
	if d.config == nil || d.config.EncryptionKey == "" {
		return nil, ErrEncryptionKeyNotSet
	}
	raw := os.ExpandEnv(d.config.EncryptionKey)
	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(raw))
	}
	return []byte(raw), nil
}

func (d *Database) encrypt(plaintext []byte) (string, error) {
	gcm, err := d.gcm()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	// Seal appends the ciphertext to nonce, producing: nonce || ciphertext || tag.
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

func (d *Database) decrypt(encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}

	gcm, err := d.gcm()
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func (d *Database) gcm() (cipher.AEAD, error) {
	key, err := d.encryptionKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
