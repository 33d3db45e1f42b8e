// Package fieldcrypt encrypts the values of sensitive health metrics before
// they are stored and decrypts them on the way out.
package fieldcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dukerupert/vitalog/internal/model"
)

const (
	KeySize   = 32
	nonceSize = 12
)

var (
	ErrEncryption = errors.New("encryption failed")
	ErrDecryption = errors.New("decryption failed")
	ErrInvalidKey = errors.New("encryption key must be 32 bytes, base64 encoded")
)

var sensitive = map[model.MetricType]bool{
	model.MetricBloodPressure: true,
	model.MetricBloodSugar:    true,
	model.MetricWeight:        true,
}

// IsSensitive reports whether values of t are encrypted at rest.
func IsSensitive(t model.MetricType) bool {
	return sensitive[t]
}

// GenerateKey returns a new random key in the encoding ParseKey accepts.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// ParseKey decodes a standard or URL-safe base64 key and checks its length.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrInvalidKey
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		key, err := enc.DecodeString(s)
		if err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, ErrInvalidKey
}

// Cipher is AES-256-GCM keyed once at startup.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// additionalData ties a ciphertext to its owner and metric type so it cannot
// be replayed into another row.
func additionalData(m model.HealthMetric) []byte {
	return []byte("vitalog:metric:" + strconv.FormatInt(m.UserID, 10) + ":" + string(m.MetricType))
}

// EncryptMetric returns a copy of m with its value sealed when the metric
// type is sensitive. Other metrics and already encrypted ones are returned
// unchanged.
func (c *Cipher) EncryptMetric(m model.HealthMetric) (model.HealthMetric, error) {
	if !IsSensitive(m.MetricType) || m.Encrypted {
		return m, nil
	}

	plaintext := strconv.FormatFloat(m.Value, 'f', -1, 64)
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return m, fmt.Errorf("%w: nonce: %v", ErrEncryption, err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), additionalData(m))

	m.Ciphertext = base64.StdEncoding.EncodeToString(sealed)
	m.Value = 0
	m.Encrypted = true
	return m, nil
}

// DecryptMetric returns a copy of m with its value restored. The copy has
// Encrypted unset; the stored row is not touched.
func (c *Cipher) DecryptMetric(m model.HealthMetric) (model.HealthMetric, error) {
	if !m.Encrypted {
		return m, nil
	}

	sealed, err := base64.StdEncoding.DecodeString(m.Ciphertext)
	if err != nil {
		return m, fmt.Errorf("%w: metric %d: decode: %v", ErrDecryption, m.ID, err)
	}
	if len(sealed) < nonceSize+c.aead.Overhead() {
		return m, fmt.Errorf("%w: metric %d: ciphertext too short", ErrDecryption, m.ID)
	}

	plaintext, err := c.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], additionalData(m))
	if err != nil {
		return m, fmt.Errorf("%w: metric %d: %v", ErrDecryption, m.ID, err)
	}

	v, err := strconv.ParseFloat(string(plaintext), 64)
	if err != nil {
		return m, fmt.Errorf("%w: metric %d: parse value: %v", ErrDecryption, m.ID, err)
	}

	m.Value = v
	m.Ciphertext = ""
	m.Encrypted = false
	return m, nil
}

// DecryptAll decrypts every metric, failing on the first error.
func (c *Cipher) DecryptAll(metrics []model.HealthMetric) ([]model.HealthMetric, error) {
	out := make([]model.HealthMetric, 0, len(metrics))
	for _, m := range metrics {
		d, err := c.DecryptMetric(m)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
