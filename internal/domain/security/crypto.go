package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ivLen is the AES-GCM IV length in bytes. 16 rather than the usual 12
// for bit-level compatibility with existing webhook responders.
const ivLen = 16

// gcmTagLen is the GCM authentication tag length in bytes.
const gcmTagLen = 16

// EncryptedField is the envelope that replaces a sensitive leaf value
// in the outgoing payload. All three members are base64-encoded.
type EncryptedField struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
	Tag       string `json:"tag"`
}

// Encrypt serializes the value as {"value": v}, encrypts it with
// AES-256-GCM under a fresh IV, and returns the envelope. Two
// encryptions of the same value produce distinct ciphertexts.
func (e *Envelope) Encrypt(value any) (*EncryptedField, error) {
	if e.encryptionKey == nil {
		return nil, ErrNoEncryptionKey
	}
	plaintext, err := json.Marshal(map[string]any{"value": value})
	if err != nil {
		return nil, fmt.Errorf("sensitive value not serializable: %w", err)
	}

	block, err := aes.NewCipher(e.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("iv generation failed: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ciphertext := sealed[:len(sealed)-gcmTagLen]
	tag := sealed[len(sealed)-gcmTagLen:]

	return &EncryptedField{
		Encrypted: base64.StdEncoding.EncodeToString(ciphertext),
		IV:        base64.StdEncoding.EncodeToString(iv),
		Tag:       base64.StdEncoding.EncodeToString(tag),
	}, nil
}

// Decrypt inverts Encrypt. A GCM authentication failure (tampered
// ciphertext, IV, or tag) surfaces as an error.
func (e *Envelope) Decrypt(field *EncryptedField) (any, error) {
	if e.encryptionKey == nil {
		return nil, ErrNoEncryptionKey
	}
	ciphertext, err := base64.StdEncoding.DecodeString(field.Encrypted)
	if err != nil {
		return nil, fmt.Errorf("ciphertext is not valid base64: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(field.IV)
	if err != nil {
		return nil, fmt.Errorf("iv is not valid base64: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(field.Tag)
	if err != nil {
		return nil, fmt.Errorf("tag is not valid base64: %w", err)
	}
	if len(iv) != ivLen {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", ivLen, len(iv))
	}

	block, err := aes.NewCipher(e.encryptionKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	var wrapper struct {
		Value any `json:"value"`
	}
	if err := json.Unmarshal(plaintext, &wrapper); err != nil {
		return nil, fmt.Errorf("decrypted payload is not valid JSON: %w", err)
	}
	return wrapper.Value, nil
}

// EncryptSensitiveFields replaces each leaf the dotted paths resolve to
// with its encryption envelope, in place. Intermediate structure and
// sibling fields are untouched; paths that do not resolve are skipped.
func (e *Envelope) EncryptSensitiveFields(payload map[string]any, paths []string) error {
	for _, path := range paths {
		parent, leaf, ok := resolveParent(payload, path)
		if !ok {
			continue
		}
		switch node := parent.(type) {
		case map[string]any:
			value, present := node[leaf]
			if !present {
				continue
			}
			field, err := e.Encrypt(value)
			if err != nil {
				return fmt.Errorf("encrypting field %q: %w", path, err)
			}
			node[leaf] = field
		case []any:
			idx, err := strconv.Atoi(leaf)
			if err != nil || idx < 0 || idx >= len(node) {
				continue
			}
			field, err2 := e.Encrypt(node[idx])
			if err2 != nil {
				return fmt.Errorf("encrypting field %q: %w", path, err2)
			}
			node[idx] = field
		}
	}
	return nil
}

// resolveParent walks all but the last segment of the path and returns
// the containing node plus the final segment.
func resolveParent(root map[string]any, path string) (parent any, leaf string, ok bool) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 {
		return nil, "", false
	}
	var current any = root
	for _, segment := range segments[:len(segments)-1] {
		switch node := current.(type) {
		case map[string]any:
			next, present := node[segment]
			if !present {
				return nil, "", false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, "", false
			}
			current = node[idx]
		default:
			return nil, "", false
		}
	}
	return current, segments[len(segments)-1], true
}
