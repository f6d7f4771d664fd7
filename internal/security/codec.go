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
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// 密文前缀，用于区分明文与已加密凭证。
	cipherPrefix = "enc:v1:"

	keyLength      = 32
	saltLength     = 16
	pbkdf2Rounds   = 100_000
	minMasterChars = 16
)

var (
	// ErrMasterKeyTooShort 表示主密钥强度不足。
	ErrMasterKeyTooShort = errors.New("security: 主密钥长度不足16字符")
	// ErrInvalidCiphertext 表示密文格式非法或被篡改。
	ErrInvalidCiphertext = errors.New("security: 密文格式非法")
)

// Codec 使用 PBKDF2 派生密钥并通过 AES-256-GCM 加解密交易所凭证。
type Codec struct {
	masterKey []byte
}

// NewCodec 创建凭证编解码器。
func NewCodec(masterKey string) (*Codec, error) {
	if len(masterKey) < minMasterChars {
		return nil, ErrMasterKeyTooShort
	}
	return &Codec{masterKey: []byte(masterKey)}, nil
}

// IsEncrypted 判断给定字符串是否为本编解码器产出的密文。
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, cipherPrefix)
}

// EncryptString 加密明文并返回带前缀的 base64 密文。
// 输出布局: enc:v1:base64(salt || nonce || ciphertext)。
func (c *Codec) EncryptString(plaintext string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("security: 生成盐失败: %w", err)
	}

	gcm, err := c.newGCM(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("security: 生成随机数失败: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	payload := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	payload = append(payload, salt...)
	payload = append(payload, nonce...)
	payload = append(payload, sealed...)

	return cipherPrefix + base64.StdEncoding.EncodeToString(payload), nil
}

// DecryptString 解密带前缀的密文，明文输入会原样返回。
func (c *Codec) DecryptString(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	payload, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, cipherPrefix))
	if err != nil {
		return "", fmt.Errorf("security: 密文base64解码失败: %w", err)
	}
	if len(payload) < saltLength {
		return "", ErrInvalidCiphertext
	}

	salt := payload[:saltLength]
	gcm, err := c.newGCM(salt)
	if err != nil {
		return "", err
	}

	rest := payload[saltLength:]
	if len(rest) < gcm.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("security: 解密失败: %w", ErrInvalidCiphertext)
	}

	return string(plaintext), nil
}

func (c *Codec) newGCM(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.masterKey, salt, pbkdf2Rounds, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: 初始化AES失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: 初始化GCM失败: %w", err)
	}
	return gcm, nil
}
