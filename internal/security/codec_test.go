package security

import (
	"strings"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	codec, err := NewCodec("unit-test-master-key-0001")
	if err != nil {
		t.Fatalf("NewCodec 失败: %v", err)
	}

	plaintext := "binance-api-secret-abcdef"
	ciphertext, err := codec.EncryptString(plaintext)
	if err != nil {
		t.Fatalf("EncryptString 失败: %v", err)
	}
	if !IsEncrypted(ciphertext) {
		t.Fatalf("密文缺少前缀: %s", ciphertext)
	}
	if strings.Contains(ciphertext, plaintext) {
		t.Fatal("密文不应包含明文")
	}

	decrypted, err := codec.DecryptString(ciphertext)
	if err != nil {
		t.Fatalf("DecryptString 失败: %v", err)
	}
	if decrypted != plaintext {
		t.Fatalf("解密结果不一致: got %q want %q", decrypted, plaintext)
	}
}

func TestCodecEncryptNotDeterministic(t *testing.T) {
	codec, err := NewCodec("unit-test-master-key-0001")
	if err != nil {
		t.Fatalf("NewCodec 失败: %v", err)
	}

	first, err := codec.EncryptString("same-input")
	if err != nil {
		t.Fatalf("EncryptString 失败: %v", err)
	}
	second, err := codec.EncryptString("same-input")
	if err != nil {
		t.Fatalf("EncryptString 失败: %v", err)
	}
	if first == second {
		t.Fatal("两次加密不应产生相同密文")
	}
}

func TestCodecDecryptPassThroughPlaintext(t *testing.T) {
	codec, err := NewCodec("unit-test-master-key-0001")
	if err != nil {
		t.Fatalf("NewCodec 失败: %v", err)
	}

	got, err := codec.DecryptString("plain-api-key")
	if err != nil {
		t.Fatalf("DecryptString 失败: %v", err)
	}
	if got != "plain-api-key" {
		t.Fatalf("明文应原样返回, got %q", got)
	}
}

func TestCodecWrongKey(t *testing.T) {
	codec, err := NewCodec("unit-test-master-key-0001")
	if err != nil {
		t.Fatalf("NewCodec 失败: %v", err)
	}
	ciphertext, err := codec.EncryptString("secret")
	if err != nil {
		t.Fatalf("EncryptString 失败: %v", err)
	}

	other, err := NewCodec("another-master-key-9999")
	if err != nil {
		t.Fatalf("NewCodec 失败: %v", err)
	}
	if _, err := other.DecryptString(ciphertext); err == nil {
		t.Fatal("错误密钥解密应失败")
	}
}

func TestNewCodecRejectsShortKey(t *testing.T) {
	if _, err := NewCodec("short"); err == nil {
		t.Fatal("过短主密钥应被拒绝")
	}
}
