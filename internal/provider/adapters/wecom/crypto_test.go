package wecom_test

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"strings"
	"testing"

	"github.com/quillhq/quill/internal/provider/adapters/wecom"
)

func testKey(t *testing.T, fill byte) string {
	t.Helper()
	encoded := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{fill}, 32))
	key := strings.TrimSuffix(encoded, "=")
	if len(key) != 43 {
		t.Fatalf("expected 43-char key, got %d", len(key))
	}
	return key
}

func newTestCodec(t *testing.T) *wecom.Codec {
	t.Helper()
	codec, err := wecom.NewCodec("test-token", testKey(t, 0x42), "wx-app-1")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	return codec
}

func TestNewCodecRejectsBadKey(t *testing.T) {
	t.Parallel()

	if _, err := wecom.NewCodec("tok", "not-base64!!", "app"); err == nil {
		t.Fatal("expected error for malformed key")
	}
	if _, err := wecom.NewCodec("tok", "c2hvcnQ", "app"); err == nil {
		t.Fatal("expected error for short key")
	}
	if _, err := wecom.NewCodec("", testKey(t, 1), "app"); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)
	for _, plain := range []string{
		"hello",
		"",
		strings.Repeat("long message ", 100),
		`{"msgtype":"text","text":{"content":"中文消息"}}`,
	} {
		encrypted, err := codec.Encrypt(plain)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plain, err)
		}
		decrypted, err := codec.Decrypt(encrypted)
		if err != nil {
			t.Fatalf("decrypt %q: %v", plain, err)
		}
		if decrypted != plain {
			t.Fatalf("round trip mismatch: got %q, want %q", decrypted, plain)
		}
	}
}

func TestEncryptRandomized(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)
	first, err := codec.Encrypt("same message")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	second, err := codec.Encrypt("same message")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct ciphertexts for same plaintext")
	}
}

func TestDecryptRejectsAppIDMismatch(t *testing.T) {
	t.Parallel()

	key := testKey(t, 0x42)
	sender, err := wecom.NewCodec("tok", key, "other-app")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	encrypted, err := sender.Encrypt("payload")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	receiver, err := wecom.NewCodec("tok", key, "wx-app-1")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	if _, err := receiver.Decrypt(encrypted); !errors.Is(err, wecom.ErrInvalidEnvelope) {
		t.Fatalf("expected ErrInvalidEnvelope, got %v", err)
	}
}

func TestDecryptRejectsGarbage(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)
	for _, input := range []string{
		"%%%not-base64%%%",
		base64.StdEncoding.EncodeToString([]byte("short")),
		base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 64)),
	} {
		if _, err := codec.Decrypt(input); !errors.Is(err, wecom.ErrInvalidEnvelope) {
			t.Fatalf("input %q: expected ErrInvalidEnvelope, got %v", input, err)
		}
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	t.Parallel()

	sender, err := wecom.NewCodec("tok", testKey(t, 0x42), "wx-app-1")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	encrypted, err := sender.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	receiver, err := wecom.NewCodec("tok", testKey(t, 0x43), "wx-app-1")
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}
	if decrypted, err := receiver.Decrypt(encrypted); err == nil && decrypted == "secret" {
		t.Fatal("wrong key should not recover the plaintext")
	}
}

func TestSignatureDeterministic(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)
	sig := codec.Signature("1700000000", "nonce-1", "payload")
	if sig != codec.Signature("1700000000", "nonce-1", "payload") {
		t.Fatal("signature should be deterministic")
	}
	if sig == codec.Signature("1700000001", "nonce-1", "payload") {
		t.Fatal("timestamp change must change the signature")
	}
	if sig == codec.Signature("1700000000", "nonce-2", "payload") {
		t.Fatal("nonce change must change the signature")
	}
	if sig == codec.Signature("1700000000", "nonce-1", "payload2") {
		t.Fatal("payload change must change the signature")
	}
	if sig != strings.ToLower(sig) {
		t.Fatalf("signature should be lowercase hex: %s", sig)
	}
}

func TestVerifyCaseInsensitive(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)
	sig := codec.Signature("1700000000", "n1", "enc")
	if !codec.Verify(sig, "1700000000", "n1", "enc") {
		t.Fatal("expected matching signature to verify")
	}
	if !codec.Verify(strings.ToUpper(sig), "1700000000", "n1", "enc") {
		t.Fatal("verification should accept uppercase hex")
	}
	if codec.Verify(sig, "1700000000", "n1", "tampered") {
		t.Fatal("tampered payload must fail verification")
	}
}

func TestResponseEnvelope(t *testing.T) {
	t.Parallel()

	codec := newTestCodec(t)
	encrypted, err := codec.Encrypt("<xml><Content>ok</Content></xml>")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	body, err := codec.ResponseEnvelope(encrypted, "1700000000", "nonce-9")
	if err != nil {
		t.Fatalf("response envelope: %v", err)
	}

	var env struct {
		Encrypt      string `xml:"Encrypt"`
		MsgSignature string `xml:"MsgSignature"`
		TimeStamp    string `xml:"TimeStamp"`
		Nonce        string `xml:"Nonce"`
	}
	if err := xml.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Encrypt != encrypted || env.TimeStamp != "1700000000" || env.Nonce != "nonce-9" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if !codec.Verify(env.MsgSignature, env.TimeStamp, env.Nonce, env.Encrypt) {
		t.Fatal("envelope signature should verify")
	}
}
