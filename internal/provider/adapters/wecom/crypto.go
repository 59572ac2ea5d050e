package wecom

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInvalidEnvelope marks payloads that fail decryption, padding checks,
// or the app id comparison. Callers treat it as "no message" rather than
// an infrastructure fault.
var ErrInvalidEnvelope = errors.New("wecom: invalid message envelope")

// The platform pads plaintext to 32-byte blocks, not the AES block size.
const padBlockSize = 32

// Codec implements the WeCom callback crypto: SHA-1 signatures over sorted
// parameters and an AES-CBC message envelope. A Codec is stateless after
// construction and safe for concurrent use.
type Codec struct {
	token string
	appID string
	key   []byte
}

// NewCodec builds a Codec from the callback token, the 43-character base64
// AES key, and the app id embedded in every envelope.
func NewCodec(token, encodingAESKey, appID string) (*Codec, error) {
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("wecom: token is required")
	}
	key, err := base64.StdEncoding.DecodeString(encodingAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("wecom: decode aes key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("wecom: aes key must decode to 32 bytes, got %d", len(key))
	}
	return &Codec{token: token, appID: appID, key: key}, nil
}

// Signature computes the callback signature: sort the token, timestamp,
// nonce, and any extra parameters byte-wise, concatenate, SHA-1, and
// return lowercase hex.
func (c *Codec) Signature(timestamp, nonce string, extra ...string) string {
	params := append([]string{c.token, timestamp, nonce}, extra...)
	sort.Strings(params)
	hash := sha1.Sum([]byte(strings.Join(params, "")))
	return fmt.Sprintf("%x", hash)
}

// Verify reports whether the given signature matches the computed one.
// Comparison is case-insensitive.
func (c *Codec) Verify(signature, timestamp, nonce string, extra ...string) bool {
	return strings.EqualFold(c.Signature(timestamp, nonce, extra...), signature)
}

// Decrypt opens a base64 AES-CBC envelope and returns the embedded
// plaintext message. The envelope layout after unpadding is
// random(16) || msg_len(4, big-endian) || msg || app_id.
func (c *Codec) Decrypt(encrypted string) (string, error) {
	cipherText, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", ErrInvalidEnvelope, err)
	}
	if len(cipherText) < aes.BlockSize || len(cipherText)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d", ErrInvalidEnvelope, len(cipherText))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("wecom: create cipher: %w", err)
	}
	plainText := make([]byte, len(cipherText))
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plainText, cipherText)

	plainText, err = pkcs7Unpad(plainText)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if len(plainText) < 20 {
		return "", fmt.Errorf("%w: plaintext too short", ErrInvalidEnvelope)
	}

	msgLen := binary.BigEndian.Uint32(plainText[16:20])
	if int(msgLen) > len(plainText)-20 {
		return "", fmt.Errorf("%w: message length %d exceeds payload", ErrInvalidEnvelope, msgLen)
	}
	msg := plainText[20 : 20+msgLen]

	if c.appID != "" {
		if got := string(plainText[20+msgLen:]); got != c.appID {
			return "", fmt.Errorf("%w: app id mismatch", ErrInvalidEnvelope)
		}
	}
	return string(msg), nil
}

// Encrypt seals a plaintext message into a base64 AES-CBC envelope the
// platform can decrypt, with a fresh random leading block.
func (c *Codec) Encrypt(plain string) (string, error) {
	random := make([]byte, 16)
	if _, err := rand.Read(random); err != nil {
		return "", fmt.Errorf("wecom: random block: %w", err)
	}

	msg := []byte(plain)
	buf := make([]byte, 0, 20+len(msg)+len(c.appID))
	buf = append(buf, random...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg)))
	buf = append(buf, msg...)
	buf = append(buf, []byte(c.appID)...)
	buf = pkcs7Pad(buf)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("wecom: create cipher: %w", err)
	}
	cipherText := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(cipherText, buf)
	return base64.StdEncoding.EncodeToString(cipherText), nil
}

// responseEnvelope is the XML reply body for encrypted callbacks.
type responseEnvelope struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      cdata    `xml:"Encrypt"`
	MsgSignature cdata    `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        cdata    `xml:"Nonce"`
}

type cdata struct {
	Value string `xml:",cdata"`
}

// ResponseEnvelope wraps an already-encrypted payload in the XML reply
// format, signing it with a signature over the given timestamp and nonce.
func (c *Codec) ResponseEnvelope(encrypted, timestamp, nonce string) ([]byte, error) {
	env := responseEnvelope{
		Encrypt:      cdata{Value: encrypted},
		MsgSignature: cdata{Value: c.Signature(timestamp, nonce, encrypted)},
		TimeStamp:    timestamp,
		Nonce:        cdata{Value: nonce},
	}
	out, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wecom: marshal response: %w", err)
	}
	return out, nil
}

func pkcs7Pad(data []byte) []byte {
	padding := padBlockSize - len(data)%padBlockSize
	out := make([]byte, len(data), len(data)+padding)
	copy(out, data)
	for i := 0; i < padding; i++ {
		out = append(out, byte(padding))
	}
	return out
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > padBlockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding size: %d", padding)
	}
	for i := 0; i < padding; i++ {
		if data[len(data)-1-i] != byte(padding) {
			return nil, fmt.Errorf("invalid padding byte at position %d", i)
		}
	}
	return data[:len(data)-padding], nil
}
