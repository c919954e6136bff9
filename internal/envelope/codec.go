// Package envelope implements the messaging platform's callback envelope:
// SHA-1 signatures over sorted parameters and AES-256-CBC payload
// encryption with the platform's random-prefix/length/receiver framing.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // the platform protocol mandates SHA-1 signatures
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/xiaohaiyan/shoebox/internal/common"
)

const randomPrefixLen = 16

// Codec verifies, decrypts and encrypts callback envelopes. All methods are
// pure functions over the configured key material.
type Codec struct {
	token      string
	receiverID string
	key        []byte
}

// New builds a Codec from the callback token, the 43-character base64 AES
// key, and the corp id the platform embeds in every payload.
func New(token, encodedAESKey, corpID string) (*Codec, error) {
	if token == "" || encodedAESKey == "" || corpID == "" {
		return nil, fmt.Errorf("%w: callback token, AES key and corp id are required", common.ErrMissingConfig)
	}

	// The platform hands out the key without base64 padding.
	key, err := base64.StdEncoding.DecodeString(encodedAESKey + "=")
	if err != nil {
		return nil, fmt.Errorf("%w: AES key is not valid base64: %v", common.ErrInvalidConfig, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: AES key must decode to 32 bytes, got %d", common.ErrInvalidConfig, len(key))
	}

	return &Codec{token: token, receiverID: corpID, key: key}, nil
}

// Signature computes the SHA-1 digest over the lexicographically sorted
// tuple (token, timestamp, nonce, encrypted).
func (c *Codec) Signature(timestamp, nonce, encrypted string) string {
	parts := []string{c.token, timestamp, nonce, encrypted}
	sort.Strings(parts)

	sum := sha1.Sum([]byte(strings.Join(parts, ""))) //nolint:gosec // protocol requirement
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks the platform-supplied signature in constant time.
func (c *Codec) VerifySignature(signature, timestamp, nonce, encrypted string) error {
	expected := c.Signature(timestamp, nonce, encrypted)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return common.ErrAuthentication
	}
	return nil
}

// Decrypt base64-decodes and AES-CBC-decrypts an envelope body, strips the
// PKCS#7 padding and the 16-byte random prefix, and validates the declared
// length and the trailing receiver id.
func (c *Codec) Decrypt(encrypted string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return nil, fmt.Errorf("%w: body is not valid base64: %v", common.ErrIntegrity, err)
	}
	if len(raw) < aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a positive multiple of the block size", common.ErrIntegrity, len(raw))
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	plain := make([]byte, len(raw))
	// Platform convention: the IV is the first 16 bytes of the key.
	cipher.NewCBCDecrypter(block, c.key[:aes.BlockSize]).CryptBlocks(plain, raw)

	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, err
	}

	if len(plain) < randomPrefixLen+4 {
		return nil, fmt.Errorf("%w: payload shorter than envelope header", common.ErrIntegrity)
	}

	msgLen := binary.BigEndian.Uint32(plain[randomPrefixLen : randomPrefixLen+4])
	rest := plain[randomPrefixLen+4:]
	if uint32(len(rest)) < msgLen {
		return nil, fmt.Errorf("%w: declared length %d exceeds payload %d", common.ErrIntegrity, msgLen, len(rest))
	}

	msg := rest[:msgLen]
	receiver := string(rest[msgLen:])
	if receiver != c.receiverID {
		return nil, fmt.Errorf("%w: receiver id mismatch", common.ErrIntegrity)
	}

	return msg, nil
}

// Encrypt is the inverse of Decrypt: random prefix, big-endian length,
// plaintext, receiver id, PKCS#7 padding, AES-CBC, base64.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	buf := make([]byte, randomPrefixLen, randomPrefixLen+4+len(plaintext)+len(c.receiverID))
	if _, err := rand.Read(buf[:randomPrefixLen]); err != nil {
		return "", fmt.Errorf("generating random prefix: %w", err)
	}

	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(plaintext)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, plaintext...)
	buf = append(buf, []byte(c.receiverID)...)
	buf = pkcs7Pad(buf, aes.BlockSize)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}

	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, c.key[:aes.BlockSize]).CryptBlocks(out, buf)

	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptEcho handles the URL verification handshake: verify first, then
// decrypt the echo string. The signature failure must short-circuit before
// any decryption happens.
func (c *Codec) DecryptEcho(signature, timestamp, nonce, echostr string) (string, error) {
	if err := c.VerifySignature(signature, timestamp, nonce, echostr); err != nil {
		return "", err
	}
	plain, err := c.Decrypt(echostr)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// EncryptedReply wraps plaintext in the encrypted XML acknowledgment
// envelope the platform expects on the POST callback.
func (c *Codec) EncryptedReply(plaintext []byte, timestamp, nonce string) (string, error) {
	encrypted, err := c.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	signature := c.Signature(timestamp, nonce, encrypted)

	return fmt.Sprintf(`<xml>
<Encrypt><![CDATA[%s]]></Encrypt>
<MsgSignature><![CDATA[%s]]></MsgSignature>
<TimeStamp>%s</TimeStamp>
<Nonce><![CDATA[%s]]></Nonce>
</xml>`, encrypted, signature, timestamp, nonce), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", common.ErrIntegrity)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, fmt.Errorf("%w: invalid padding length %d", common.ErrIntegrity, padLen)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: inconsistent padding", common.ErrIntegrity)
		}
	}
	return data[:len(data)-padLen], nil
}
