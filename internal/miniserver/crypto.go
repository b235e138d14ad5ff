package miniserver

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"hash"
	"net/url"
	"strings"
)

// sessionCrypto holds the AES session established during the handshake.
// Commands after the key exchange travel AES-256-CBC encrypted inside a
// jdev/sys/enc wrapper.
type sessionCrypto struct {
	key []byte
	iv  []byte
}

// newSessionCrypto generates a fresh AES-256 key and CBC IV.
func newSessionCrypto() (*sessionCrypto, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: session key: %w", ErrHandshakeFailed, err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: session iv: %w", ErrHandshakeFailed, err)
	}
	return &sessionCrypto{key: key, iv: iv}, nil
}

// sessionKey RSA-encrypts "hex(key):hex(iv)" with the Miniserver's public
// key and base64-encodes the result, as expected by jdev/sys/keyexchange.
func (c *sessionCrypto) sessionKey(pub *rsa.PublicKey) (string, error) {
	plain := hex.EncodeToString(c.key) + ":" + hex.EncodeToString(c.iv)
	encrypted, err := rsa.EncryptPKCS1v15(rand.Reader, pub, []byte(plain))
	if err != nil {
		return "", fmt.Errorf("%w: key exchange: %w", ErrHandshakeFailed, err)
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// encryptCommand wraps a command for transmission after the key exchange.
//
// The command is prefixed with a random salt segment, zero-padded to the
// AES block size, CBC-encrypted with the session key and wrapped in a
// jdev/sys/enc request with the ciphertext URL-escaped.
func (c *sessionCrypto) encryptCommand(command string) (string, error) {
	saltBytes := make([]byte, 8)
	if _, err := rand.Read(saltBytes); err != nil {
		return "", fmt.Errorf("command salt: %w", err)
	}
	plain := []byte("salt/" + hex.EncodeToString(saltBytes) + "/" + command)

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("session cipher: %w", err)
	}

	// Zero padding to a whole number of blocks.
	padded := make([]byte, (len(plain)+aes.BlockSize-1)/aes.BlockSize*aes.BlockSize)
	copy(padded, plain)

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, c.iv).CryptBlocks(ciphertext, padded)

	encoded := base64.StdEncoding.EncodeToString(ciphertext)
	return "jdev/sys/enc/" + url.QueryEscape(encoded), nil
}

// parsePublicKey extracts the RSA public key from the getPublicKey
// response. The Miniserver delivers the key in a certificate-labelled PEM
// envelope, often without line breaks, so the envelope is rebuilt before
// parsing.
func parsePublicKey(raw string) (*rsa.PublicKey, error) {
	body := raw
	body = strings.ReplaceAll(body, "-----BEGIN CERTIFICATE-----", "")
	body = strings.ReplaceAll(body, "-----END CERTIFICATE-----", "")
	body = strings.TrimSpace(body)

	pemData := "-----BEGIN PUBLIC KEY-----\n" + body + "\n-----END PUBLIC KEY-----"
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("%w: public key is not PEM", ErrHandshakeFailed)
	}

	if key, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if rsaKey, ok := key.(*rsa.PublicKey); ok {
			return rsaKey, nil
		}
		return nil, fmt.Errorf("%w: public key is not RSA", ErrHandshakeFailed)
	}

	// Older firmware delivers PKCS#1.
	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %w", ErrHandshakeFailed, err)
	}
	return rsaKey, nil
}

// hashCredentials computes the Loxone credential hash for getjwt.
//
// The password is hashed with the user salt (upper-case hex), then
// user:pwHash is HMAC'd with the hex-decoded server key. hashAlg selects
// SHA1 (legacy default) or SHA256 for both stages.
func hashCredentials(user, password, salt, serverKey, hashAlg string) (string, error) {
	var newHash func() hash.Hash
	switch strings.ToUpper(hashAlg) {
	case "", "SHA1":
		newHash = sha1.New
	case "SHA256":
		newHash = sha256.New
	default:
		return "", fmt.Errorf("%w: unsupported hash algorithm %q", ErrHandshakeFailed, hashAlg)
	}

	pwDigest := newHash()
	pwDigest.Write([]byte(password + ":" + salt))
	pwHash := strings.ToUpper(hex.EncodeToString(pwDigest.Sum(nil)))

	keyBytes, err := hex.DecodeString(serverKey)
	if err != nil {
		return "", fmt.Errorf("%w: server key is not hex: %w", ErrHandshakeFailed, err)
	}

	mac := hmac.New(newHash, keyBytes)
	mac.Write([]byte(user + ":" + pwHash))
	return hex.EncodeToString(mac.Sum(nil)), nil
}
