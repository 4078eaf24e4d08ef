package feed

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" //nolint:gosec // the feed protocol mandates MD5 key derivation
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const keySize = 32

// passFragments reassemble the shared feed secret. The upstream client
// ships the same constant split across string fragments; both ends must
// agree on it for decryption to work.
var passFragments = [4]string{"t4Fv", "9qKm", "Zw2H", "sD7e"}

// DecryptError reports a failure in any stage of payload decryption.
// The run is aborted; no partial feed is ever returned.
type DecryptError struct {
	Stage string
	Err   error
}

func (e *DecryptError) Error() string { return fmt.Sprintf("decrypt %s: %v", e.Stage, e.Err) }
func (e *DecryptError) Unwrap() error { return e.Err }

func decryptErr(stage string, err error) *DecryptError {
	return &DecryptError{Stage: stage, Err: err}
}

// Decrypt unwraps an encrypted feed envelope into a Feed.
//
// The scheme is AES-256-CBC with an EVP_BytesToKey-style MD5 key
// derivation over a fixed passphrase and the per-response salt. There is
// no authentication tag; the upstream protocol is unauthenticated and we
// accept that as an external constraint rather than trying to fix it here.
func Decrypt(env *Envelope) (*Feed, error) {
	ct, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, decryptErr("ciphertext decode", err)
	}
	iv, err := hex.DecodeString(env.IV)
	if err != nil {
		return nil, decryptErr("iv decode", err)
	}
	salt, err := hex.DecodeString(env.Salt)
	if err != nil {
		return nil, decryptErr("salt decode", err)
	}

	if len(iv) != aes.BlockSize {
		return nil, decryptErr("iv decode", fmt.Errorf("iv is %d bytes, want %d", len(iv), aes.BlockSize))
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, decryptErr("ciphertext decode", fmt.Errorf("ciphertext length %d is not a positive multiple of the block size", len(ct)))
	}

	block, err := aes.NewCipher(deriveKey(passphrase(), salt, keySize))
	if err != nil {
		return nil, decryptErr("cipher init", err)
	}

	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	pt, err = stripPKCS7(pt)
	if err != nil {
		return nil, decryptErr("padding", err)
	}

	doc, err := unwrapQuoted(string(pt))
	if err != nil {
		return nil, decryptErr("unwrap", err)
	}

	var f Feed
	if err := json.Unmarshal([]byte(doc), &f); err != nil {
		return nil, decryptErr("parse", err)
	}
	return &f, nil
}

func passphrase() []byte {
	var b []byte
	for _, frag := range passFragments {
		b = append(b, frag...)
	}
	return b
}

// deriveKey implements the OpenSSL EVP_BytesToKey construction: hash
// previous-block || passphrase || salt with MD5, concatenating blocks
// until size bytes are available. The first round hashes with an empty
// previous block.
func deriveKey(pass, salt []byte, size int) []byte {
	var key, prev []byte
	for len(key) < size {
		h := md5.New() //nolint:gosec // see passFragments: legacy scheme, not our choice
		h.Write(prev)
		h.Write(pass)
		h.Write(salt)
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:size]
}

func stripPKCS7(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.New("inconsistent padding")
		}
	}
	return b[:len(b)-n], nil
}

// unwrapQuoted strips the extra quoting layer the upstream wraps around
// the JSON document: a leading double-quote, a trailing double-quote
// (anything after the last quote is discarded), and escaped inner quotes.
func unwrapQuoted(s string) (string, error) {
	if len(s) < 2 || s[0] != '"' {
		return "", errors.New("plaintext is not quote-wrapped")
	}
	s = s[1:]
	last := strings.LastIndexByte(s, '"')
	if last < 0 {
		return "", errors.New("missing closing quote")
	}
	return strings.ReplaceAll(s[:last], `\"`, `"`), nil
}
