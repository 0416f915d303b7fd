package nwc

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
)

// sharedKey derives the NIP-04 key: the x coordinate of priv*pub.
func sharedKey(priv *btcec.PrivateKey, pub *btcec.PublicKey) []byte {
	return btcec.GenerateSharedSecret(priv, pub)
}

// encrypt produces "<base64 ciphertext>?iv=<base64 iv>" with AES-256-CBC.
func encrypt(key []byte, plaintext []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append(append([]byte{}, plaintext...), bytes.Repeat([]byte{byte(pad)}, pad)...)

	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

func decrypt(key []byte, content string) ([]byte, error) {
	ct64, iv64, ok := strings.Cut(content, "?iv=")
	if !ok {
		return nil, errors.New("missing iv")
	}
	ct, err := base64.StdEncoding.DecodeString(ct64)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(iv64)
	if err != nil {
		return nil, fmt.Errorf("invalid iv: %w", err)
	}
	if len(iv) != aes.BlockSize {
		return nil, errors.New("invalid iv length")
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, errors.New("invalid ciphertext length")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, errors.New("invalid padding")
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, errors.New("invalid padding")
		}
	}
	return out[:len(out)-pad], nil
}
