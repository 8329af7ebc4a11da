package browser

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Chromium derives a 16-byte AES key with PBKDF2-SHA1 and this salt.
	keySalt   = "saltysalt"
	keyLength = 16

	// Iteration counts differ per platform.
	iterationsDarwin = 1003
	iterationsLinux  = 1

	// Encrypted values carry a 3-byte scheme prefix.
	schemePrefix = "v10"

	// Cookie DB schema versions from this one onward prepend a 32-byte
	// SHA-256 of the host key to the decrypted plaintext.
	hashedDomainVersion = 24
	domainHashLength    = 32
)

// Fixed CBC initialization vector: 16 spaces.
var cbcIV = bytes.Repeat([]byte{' '}, aes.BlockSize)

// deriveKey turns a keychain password into the cookie encryption key.
func deriveKey(password string, iterations int) []byte {
	return pbkdf2.Key([]byte(password), []byte(keySalt), iterations, keyLength, sha1.New)
}

// decryptValue decrypts one encrypted cookie value. metaVersion is the
// cookie DB schema version read from the meta table; it decides whether a
// domain hash prefix must be stripped from the plaintext.
func decryptValue(encrypted, key []byte, metaVersion int) (string, error) {
	if len(encrypted) == 0 {
		return "", nil
	}
	if len(encrypted) < len(schemePrefix) || string(encrypted[:len(schemePrefix)]) != schemePrefix {
		// Pre-encryption builds stored plaintext.
		return string(encrypted), nil
	}

	ciphertext := encrypted[len(schemePrefix):]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("ciphertext length %d not a block multiple", len(ciphertext))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, cbcIV).CryptBlocks(plaintext, ciphertext)

	plaintext, err = pkcs7Unpad(plaintext)
	if err != nil {
		return "", err
	}

	if metaVersion >= hashedDomainVersion {
		if len(plaintext) < domainHashLength {
			return "", fmt.Errorf("plaintext shorter than domain hash prefix")
		}
		plaintext = plaintext[domainHashLength:]
	}

	return string(trimControlPrefix(plaintext)), nil
}

// pkcs7Unpad removes PKCS7 padding from a decrypted block sequence.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid padding byte %d", pad)
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return data[:len(data)-pad], nil
}

// trimControlPrefix drops leading control bytes some cipher schemes leave
// ahead of the UTF-8 value.
func trimControlPrefix(data []byte) []byte {
	i := 0
	for i < len(data) && data[i] < 0x20 {
		i++
	}
	return data[i:]
}
