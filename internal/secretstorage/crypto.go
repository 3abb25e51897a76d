package secretstorage

import (
	"encoding/base64"
	"errors"
	"fmt"

	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/crypto/ssss"
	"maunium.net/go/mautrix/crypto/utils"
)

const (
	AlgorithmAESHMACSHA2 = ssss.AlgorithmAESHMACSHA2
	PassphraseAlgorithm  = ssss.PassphraseAlgorithmPBKDF2

	KeyLength               = utils.AESCTRKeyLength
	DefaultPassphraseRounds = 500000
)

// KeyInfo is the m.secret_storage.key.* description of a key.
type KeyInfo = ssss.KeyMetadata

type PassphraseInfo = ssss.PassphraseMetadata

// EncryptedData is one entry of a secret's "encrypted" block.
type EncryptedData = ssss.EncryptedKeyData

var (
	ErrBadMAC    = ssss.ErrKeyDataMACMismatch
	ErrBadKeyLen = errors.New("secretstorage: key must be 32 bytes")
)

func encrypt(plaintext, key []byte, name string) (EncryptedData, error) {
	if len(key) != KeyLength {
		return EncryptedData{}, ErrBadKeyLen
	}
	return (&ssss.Key{Key: key}).Encrypt(name, plaintext), nil
}

// keyCheck fills in the iv/mac pair of a key description so a candidate key
// can be validated without decrypting a secret: the MAC of 32 zero bytes
// encrypted under the empty name.
func keyCheck(key []byte) (iv, mac string, err error) {
	if len(key) != KeyLength {
		return "", "", ErrBadKeyLen
	}
	aesKey, hmacKey := utils.DeriveKeysSHA256(key, "")
	ivBytes := utils.GenA256CTRIV()
	zeroes := utils.XorA256CTR(make([]byte, KeyLength), aesKey, ivBytes)
	return base64.RawStdEncoding.EncodeToString(ivBytes[:]), utils.HMACSHA256B64(zeroes, hmacKey), nil
}

// NewPassphraseKey derives a storage key from a passphrase with a fresh salt.
func NewPassphraseKey(passphrase string, rounds int) ([]byte, *PassphraseInfo, error) {
	if rounds <= 0 {
		rounds = DefaultPassphraseRounds
	}
	info := &PassphraseInfo{
		Algorithm:  PassphraseAlgorithm,
		Iterations: rounds,
		Salt:       random.String(32),
		Bits:       KeyLength * 8,
	}
	key, err := DeriveKey(passphrase, info)
	if err != nil {
		return nil, nil, err
	}
	return key, info, nil
}

func DeriveKey(passphrase string, info *PassphraseInfo) ([]byte, error) {
	key, err := info.GetKey(passphrase)
	if err != nil {
		return nil, fmt.Errorf("secretstorage: %w", err)
	}
	return key, nil
}
