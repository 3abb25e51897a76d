package secretstorage

import (
	"errors"
	"strings"

	"maunium.net/go/mautrix/crypto/utils"
)

var ErrBadRecoveryKey = errors.New("secretstorage: malformed recovery key")

// EncodeRecoveryKey renders a 32-byte storage key in the human-readable
// recovery key format, base58 grouped by four.
func EncodeRecoveryKey(key []byte) string {
	return utils.EncodeBase58RecoveryKey(key)
}

func DecodeRecoveryKey(recoveryKey string) ([]byte, error) {
	key := utils.DecodeBase58RecoveryKey(strings.Join(strings.Fields(recoveryKey), ""))
	if key == nil {
		return nil, ErrBadRecoveryKey
	}
	return key, nil
}
