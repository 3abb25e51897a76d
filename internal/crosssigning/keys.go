package crosssigning

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sort"

	"maunium.net/go/mautrix/id"
)

// Roles lists the cross-signing roles in the order they are persisted.
var Roles = []id.CrossSigningUsage{
	id.XSUsageMaster,
	id.XSUsageSelfSigning,
	id.XSUsageUserSigning,
}

// KeyInfo is the public description of one cross-signing key as uploaded to
// the homeserver.
type KeyInfo struct {
	UserID     id.UserID                       `json:"user_id"`
	Usage      []id.CrossSigningUsage          `json:"usage"`
	Keys       map[string]string               `json:"keys"`
	Signatures map[id.UserID]map[string]string `json:"signatures,omitempty"`
}

// PublicKey returns the unpadded base64 ed25519 public key.
func (k KeyInfo) PublicKey() string {
	ids := make([]string, 0, len(k.Keys))
	for keyID := range k.Keys {
		ids = append(ids, keyID)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return ""
	}
	return k.Keys[ids[0]]
}

func (k KeyInfo) KeyID() string {
	return "ed25519:" + k.PublicKey()
}

func (k KeyInfo) clone() KeyInfo {
	out := KeyInfo{
		UserID: k.UserID,
		Usage:  append([]id.CrossSigningUsage(nil), k.Usage...),
		Keys:   make(map[string]string, len(k.Keys)),
	}
	for keyID, key := range k.Keys {
		out.Keys[keyID] = key
	}
	if k.Signatures != nil {
		out.Signatures = make(map[id.UserID]map[string]string, len(k.Signatures))
		for user, sigs := range k.Signatures {
			inner := make(map[string]string, len(sigs))
			for keyID, sig := range sigs {
				inner[keyID] = sig
			}
			out.Signatures[user] = inner
		}
	}
	return out
}

type PublicKeys map[id.CrossSigningUsage]KeyInfo

// Clone deep-copies the key set.
func (p PublicKeys) Clone() PublicKeys {
	if p == nil {
		return nil
	}
	out := make(PublicKeys, len(p))
	for role, info := range p {
		out[role] = info.clone()
	}
	return out
}

// PrivateKeys maps a role to its 32-byte ed25519 seed.
type PrivateKeys map[id.CrossSigningUsage][]byte

// Generate creates a fresh master, self-signing and user-signing key set.
// The subordinate keys carry a signature from the new master key.
func Generate(userID id.UserID) (PublicKeys, PrivateKeys, error) {
	public := make(PublicKeys, len(Roles))
	private := make(PrivateKeys, len(Roles))

	for _, role := range Roles {
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, nil, fmt.Errorf("generate %s key: %w", role, err)
		}
		pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
		encoded := base64.RawStdEncoding.EncodeToString(pub)

		private[role] = seed
		public[role] = KeyInfo{
			UserID: userID,
			Usage:  []id.CrossSigningUsage{role},
			Keys:   map[string]string{"ed25519:" + encoded: encoded},
		}
	}

	master := private[id.XSUsageMaster]
	for _, role := range []id.CrossSigningUsage{id.XSUsageSelfSigning, id.XSUsageUserSigning} {
		signed, err := SignKeyInfo(master, userID, public[role])
		if err != nil {
			return nil, nil, fmt.Errorf("sign %s key: %w", role, err)
		}
		public[role] = signed
	}
	return public, private, nil
}
