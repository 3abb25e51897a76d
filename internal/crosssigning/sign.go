package crosssigning

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/id"
)

var ErrBadSignature = errors.New("crosssigning: signature does not verify")

// CanonicalJSON encodes v in Matrix canonical JSON: sorted keys, no
// insignificant whitespace and no escaping beyond what JSON requires.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return canonicaljson.CanonicalJSON(raw)
}

func toObject(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("crosssigning: can only sign JSON objects")
	}
	return obj, nil
}

func signingPayload(obj map[string]any) ([]byte, error) {
	stripped := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == "signatures" || k == "unsigned" {
			continue
		}
		stripped[k] = v
	}
	return CanonicalJSON(stripped)
}

// SignJSON signs obj with the ed25519 seed and returns a copy of it with the
// signature merged into its signatures block under signer.
func SignJSON(seed []byte, signer id.UserID, obj any) (map[string]any, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("crosssigning: seed must be %d bytes", ed25519.SeedSize)
	}
	object, err := toObject(obj)
	if err != nil {
		return nil, err
	}
	payload, err := signingPayload(object)
	if err != nil {
		return nil, err
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := base64.RawStdEncoding.EncodeToString(priv.Public().(ed25519.PublicKey))
	sig := base64.RawStdEncoding.EncodeToString(ed25519.Sign(priv, payload))

	signatures, _ := object["signatures"].(map[string]any)
	if signatures == nil {
		signatures = make(map[string]any)
	}
	userSigs, _ := signatures[string(signer)].(map[string]any)
	if userSigs == nil {
		userSigs = make(map[string]any)
	}
	userSigs["ed25519:"+pub] = sig
	signatures[string(signer)] = userSigs
	object["signatures"] = signatures
	return object, nil
}

// SignKeyInfo returns info with a signature from seed added.
func SignKeyInfo(seed []byte, signer id.UserID, info KeyInfo) (KeyInfo, error) {
	signed, err := SignJSON(seed, signer, info)
	if err != nil {
		return KeyInfo{}, err
	}
	raw, err := json.Marshal(signed)
	if err != nil {
		return KeyInfo{}, err
	}
	var out KeyInfo
	if err := json.Unmarshal(raw, &out); err != nil {
		return KeyInfo{}, err
	}
	return out, nil
}

// VerifySignature checks the signature made by signer's key pubKey on obj.
func VerifySignature(pubKey string, signer id.UserID, obj any) error {
	object, err := toObject(obj)
	if err != nil {
		return err
	}
	signatures, _ := object["signatures"].(map[string]any)
	userSigs, _ := signatures[string(signer)].(map[string]any)
	sigB64, _ := userSigs["ed25519:"+pubKey].(string)
	if sigB64 == "" {
		return fmt.Errorf("%w: no signature by %s", ErrBadSignature, pubKey)
	}

	pub, err := base64.RawStdEncoding.DecodeString(pubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("crosssigning: invalid public key %q", pubKey)
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("crosssigning: invalid signature encoding: %w", err)
	}
	payload, err := signingPayload(object)
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, payload, sig) {
		return ErrBadSignature
	}
	return nil
}

// PublicKeyFromSeed returns the unpadded base64 public key for seed.
func PublicKeyFromSeed(seed []byte) string {
	pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
	return base64.RawStdEncoding.EncodeToString(pub)
}
