package multicast

import "crypto/aes"

// deriveSessionKey derives mc_app_s_key or mc_nwk_s_key from mc_key_root
// by single-block AES-128 encryption of a one-byte tag followed by
// fifteen zero bytes, per the application-layer key-derivation scheme.
func deriveSessionKey(mcKeyRoot [16]byte, tag byte) ([16]byte, error) {
	block, err := aes.NewCipher(mcKeyRoot[:])
	if err != nil {
		return [16]byte{}, err
	}
	var in, out [16]byte
	in[0] = tag
	block.Encrypt(out[:], in[:])
	return out, nil
}

const (
	tagAppSKey = 0x01
	tagNwkSKey = 0x02
)

// DeriveSessionKeys derives both session keys from mc_key_root.
func DeriveSessionKeys(mcKeyRoot [16]byte) (appSKey, nwkSKey [16]byte, err error) {
	appSKey, err = deriveSessionKey(mcKeyRoot, tagAppSKey)
	if err != nil {
		return
	}
	nwkSKey, err = deriveSessionKey(mcKeyRoot, tagNwkSKey)
	return
}

// DecryptMcKey recovers mc_key_root from the setup request's AES-128-ECB
// encrypted field using the device's per-device app key as the cipher
// key (the inverse of the network server's encrypt-with-AppKey step).
func DecryptMcKey(appKey [16]byte, encrypted [16]byte) ([16]byte, error) {
	block, err := aes.NewCipher(appKey[:])
	if err != nil {
		return [16]byte{}, err
	}
	var out [16]byte
	block.Decrypt(out[:], encrypted[:])
	return out, nil
}
