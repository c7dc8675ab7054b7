package securechannel

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
)

// KeySize is the AES-128 key and block size used throughout the secure channel
const KeySize = 16

// Key is an AES-128 key or a single cipher block
type Key [KeySize]byte

// ParseKey decodes a key written as 32 hex characters
func ParseKey(s string) (Key, error) {
	var k Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("securechannel: invalid key: %w", err)
	}
	if len(b) != KeySize {
		return k, fmt.Errorf("securechannel: key must be %d bytes, got %d", KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// SessionKeys are derived from the SCBK and the CP random for each session
type SessionKeys struct {
	Enc  Key
	MAC1 Key
	MAC2 Key
}

func encryptBlock(key Key, in []byte) Key {
	var out Key
	block, err := aes.NewCipher(key[:])
	if err != nil {
		// aes.NewCipher only fails on bad key sizes, which Key rules out.
		panic(err)
	}
	block.Encrypt(out[:], in)
	return out
}

// DeriveSCBK derives the PD's secure channel base key from the master key
// and the PD client UID.
func DeriveSCBK(master Key, uid [8]byte) Key {
	var in Key
	for i := 0; i < 8; i++ {
		in[i] = uid[i]
		in[i+8] = ^uid[i]
	}
	return encryptBlock(master, in[:])
}

// DeriveSessionKeys computes S-ENC, S-MAC1 and S-MAC2
func DeriveSessionKeys(scbk Key, cpRandom [8]byte) SessionKeys {
	derive := func(b0, b1 byte) Key {
		var in Key
		in[0], in[1] = b0, b1
		copy(in[2:8], cpRandom[:6])
		return encryptBlock(scbk, in[:])
	}
	return SessionKeys{
		Enc:  derive(0x01, 0x82),
		MAC1: derive(0x01, 0x01),
		MAC2: derive(0x01, 0x02),
	}
}

// ClientCryptogram is the PD's proof of key possession
func ClientCryptogram(keys SessionKeys, cpRandom, pdRandom [8]byte) Key {
	var in Key
	copy(in[:8], cpRandom[:])
	copy(in[8:], pdRandom[:])
	return encryptBlock(keys.Enc, in[:])
}

// ServerCryptogram is the CP's proof of key possession
func ServerCryptogram(keys SessionKeys, cpRandom, pdRandom [8]byte) Key {
	var in Key
	copy(in[:8], pdRandom[:])
	copy(in[8:], cpRandom[:])
	return encryptBlock(keys.Enc, in[:])
}

// InitialRMAC seeds the MAC chain once the server cryptogram is accepted
func InitialRMAC(keys SessionKeys, serverCryptogram Key) Key {
	first := encryptBlock(keys.MAC1, serverCryptogram[:])
	return encryptBlock(keys.MAC2, first[:])
}

// pad applies 0x80 followed by zeros up to a block boundary. Data already on
// a boundary gains a full block only when force is set.
func pad(data []byte, force bool) []byte {
	if len(data)%KeySize == 0 && !force && len(data) > 0 {
		return append([]byte(nil), data...)
	}
	out := append([]byte(nil), data...)
	out = append(out, 0x80)
	for len(out)%KeySize != 0 {
		out = append(out, 0x00)
	}
	return out
}

func unpad(data []byte) ([]byte, error) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x00:
			continue
		case 0x80:
			return data[:i], nil
		default:
			return nil, ErrBadPadding
		}
	}
	return nil, ErrBadPadding
}

// ComputeMAC runs AES-CBC over the padded message, using MAC1 for every
// block but the last and MAC2 for the last. The full final block is returned.
func ComputeMAC(keys SessionKeys, iv Key, msg []byte) Key {
	padded := pad(msg, false)
	chain := iv
	for off := 0; off < len(padded); off += KeySize {
		var x Key
		for i := 0; i < KeySize; i++ {
			x[i] = padded[off+i] ^ chain[i]
		}
		if off+KeySize == len(padded) {
			chain = encryptBlock(keys.MAC2, x[:])
		} else {
			chain = encryptBlock(keys.MAC1, x[:])
		}
	}
	return chain
}

// EncryptData pads and encrypts data with S-ENC in CBC mode
func EncryptData(keys SessionKeys, iv Key, data []byte) []byte {
	padded := pad(data, true)
	block, err := aes.NewCipher(keys.Enc[:])
	if err != nil {
		panic(err)
	}
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(out, padded)
	return out
}

// DecryptData reverses EncryptData
func DecryptData(keys SessionKeys, iv Key, data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%KeySize != 0 {
		return nil, ErrBadPadding
	}
	block, err := aes.NewCipher(keys.Enc[:])
	if err != nil {
		panic(err)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv[:]).CryptBlocks(out, data)
	return unpad(out)
}

func invert(k Key) Key {
	for i := range k {
		k[i] = ^k[i]
	}
	return k
}
