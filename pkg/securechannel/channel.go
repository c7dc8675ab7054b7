// Package securechannel implements the OSDP AES-128 secure channel: key
// derivation, the challenge/cryptogram handshake, the rolling MAC chain and
// data encryption. The same Channel type serves both ends of the link.
package securechannel

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
)

var (
	ErrCryptogramMismatch = errors.New("securechannel: cryptogram mismatch")
	ErrRMACMismatch       = errors.New("securechannel: initial R-MAC mismatch")
	ErrMACMismatch        = errors.New("securechannel: MAC mismatch")
	ErrBadPadding         = errors.New("securechannel: bad padding")
	ErrPhase              = errors.New("securechannel: operation not valid in current phase")
	ErrNotEstablished     = errors.New("securechannel: channel not established")
	ErrNoKey              = errors.New("securechannel: no base key to provision")
)

// DefaultSCBK is the well-known install mode key (SCBK-D). A PD that has
// not been given its own SCBK accepts a handshake keyed with it.
var DefaultSCBK = Key{0x30, 0x31, 0x32, 0x33, 0x34, 0x35, 0x36, 0x37, 0x38, 0x39, 0x3A, 0x3B, 0x3C, 0x3D, 0x3E, 0x3F}

// Phase tracks handshake progress
type Phase int

const (
	Unkeyed Phase = iota
	ChallengeSent
	CryptogramVerified
	Established
)

func (p Phase) String() string {
	switch p {
	case Unkeyed:
		return "UNKEYED"
	case ChallengeSent:
		return "CHALLENGE_SENT"
	case CryptogramVerified:
		return "CRYPTOGRAM_VERIFIED"
	case Established:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

// Role selects which end of the link a Channel represents
type Role int

const (
	RoleCP Role = iota
	RolePD
)

// Channel holds the secure channel state for one PD link
type Channel struct {
	role  Role
	scbk  Key
	keyed bool // scbk valid (PD side, or CP after a cryptogram)

	master    Key
	hasMaster bool
	// useDefault keys the next CP handshake with DefaultSCBK
	useDefault bool

	phase    Phase
	keys     SessionKeys
	cpRandom [8]byte
	pdRandom [8]byte
	uid      [8]byte

	// ownMAC is the last MAC this end produced, peerMAC the last one it accepted.
	ownMAC  Key
	peerMAC Key

	rand io.Reader
}

// NewCP creates the control panel side keyed by the installation master key
func NewCP(master Key) *Channel {
	return &Channel{role: RoleCP, master: master, hasMaster: true, rand: rand.Reader}
}

// NewPD creates the peripheral side holding its SCBK and client UID
func NewPD(scbk Key, uid [8]byte) *Channel {
	return &Channel{role: RolePD, scbk: scbk, keyed: true, uid: uid, rand: rand.Reader}
}

// SetRandom replaces the random source. Tests use it for reproducible handshakes.
func (c *Channel) SetRandom(r io.Reader) { c.rand = r }

// SetSCBK pins the base key used by the next handshake instead of deriving
// it from the master key. Used after a successful KEYSET.
func (c *Channel) SetSCBK(scbk Key) {
	c.scbk = scbk
	c.keyed = true
	c.hasMaster = false
}

// UseDefaultKey switches the CP side between its own base key and
// DefaultSCBK for the next handshake.
func (c *Channel) UseDefaultKey(on bool) { c.useDefault = on }

// UsingDefaultKey reports whether handshakes are keyed with DefaultSCBK
func (c *Channel) UsingDefaultKey() bool { return c.useDefault }

// ProvisionKey returns the base key a PD should be given over an install
// mode session: the one derived from the master key and the PD's UID, or
// the pinned SCBK.
func (c *Channel) ProvisionKey() (Key, error) {
	switch {
	case c.hasMaster && c.phase >= CryptogramVerified:
		return DeriveSCBK(c.master, c.uid), nil
	case c.keyed && !c.hasMaster:
		return c.scbk, nil
	}
	return Key{}, ErrNoKey
}

// Phase returns the handshake phase
func (c *Channel) Phase() Phase { return c.phase }

// Established reports whether secure traffic may flow
func (c *Channel) Established() bool { return c.phase == Established }

// Reset discards all session material and returns to Unkeyed
func (c *Channel) Reset() {
	c.phase = Unkeyed
	c.keys = SessionKeys{}
	c.cpRandom = [8]byte{}
	c.pdRandom = [8]byte{}
	c.ownMAC = Key{}
	c.peerMAC = Key{}
	if c.role == RoleCP && c.hasMaster {
		c.scbk = Key{}
		c.keyed = false
	}
}

// Challenge starts a handshake on the CP side and returns the CP random
func (c *Channel) Challenge() ([8]byte, error) {
	if c.role != RoleCP {
		return [8]byte{}, ErrPhase
	}
	c.Reset()
	if _, err := io.ReadFull(c.rand, c.cpRandom[:]); err != nil {
		return [8]byte{}, fmt.Errorf("securechannel: read random: %w", err)
	}
	c.phase = ChallengeSent
	return c.cpRandom, nil
}

// VerifyClientCryptogram checks the PD's CCRYPT answer and returns the
// server cryptogram to send in SCRYPT.
func (c *Channel) VerifyClientCryptogram(uid, pdRandom [8]byte, cryptogram Key) (Key, error) {
	if c.role != RoleCP || c.phase != ChallengeSent {
		return Key{}, ErrPhase
	}
	c.uid = uid
	c.pdRandom = pdRandom
	if c.hasMaster {
		c.scbk = DeriveSCBK(c.master, uid)
		c.keyed = true
	}
	base := c.scbk
	if c.useDefault {
		base = DefaultSCBK
	}
	c.keys = DeriveSessionKeys(base, c.cpRandom)

	expected := ClientCryptogram(c.keys, c.cpRandom, pdRandom)
	if subtle.ConstantTimeCompare(expected[:], cryptogram[:]) != 1 {
		c.Reset()
		return Key{}, ErrCryptogramMismatch
	}
	c.phase = CryptogramVerified
	return ServerCryptogram(c.keys, c.cpRandom, pdRandom), nil
}

// VerifyInitialRMAC completes the CP side of the handshake
func (c *Channel) VerifyInitialRMAC(rmac Key) error {
	if c.role != RoleCP || c.phase != CryptogramVerified {
		return ErrPhase
	}
	expected := InitialRMAC(c.keys, ServerCryptogram(c.keys, c.cpRandom, c.pdRandom))
	if subtle.ConstantTimeCompare(expected[:], rmac[:]) != 1 {
		c.Reset()
		return ErrRMACMismatch
	}
	c.peerMAC = rmac
	c.phase = Established
	return nil
}

// Respond answers a CHLNG on the PD side with the client UID, PD random and
// client cryptogram.
func (c *Channel) Respond(cpRandom [8]byte) (uid, pdRandom [8]byte, cryptogram Key, err error) {
	if c.role != RolePD {
		return uid, pdRandom, cryptogram, ErrPhase
	}
	c.Reset()
	if _, err = io.ReadFull(c.rand, c.pdRandom[:]); err != nil {
		return uid, pdRandom, cryptogram, fmt.Errorf("securechannel: read random: %w", err)
	}
	c.cpRandom = cpRandom
	c.keys = DeriveSessionKeys(c.scbk, cpRandom)
	c.phase = ChallengeSent
	return c.uid, c.pdRandom, ClientCryptogram(c.keys, cpRandom, c.pdRandom), nil
}

// VerifyServerCryptogram checks SCRYPT on the PD side and returns R-MAC-I
func (c *Channel) VerifyServerCryptogram(cryptogram Key) (Key, error) {
	if c.role != RolePD || c.phase != ChallengeSent {
		return Key{}, ErrPhase
	}
	expected := ServerCryptogram(c.keys, c.cpRandom, c.pdRandom)
	if subtle.ConstantTimeCompare(expected[:], cryptogram[:]) != 1 {
		c.Reset()
		return Key{}, ErrCryptogramMismatch
	}
	rmac := InitialRMAC(c.keys, cryptogram)
	c.ownMAC = rmac
	c.phase = Established
	return rmac, nil
}

// The CP sends commands chained on the last reply MAC; the PD answers
// chained on the last command MAC. From either end: outbound traffic uses
// the peer's last MAC, inbound traffic uses our own.

// EncryptOutbound encrypts a data block for the next outbound message
func (c *Channel) EncryptOutbound(data []byte) ([]byte, error) {
	if !c.Established() {
		return nil, ErrNotEstablished
	}
	return EncryptData(c.keys, invert(c.peerMAC), data), nil
}

// SignOutbound computes the MAC for an outbound message and advances the chain.
// It returns the truncated MAC placed on the wire.
func (c *Channel) SignOutbound(msg []byte) ([]byte, error) {
	if !c.Established() {
		return nil, ErrNotEstablished
	}
	c.ownMAC = ComputeMAC(c.keys, c.peerMAC, msg)
	return append([]byte(nil), c.ownMAC[:4]...), nil
}

// VerifyInbound checks the MAC of an inbound message and advances the chain
func (c *Channel) VerifyInbound(msg, mac []byte) error {
	if !c.Established() {
		return ErrNotEstablished
	}
	full := ComputeMAC(c.keys, c.ownMAC, msg)
	if len(mac) != 4 || subtle.ConstantTimeCompare(full[:4], mac) != 1 {
		return ErrMACMismatch
	}
	c.peerMAC = full
	return nil
}

// DecryptInbound decrypts the data block of an inbound message
func (c *Channel) DecryptInbound(data []byte) ([]byte, error) {
	if !c.Established() {
		return nil, ErrNotEstablished
	}
	return DecryptData(c.keys, invert(c.ownMAC), data)
}
