package protocol

import (
	"crypto/aes"
	"crypto/md5"
	"errors"
	"fmt"
)

// ErrCrypto reports a decryption failure or a sequence-monotonicity
// violation. Either means the session is desynchronized or keyed wrong and
// must be torn down rather than resumed.
var ErrCrypto = errors.New("protocol: crypto failure")

// keySalt is appended to the device key during per-frame key derivation.
// Fixed in the robot firmware.
const keySalt = "TXdfu$jyZ#TZHsg4"

// tsPermutation reorders the 8 hex digits of the frame timestamp before key
// derivation. Fixed in the robot firmware.
var tsPermutation = [8]int{5, 6, 3, 7, 1, 2, 0, 4}

// encodeTimestamp renders ts as 8 lowercase hex digits permuted by
// tsPermutation.
func encodeTimestamp(ts uint32) []byte {
	hex := fmt.Sprintf("%08x", ts)
	out := make([]byte, 8)
	for i, idx := range tsPermutation {
		out[i] = hex[idx]
	}
	return out
}

// Cipher derives per-frame AES-128-ECB keys from the immutable device key.
// It is stateless and safe for concurrent use.
type Cipher struct {
	localKey []byte
}

// NewCipher binds a cipher to the device's pre-shared local key.
func NewCipher(localKey string) *Cipher {
	return &Cipher{localKey: []byte(localKey)}
}

func (c *Cipher) frameKey(ts uint32) []byte {
	h := md5.New()
	h.Write(encodeTimestamp(ts))
	h.Write(c.localKey)
	h.Write([]byte(keySalt))
	return h.Sum(nil)
}

// Encrypt produces the wire ciphertext for plain under the key derived from
// ts. PKCS#7 padding matches the robot's expectations; the output length is
// always a multiple of the AES block size.
func (c *Cipher) Encrypt(plain []byte, ts uint32) []byte {
	block, err := aes.NewCipher(c.frameKey(ts))
	if err != nil {
		// MD5 output is always a valid AES-128 key.
		panic(err)
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := make([]byte, len(plain)+pad)
	copy(padded, plain)
	for i := len(plain); i < len(padded); i++ {
		padded[i] = byte(pad)
	}
	out := make([]byte, len(padded))
	for i := 0; i < len(padded); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], padded[i:i+aes.BlockSize])
	}
	return out
}

// Decrypt reverses Encrypt. A ciphertext that is not block-aligned or whose
// padding does not verify yields ErrCrypto: it was produced under a different
// key or corrupted in flight.
func (c *Cipher) Decrypt(ciphertext []byte, ts uint32) ([]byte, error) {
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d not block aligned", ErrCrypto, len(ciphertext))
	}
	block, err := aes.NewCipher(c.frameKey(ts))
	if err != nil {
		panic(err)
	}
	plain := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += aes.BlockSize {
		block.Decrypt(plain[i:i+aes.BlockSize], ciphertext[i:i+aes.BlockSize])
	}
	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return nil, fmt.Errorf("%w: invalid padding", ErrCrypto)
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("%w: invalid padding", ErrCrypto)
		}
	}
	return plain[:len(plain)-pad], nil
}

// Direction identifies which peer produced a frame within a session.
type Direction int

const (
	// FromPeer marks frames received from the connected peer.
	FromPeer Direction = iota
	// ToPeer marks frames we synthesize toward that peer.
	ToPeer
)

func (d Direction) String() string {
	if d == FromPeer {
		return "from_peer"
	}
	return "to_peer"
}

// SessionCrypto is the per-session cipher context. It wraps the shared
// Cipher with per-direction sequence tracking: the robot protocol never
// reuses a lower sequence on a live connection, so a regression means replay
// or desync and poisons the session. Not safe for concurrent use; each
// session worker owns exactly one.
type SessionCrypto struct {
	cipher  *Cipher
	lastSeq [2]uint32
	seen    [2]bool
}

// NewSessionCrypto opens a cipher context for one session.
func NewSessionCrypto(cipher *Cipher) *SessionCrypto {
	return &SessionCrypto{cipher: cipher}
}

// observe enforces monotonically non-decreasing sequences per direction.
func (s *SessionCrypto) observe(dir Direction, seq uint32) error {
	if s.seen[dir] && seq < s.lastSeq[dir] {
		return fmt.Errorf("%w: sequence %d regressed below %d (%s)", ErrCrypto, seq, s.lastSeq[dir], dir)
	}
	s.lastSeq[dir] = seq
	s.seen[dir] = true
	return nil
}

// Decrypt validates the frame's sequence for dir and returns the plaintext
// payload. Control frames pass through untouched: the hello/ping class
// carries no ciphertext.
func (s *SessionCrypto) Decrypt(dir Direction, f Frame) ([]byte, error) {
	if err := s.observe(dir, f.Seq); err != nil {
		return nil, err
	}
	if f.Control() || len(f.Payload) == 0 {
		return f.Payload, nil
	}
	return s.cipher.Decrypt(f.Payload, f.Timestamp)
}

// Encrypt records the outbound sequence and fills f.Payload with the
// ciphertext of plain under f.Timestamp.
func (s *SessionCrypto) Encrypt(dir Direction, f *Frame, plain []byte) error {
	if err := s.observe(dir, f.Seq); err != nil {
		return err
	}
	if len(plain) == 0 {
		f.Payload = nil
		return nil
	}
	f.Payload = s.cipher.Encrypt(plain, f.Timestamp)
	return nil
}

// LastSequence reports the most recent sequence seen for dir, and whether
// any frame has been observed at all.
func (s *SessionCrypto) LastSequence(dir Direction) (uint32, bool) {
	return s.lastSeq[dir], s.seen[dir]
}
