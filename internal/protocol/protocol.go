package protocol

import (
	"encoding/binary"
	"errors"

	"github.com/goccy/go-json"

	"github.com/erblinkqikuu/smartsocket"
)

const (
	// MaxPayloadSize caps the plaintext payload, before compression on the
	// way out and after decompression on the way in.
	MaxPayloadSize = 16 * 1024 * 1024

	// wireSlack covers the IV and block padding encryption adds on top of
	// an already maximal payload.
	wireSlack = 64

	minHeaderSize = 1 + 1 + 1 + 2 + 2 + 4 // ver, type, flags, ns_len, evt_len, payload_len
)

// Options configures a Codec. The zero value disables compression (by
// threshold) and encryption.
type Options struct {
	// CompressionThreshold is the minimum payload size in bytes before
	// DEFLATE kicks in. Zero or negative disables compression entirely.
	CompressionThreshold int

	// CompressionLevel is the DEFLATE level, 1..9.
	CompressionLevel int

	// EncryptionKey enables AES-256-CBC when 32 bytes long.
	EncryptionKey []byte
}

// DefaultOptions returns the codec defaults: compress above 1 KiB at
// level 6, no encryption.
func DefaultOptions() Options {
	return Options{
		CompressionThreshold: 1024,
		CompressionLevel:     6,
	}
}

// Codec encodes and decodes wire frames. A single Codec is shared by every
// socket of a server (or by one client); both methods are safe for
// concurrent use.
type Codec struct {
	opts Options
}

// NewCodec validates opts and returns a codec.
func NewCodec(opts Options) (*Codec, error) {
	if opts.CompressionThreshold > 0 && (opts.CompressionLevel < 1 || opts.CompressionLevel > 9) {
		return nil, errors.New("compression level must be 1..9")
	}
	if len(opts.EncryptionKey) != 0 && len(opts.EncryptionKey) != keySize {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	return &Codec{opts: opts}, nil
}

func (c *Codec) encrypting() bool { return len(c.opts.EncryptionKey) == keySize }

// Marshal serialises an emit payload: nil yields an empty payload, []byte
// values pass through untouched (binary payload), anything else becomes
// compact JSON.
func Marshal(data interface{}) (payload []byte, binaryPayload bool, err error) {
	switch v := data.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		return v, true, nil
	default:
		payload, err = json.Marshal(v)
		return payload, false, err
	}
}

// Encode produces the wire bytes for f. The payload is compressed when it
// exceeds the configured threshold, then encrypted when the codec carries a
// key; Encode sets the corresponding flag bits on the output itself.
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	if !f.Type.valid() {
		return nil, invalid("unknown frame type %d", byte(f.Type))
	}
	if len(f.Namespace) > 0xFFFF || len(f.Event) > 0xFFFF {
		return nil, invalid("namespace or event name too long")
	}
	if len(f.Payload) > MaxPayloadSize {
		return nil, frameErr(smartsocket.CodePayloadTooLarge,
			errors.New("payload exceeds 16 MiB"))
	}

	flags := f.Flags &^ (FlagCompressed | FlagEncrypted | reservedFlags)
	payload := f.Payload

	if c.opts.CompressionThreshold > 0 && len(payload) > c.opts.CompressionThreshold {
		compressed, err := deflate(payload, c.opts.CompressionLevel)
		if err != nil {
			return nil, frameErr(smartsocket.CodeFrameInvalid, err)
		}
		payload = compressed
		flags |= FlagCompressed
	}
	if c.encrypting() {
		encrypted, err := encrypt(c.opts.EncryptionKey, payload)
		if err != nil {
			return nil, frameErr(smartsocket.CodeFrameInvalid, err)
		}
		payload = encrypted
		flags |= FlagEncrypted
	}

	size := minHeaderSize + len(f.Namespace) + len(f.Event) + len(payload)
	withAck := f.Type == FrameAck || flags&FlagAckRequested != 0
	if withAck {
		size += 4
	}

	out := make([]byte, 0, size)
	out = append(out, Version, byte(f.Type), flags)
	out = binary.BigEndian.AppendUint16(out, uint16(len(f.Namespace)))
	out = append(out, f.Namespace...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(f.Event)))
	out = append(out, f.Event...)
	if withAck {
		out = binary.BigEndian.AppendUint32(out, f.AckID)
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(payload)))
	out = append(out, payload...)
	return out, nil
}

// Decode parses wire bytes into a frame, reversing encryption and
// compression. Non-empty, non-binary payloads of EVENT and ACK frames must
// be valid JSON; other frame types are not checked. The returned frame
// owns its payload; data is not retained.
func (c *Codec) Decode(data []byte) (*Frame, error) {
	r := reader{buf: data}

	ver, ok := r.byte()
	if !ok {
		return nil, invalid("truncated header")
	}
	if ver != Version {
		return nil, invalid("unsupported version %d", ver)
	}
	t, ok := r.byte()
	if !ok {
		return nil, invalid("truncated header")
	}
	f := &Frame{Type: FrameType(t)}
	if !f.Type.valid() {
		return nil, invalid("unknown frame type %d", t)
	}
	flags, ok := r.byte()
	if !ok {
		return nil, invalid("truncated header")
	}
	if flags&reservedFlags != 0 {
		return nil, invalid("reserved flag bits set")
	}
	f.Flags = flags

	ns, ok := r.lenPrefixed()
	if !ok {
		return nil, invalid("truncated namespace")
	}
	f.Namespace = string(ns)

	evt, ok := r.lenPrefixed()
	if !ok {
		return nil, invalid("truncated event name")
	}
	f.Event = string(evt)

	if f.HasAck() {
		id, ok := r.uint32()
		if !ok {
			return nil, invalid("truncated ack id")
		}
		f.AckID = id
	}

	plen, ok := r.uint32()
	if !ok {
		return nil, invalid("truncated payload length")
	}
	if plen > MaxPayloadSize+wireSlack {
		return nil, frameErr(smartsocket.CodePayloadTooLarge,
			errors.New("wire payload exceeds 16 MiB"))
	}
	payload, ok := r.bytes(int(plen))
	if !ok {
		return nil, invalid("truncated payload")
	}
	if r.remaining() != 0 {
		return nil, invalid("%d trailing bytes after payload", r.remaining())
	}

	if flags&FlagEncrypted != 0 {
		if !c.encrypting() {
			return nil, frameErr(smartsocket.CodeDecryptFailed,
				errors.New("encrypted frame but encryption not configured"))
		}
		plain, err := decrypt(c.opts.EncryptionKey, payload)
		if err != nil {
			return nil, frameErr(smartsocket.CodeDecryptFailed, err)
		}
		payload = plain
	} else {
		// Own the bytes; data may be a reused read buffer.
		payload = append([]byte(nil), payload...)
	}
	if flags&FlagCompressed != 0 {
		plain, err := inflate(payload, MaxPayloadSize)
		if err != nil {
			return nil, frameErr(smartsocket.CodeDecompressFailed, err)
		}
		payload = plain
	}
	if len(payload) > MaxPayloadSize {
		return nil, frameErr(smartsocket.CodePayloadTooLarge,
			errors.New("payload exceeds 16 MiB"))
	}
	if len(payload) > 0 && flags&FlagBinary == 0 && (f.Type == FrameEvent || f.Type == FrameAck) {
		if !json.Valid(payload) {
			return nil, frameErr(smartsocket.CodePayloadParseFailed,
				errors.New("payload is not valid JSON"))
		}
	}

	f.Payload = payload
	return f, nil
}

// reader is a bounds-checked cursor over the wire buffer.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) byte() (byte, bool) {
	if r.remaining() < 1 {
		return 0, false
	}
	b := r.buf[r.off]
	r.off++
	return b, true
}

func (r *reader) uint16() (uint16, bool) {
	if r.remaining() < 2 {
		return 0, false
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, true
}

func (r *reader) uint32() (uint32, bool) {
	if r.remaining() < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, true
}

func (r *reader) bytes(n int) ([]byte, bool) {
	if n < 0 || r.remaining() < n {
		return nil, false
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, true
}

func (r *reader) lenPrefixed() ([]byte, bool) {
	n, ok := r.uint16()
	if !ok {
		return nil, false
	}
	return r.bytes(int(n))
}
