package persistentworker

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the WorkRequest message.
const (
	requestArgumentsField  protowire.Number = 1
	requestInputsField     protowire.Number = 2
	requestIDField         protowire.Number = 3
	requestCancelField     protowire.Number = 4
	requestVerbosityField  protowire.Number = 5
	requestSandboxDirField protowire.Number = 6

	inputPathField   protowire.Number = 1
	inputDigestField protowire.Number = 2
)

// Field numbers of the WorkResponse message.
const (
	responseExitCodeField     protowire.Number = 1
	responseOutputField       protowire.Number = 2
	responseRequestIDField    protowire.Number = 3
	responseWasCancelledField protowire.Number = 4
)

// DefaultMaxMessageSize bounds the declared length of a single request message.
const DefaultMaxMessageSize = 64 << 20

// maxMessageLength is the largest message protobuf can represent, applied even without a configured limit.
const maxMessageLength = math.MaxInt32

// Limits bounds what the decoder is willing to allocate for a single message.
type Limits struct {
	MaxMessageSize int
}

// DefaultLimits returns the default decoding limits.
func DefaultLimits() Limits {
	return Limits{MaxMessageSize: DefaultMaxMessageSize}
}

// A DecodeError is returned when the input stream holds a malformed message.
// The stream cannot be resynchronised after one of these.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decoding work request: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ReadWorkRequest reads one length-prefixed WorkRequest from r.
// It returns nil and no error if the stream ends cleanly before a new message starts.
func ReadWorkRequest(r *bufio.Reader, limits Limits) (*WorkRequest, error) {
	length, err := binary.ReadUvarint(r)
	if err == io.EOF {
		return nil, nil
	} else if err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("reading length prefix: %w", err)}
	}
	if length > maxMessageLength {
		return nil, &DecodeError{Err: fmt.Errorf("message size %d exceeds protobuf maximum %d", length, maxMessageLength)}
	}
	if limits.MaxMessageSize > 0 && length > uint64(limits.MaxMessageSize) {
		return nil, &DecodeError{Err: fmt.Errorf("message size %d exceeds limit %d", length, limits.MaxMessageSize)}
	}
	view := &messageReader{r: r, remaining: int(length)}
	req := &WorkRequest{}
	if err := view.decodeRequest(req); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return req, nil
}

// messageReader is a length-limited view over the underlying stream.
// No read through it ever consumes bytes past its remaining budget.
type messageReader struct {
	r         byteReader
	remaining int
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

var errTruncated = errors.New("field extends past end of message")

func (m *messageReader) ReadByte() (byte, error) {
	if m.remaining <= 0 {
		return 0, errTruncated
	}
	b, err := m.r.ReadByte()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, err
	}
	m.remaining--
	return b, nil
}

func (m *messageReader) readVarint() (uint64, error) {
	return binary.ReadUvarint(m)
}

func (m *messageReader) readN(n uint64) ([]byte, error) {
	if n > uint64(m.remaining) {
		return nil, errTruncated
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(m.r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	m.remaining -= int(n)
	return buf, nil
}

// sub carves a nested view of n bytes out of this one.
func (m *messageReader) sub(n uint64) (*messageReader, error) {
	if n > uint64(m.remaining) {
		return nil, fmt.Errorf("nested message length %d exceeds remaining %d bytes", n, m.remaining)
	}
	m.remaining -= int(n)
	return &messageReader{r: m.r, remaining: int(n)}, nil
}

func (m *messageReader) readTag() (protowire.Number, protowire.Type, error) {
	v, err := m.readVarint()
	if err != nil {
		return 0, 0, fmt.Errorf("reading field tag: %w", err)
	}
	num, typ := protowire.DecodeTag(v)
	if num < protowire.MinValidNumber {
		return 0, 0, fmt.Errorf("invalid field number %d", num)
	}
	return num, typ, nil
}

func (m *messageReader) expect(num protowire.Number, got, want protowire.Type) error {
	if got != want {
		return fmt.Errorf("field %d has wire type %d, expected %d", num, got, want)
	}
	return nil
}

func (m *messageReader) decodeRequest(req *WorkRequest) error {
	for m.remaining > 0 {
		num, typ, err := m.readTag()
		if err != nil {
			return err
		}
		switch num {
		case requestArgumentsField:
			if err := m.expect(num, typ, protowire.BytesType); err != nil {
				return err
			}
			s, err := m.readString()
			if err != nil {
				return err
			}
			req.Arguments = append(req.Arguments, s)
		case requestInputsField:
			if err := m.expect(num, typ, protowire.BytesType); err != nil {
				return err
			}
			n, err := m.readVarint()
			if err != nil {
				return err
			}
			nested, err := m.sub(n)
			if err != nil {
				return err
			}
			input, err := nested.decodeInput()
			if err != nil {
				return fmt.Errorf("decoding input: %w", err)
			}
			req.Inputs = append(req.Inputs, input)
		case requestIDField:
			if err := m.expect(num, typ, protowire.VarintType); err != nil {
				return err
			}
			v, err := m.readVarint()
			if err != nil {
				return err
			}
			req.RequestID = int32(v)
		case requestCancelField:
			if err := m.expect(num, typ, protowire.VarintType); err != nil {
				return err
			}
			v, err := m.readVarint()
			if err != nil {
				return err
			}
			req.Cancel = v != 0
		case requestVerbosityField:
			if err := m.expect(num, typ, protowire.VarintType); err != nil {
				return err
			}
			v, err := m.readVarint()
			if err != nil {
				return err
			}
			req.Verbosity = int32(v)
		case requestSandboxDirField:
			if err := m.expect(num, typ, protowire.BytesType); err != nil {
				return err
			}
			s, err := m.readString()
			if err != nil {
				return err
			}
			req.SandboxDir = s
		default:
			if err := m.skip(num, typ); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *messageReader) decodeInput() (Input, error) {
	var input Input
	for m.remaining > 0 {
		num, typ, err := m.readTag()
		if err != nil {
			return input, err
		}
		switch num {
		case inputPathField:
			if err := m.expect(num, typ, protowire.BytesType); err != nil {
				return input, err
			}
			if input.Path, err = m.readString(); err != nil {
				return input, err
			}
		case inputDigestField:
			if err := m.expect(num, typ, protowire.BytesType); err != nil {
				return input, err
			}
			n, err := m.readVarint()
			if err != nil {
				return input, err
			}
			if input.Digest, err = m.readN(n); err != nil {
				return input, err
			}
		default:
			if err := m.skip(num, typ); err != nil {
				return input, err
			}
		}
	}
	return input, nil
}

func (m *messageReader) readString() (string, error) {
	n, err := m.readVarint()
	if err != nil {
		return "", err
	}
	b, err := m.readN(n)
	return string(b), err
}

// skip discards the value of an unknown field.
func (m *messageReader) skip(num protowire.Number, typ protowire.Type) error {
	switch typ {
	case protowire.VarintType:
		_, err := m.readVarint()
		return err
	case protowire.Fixed32Type:
		_, err := m.readN(4)
		return err
	case protowire.Fixed64Type:
		_, err := m.readN(8)
		return err
	case protowire.BytesType:
		n, err := m.readVarint()
		if err != nil {
			return err
		}
		_, err = m.readN(n)
		return err
	case protowire.StartGroupType:
		for {
			n, t, err := m.readTag()
			if err != nil {
				return err
			}
			if t == protowire.EndGroupType {
				if n != num {
					return fmt.Errorf("mismatched end group %d for group %d", n, num)
				}
				return nil
			}
			if err := m.skip(n, t); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("field %d has unknown wire type %d", num, typ)
	}
}

// responseBodySize returns the encoded size of resp's fields, without the length prefix.
func responseBodySize(resp WorkResponse) int {
	n := protowire.SizeTag(responseRequestIDField) + protowire.SizeVarint(uint64(int64(resp.RequestID)))
	if resp.ExitCode != 0 {
		n += protowire.SizeTag(responseExitCodeField) + protowire.SizeVarint(uint64(int64(resp.ExitCode)))
	}
	if resp.Output != "" {
		n += protowire.SizeTag(responseOutputField) + protowire.SizeBytes(len(resp.Output))
	}
	if resp.WasCancelled {
		n += protowire.SizeTag(responseWasCancelledField) + protowire.SizeVarint(1)
	}
	return n
}

// ResponseSize returns the exact number of bytes AppendWorkResponse will append for resp,
// including the length prefix.
func ResponseSize(resp WorkResponse) int {
	body := responseBodySize(resp)
	return protowire.SizeVarint(uint64(body)) + body
}

// AppendWorkResponse appends the length-prefixed encoding of resp to buf.
// Fields holding their default value are omitted, except the request id which is always written.
// Callers should size buf with ResponseSize so that it never grows.
func AppendWorkResponse(buf []byte, resp WorkResponse) []byte {
	buf = protowire.AppendVarint(buf, uint64(responseBodySize(resp)))
	if resp.ExitCode != 0 {
		buf = protowire.AppendTag(buf, responseExitCodeField, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(int64(resp.ExitCode)))
	}
	if resp.Output != "" {
		buf = protowire.AppendTag(buf, responseOutputField, protowire.BytesType)
		buf = protowire.AppendString(buf, resp.Output)
	}
	buf = protowire.AppendTag(buf, responseRequestIDField, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(int64(resp.RequestID)))
	if resp.WasCancelled {
		buf = protowire.AppendTag(buf, responseWasCancelledField, protowire.VarintType)
		buf = protowire.AppendVarint(buf, 1)
	}
	return buf
}

// AppendWorkRequest appends the length-prefixed encoding of req to buf.
// This is the peer's side of the protocol; the worker itself only decodes requests.
func AppendWorkRequest(buf []byte, req *WorkRequest) []byte {
	var body []byte
	for _, arg := range req.Arguments {
		body = protowire.AppendTag(body, requestArgumentsField, protowire.BytesType)
		body = protowire.AppendString(body, arg)
	}
	for _, input := range req.Inputs {
		var nested []byte
		if input.Path != "" {
			nested = protowire.AppendTag(nested, inputPathField, protowire.BytesType)
			nested = protowire.AppendString(nested, input.Path)
		}
		if len(input.Digest) > 0 {
			nested = protowire.AppendTag(nested, inputDigestField, protowire.BytesType)
			nested = protowire.AppendBytes(nested, input.Digest)
		}
		body = protowire.AppendTag(body, requestInputsField, protowire.BytesType)
		body = protowire.AppendBytes(body, nested)
	}
	if req.RequestID != 0 {
		body = protowire.AppendTag(body, requestIDField, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(int64(req.RequestID)))
	}
	if req.Cancel {
		body = protowire.AppendTag(body, requestCancelField, protowire.VarintType)
		body = protowire.AppendVarint(body, 1)
	}
	if req.Verbosity != 0 {
		body = protowire.AppendTag(body, requestVerbosityField, protowire.VarintType)
		body = protowire.AppendVarint(body, uint64(int64(req.Verbosity)))
	}
	if req.SandboxDir != "" {
		body = protowire.AppendTag(body, requestSandboxDirField, protowire.BytesType)
		body = protowire.AppendString(body, req.SandboxDir)
	}
	buf = protowire.AppendVarint(buf, uint64(len(body)))
	return append(buf, body...)
}
