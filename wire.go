package strait

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// DefaultMaxMessageSize bounds encoded requests and responses.
const DefaultMaxMessageSize = 4 << 20

// maxTimeoutMicros is the largest timeout a `time.Duration` can hold.
const maxTimeoutMicros = uint64(math.MaxInt64 / int64(time.Microsecond))

// Every frame is a uvarint length followed by a protobuf encoded message.
//
// request:  1 service, 2 method, 3 timeout (µs), 4 metadata entry, 5 payload
// response: 1 code, 2 message, 4 metadata entry, 5 payload
// metadata entry: 1 key, 2 value
const (
	fieldService  protowire.Number = 1
	fieldMethod   protowire.Number = 2
	fieldTimeout  protowire.Number = 3
	fieldCode     protowire.Number = 1
	fieldMessage  protowire.Number = 2
	fieldMetadata protowire.Number = 4
	fieldPayload  protowire.Number = 5

	fieldEntryKey   protowire.Number = 1
	fieldEntryValue protowire.Number = 2
)

func marshalRequest(req *Request, timeout time.Duration) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldService, protowire.BytesType)
	b = protowire.AppendString(b, req.Service)
	if req.Method != "" {
		b = protowire.AppendTag(b, fieldMethod, protowire.BytesType)
		b = protowire.AppendString(b, req.Method)
	}
	if timeout > 0 {
		micros := timeout.Microseconds()
		if micros == 0 {
			micros = 1
		}
		b = protowire.AppendTag(b, fieldTimeout, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(micros))
	}
	b = appendMetadata(b, req.Metadata)
	if len(req.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, req.Payload)
	}
	return b
}

func unmarshalRequest(b []byte) (*Request, time.Duration, error) {
	req := &Request{}
	var timeout time.Duration
	hasService := false

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, 0, wireErr(n)
		}
		b = b[n:]

		switch {
		case num == fieldService && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, 0, wireErr(n)
			}
			req.Service, hasService = v, true
			b = b[n:]
		case num == fieldMethod && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, 0, wireErr(n)
			}
			req.Method = v
			b = b[n:]
		case num == fieldTimeout && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, 0, wireErr(n)
			}
			timeout = time.Duration(min(v, maxTimeoutMicros)) * time.Microsecond
			b = b[n:]
		case num == fieldMetadata && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, 0, wireErr(n)
			}
			if req.Metadata == nil {
				req.Metadata = make(Metadata)
			}
			if err := consumeEntry(v, req.Metadata); err != nil {
				return nil, 0, err
			}
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, 0, wireErr(n)
			}
			req.Payload = slices.Clone(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, 0, wireErr(n)
			}
			b = b[n:]
		}
	}

	if !hasService || req.Service == "" {
		return nil, 0, fmt.Errorf("%w: request without service", ErrProtocolViolation)
	}
	return req, timeout, nil
}

func marshalResponse(resp *Response, st *Status) []byte {
	var b []byte
	if st != nil && st.Code != CodeOK {
		b = protowire.AppendTag(b, fieldCode, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(st.Code))
		if st.Message != "" {
			b = protowire.AppendTag(b, fieldMessage, protowire.BytesType)
			b = protowire.AppendString(b, st.Message)
		}
		return appendMetadata(b, st.Metadata)
	}

	if resp == nil {
		return b
	}
	b = appendMetadata(b, resp.Metadata)
	if len(resp.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, resp.Payload)
	}
	return b
}

// unmarshalResponse returns a `*Status` error for non-OK responses.
func unmarshalResponse(b []byte) (*Response, error) {
	resp := &Response{}
	st := &Status{}

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, wireErr(n)
		}
		b = b[n:]

		switch {
		case num == fieldCode && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, wireErr(n)
			}
			st.Code = Code(v)
			b = b[n:]
		case num == fieldMessage && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, wireErr(n)
			}
			st.Message = v
			b = b[n:]
		case num == fieldMetadata && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, wireErr(n)
			}
			if resp.Metadata == nil {
				resp.Metadata = make(Metadata)
			}
			if err := consumeEntry(v, resp.Metadata); err != nil {
				return nil, err
			}
			b = b[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, wireErr(n)
			}
			resp.Payload = slices.Clone(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, wireErr(n)
			}
			b = b[n:]
		}
	}

	if st.Code != CodeOK {
		st.Metadata = resp.Metadata
		return nil, st
	}
	return resp, nil
}

func appendMetadata(b []byte, md Metadata) []byte {
	keys := make([]string, 0, len(md))
	for k := range md {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldEntryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, k)
		entry = protowire.AppendTag(entry, fieldEntryValue, protowire.BytesType)
		entry = protowire.AppendString(entry, md[k])

		b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func consumeEntry(b []byte, md Metadata) error {
	var key, value string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return wireErr(n)
		}
		b = b[n:]
		if typ != protowire.BytesType || (num != fieldEntryKey && num != fieldEntryValue) {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return wireErr(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeString(b)
		if n < 0 {
			return wireErr(n)
		}
		if num == fieldEntryKey {
			key = v
		} else {
			value = v
		}
		b = b[n:]
	}
	md[key] = value
	return nil
}

func wireErr(n int) error {
	return fmt.Errorf("%w: %w", ErrProtocolViolation, protowire.ParseError(n))
}

// writeFrame writes msg prefixed by its length in a single Write.
func writeFrame(w io.Writer, msg []byte, maxSize int) error {
	if len(msg) > maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, len(msg), maxSize)
	}
	buf := make([]byte, 0, protowire.SizeVarint(uint64(len(msg)))+len(msg))
	buf = protowire.AppendVarint(buf, uint64(len(msg)))
	buf = append(buf, msg...)
	_, err := w.Write(buf)
	return err
}

// readFrame returns io.EOF only when the stream ended cleanly before the
// first byte of a frame.
func readFrame(r *bufio.Reader, maxSize int) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame header: %w", ErrProtocolViolation, err)
		}
		return nil, err
	}
	if size > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrFrameTooLarge, size, maxSize)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame: %w", ErrProtocolViolation, err)
		}
		return nil, err
	}
	return buf, nil
}
