package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MaxHeaderLength bounds the declared header size. A length prefix above
// this is treated as stream corruption rather than a real header.
const MaxHeaderLength = 1 << 20

// ErrProtocol is the base error for malformed frames. The offending message
// is discarded and the channel stays open; callers unwrap to this sentinel.
var ErrProtocol = errors.New("protocol error")

const lengthPrefixSize = 4

// Encoder writes framed messages to the worker's stdin: a 4-byte
// little-endian header length, the JSON header, then the raw payload.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Send writes one logical message. When payload is non-empty the header's
// Format and DataLength fields are filled in before serialization so the
// worker knows how many raw bytes follow.
func (e *Encoder) Send(h *Header, payload []byte) error {
	if len(payload) > 0 {
		h.Format = FormatBinary
		h.DataLength = len(payload)
	}

	headerBytes, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	prefix := make([]byte, lengthPrefixSize)
	binary.LittleEndian.PutUint32(prefix, uint32(len(headerBytes)))

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(prefix); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := e.w.Write(headerBytes); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := e.w.Write(payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}

	return nil
}

// Decoder reassembles framed messages from arbitrary-sized byte chunks.
// Incomplete trailing data is buffered across calls; a complete message is
// never dropped. Decoder knows nothing about frame semantics, only framing.
type Decoder struct {
	buf []byte
}

// NewDecoder creates an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the internal buffer and returns every complete
// message now available. A corrupt message (unparsable header, or a length
// prefix beyond MaxHeaderLength) is discarded and reported via the returned
// error, which wraps ErrProtocol; decoding continues with later data and
// the Decoder remains usable.
func (d *Decoder) Feed(chunk []byte) ([]Message, error) {
	d.buf = append(d.buf, chunk...)

	var msgs []Message
	var errs []error

	for {
		if len(d.buf) < lengthPrefixSize {
			break
		}

		headerLen := int(binary.LittleEndian.Uint32(d.buf))
		if headerLen == 0 || headerLen > MaxHeaderLength {
			// The stream is out of sync; there is no trustworthy
			// boundary to skip to, so drop what we have.
			dropped := len(d.buf)
			d.buf = nil
			errs = append(errs, fmt.Errorf("%w: implausible header length %d, dropped %d buffered bytes", ErrProtocol, headerLen, dropped))
			break
		}

		if len(d.buf) < lengthPrefixSize+headerLen {
			break
		}

		headerBytes := d.buf[lengthPrefixSize : lengthPrefixSize+headerLen]

		var h Header
		if err := json.Unmarshal(headerBytes, &h); err != nil {
			d.buf = d.buf[lengthPrefixSize+headerLen:]
			errs = append(errs, fmt.Errorf("%w: unparsable header: %v", ErrProtocol, err))
			continue
		}

		payloadLen := 0
		if h.Format == FormatBinary {
			payloadLen = h.DataLength
		}
		total := lengthPrefixSize + headerLen + payloadLen
		if len(d.buf) < total {
			// Header parsed but payload still in flight.
			break
		}

		msg := Message{Header: h}
		if payloadLen > 0 {
			msg.Payload = make([]byte, payloadLen)
			copy(msg.Payload, d.buf[lengthPrefixSize+headerLen:total])
		}
		d.buf = d.buf[total:]
		msgs = append(msgs, msg)
	}

	return msgs, errors.Join(errs...)
}

// Buffered returns the number of bytes held waiting for more data.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// ResultScanner reads the worker's newline-delimited JSON result records.
type ResultScanner struct {
	r *bufio.Reader
}

// NewResultScanner wraps r for result parsing.
func NewResultScanner(r io.Reader) *ResultScanner {
	return &ResultScanner{r: bufio.NewReader(r)}
}

// Next blocks until one full line is available and parses it. A line that is
// not valid JSON yields an error wrapping ErrProtocol; the scanner stays
// usable for subsequent lines. io.EOF is returned once the stream ends.
func (s *ResultScanner) Next() (*Result, error) {
	line, err := s.r.ReadBytes('\n')
	if err != nil {
		if len(line) == 0 {
			return nil, err
		}
		// Final unterminated line; parse what we have.
	}

	res, perr := ParseResult(line)
	if perr != nil {
		return nil, perr
	}
	return res, nil
}

// ParseResult parses one result line.
func ParseResult(line []byte) (*Result, error) {
	var res Result
	if err := json.Unmarshal(line, &res); err != nil {
		return nil, fmt.Errorf("%w: unparsable result: %v", ErrProtocol, err)
	}
	return &res, nil
}
