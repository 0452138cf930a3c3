// Package zlibstream incrementally decompresses a transport-shared zlib
// stream, yielding one byte slice per flush-terminated message. The remote
// compresses every message with the same zlib context and ends each one
// with a sync flush, so decompression state has to survive across messages
// for the whole life of the connection.
package zlibstream

import (
	"bytes"
	"compress/flate"
	"errors"
	"fmt"
	"io"
)

// flushSuffix is the empty stored block a sync flush emits. Every complete
// message ends with it.
var flushSuffix = []byte{0x00, 0x00, 0xff, 0xff}

const (
	// Deflate's window; decompressed history beyond this can never be
	// referenced again.
	windowSize = 32 * 1024

	zlibDeflateMethod = 8
	zlibPresetDictBit = 0x20
)

var (
	ErrInvalidHeader    = errors.New("zlibstream: stream does not start with a valid zlib header")
	ErrPresetDictionary = errors.New("zlibstream: preset dictionaries are not supported")
)

// Inflater reassembles and decompresses messages fed in arbitrary chunks.
// Not safe for concurrent use; a connection's read loop owns it.
type Inflater struct {
	reader io.ReadCloser

	// Compressed bytes that do not yet end on a flush boundary.
	pending []byte

	// Trailing decompressed history, carried as the dictionary for the
	// next segment. The stdlib flate reader cannot continue past a sync
	// flush on its own: hitting the chunk's end poisons it permanently,
	// so each segment is inflated by a fresh Reset seeded with this.
	window []byte

	headerStripped bool

	readBuf []byte
}

func NewInflater() *Inflater {
	return &Inflater{
		reader:  flate.NewReader(bytes.NewReader(nil)),
		readBuf: make([]byte, 4096),
	}
}

// Feed appends a chunk of compressed transport data and returns the
// message it completes, or nil while the message is still partial. A
// message is complete only when the accumulated data ends with the flush
// suffix: the same four bytes can occur inside block output, so interior
// occurrences are never boundaries.
func (inflater *Inflater) Feed(chunk []byte) ([]byte, error) {
	inflater.pending = append(inflater.pending, chunk...)

	if !bytes.HasSuffix(inflater.pending, flushSuffix) {
		return nil, nil
	}

	segment := inflater.pending
	inflater.pending = nil

	frame, err := inflater.inflate(segment)
	if err != nil {
		return nil, err
	}

	if len(frame) == 0 {
		return nil, nil
	}

	return frame, nil
}

// Reset drops all stream state. Required before reusing the inflater on a
// new connection, whose stream starts from a fresh zlib header.
func (inflater *Inflater) Reset() {
	inflater.pending = nil
	inflater.window = nil
	inflater.headerStripped = false
}

func (inflater *Inflater) inflate(segment []byte) ([]byte, error) {
	if !inflater.headerStripped {
		if len(segment) < 2 {
			return nil, ErrInvalidHeader
		}

		cmf, flg := segment[0], segment[1]

		if cmf&0x0f != zlibDeflateMethod || (uint16(cmf)<<8|uint16(flg))%31 != 0 {
			return nil, ErrInvalidHeader
		}

		if flg&zlibPresetDictBit != 0 {
			return nil, ErrPresetDictionary
		}

		segment = segment[2:]
		inflater.headerStripped = true
	}

	err := inflater.reader.(flate.Resetter).Reset(bytes.NewReader(segment), inflater.window)
	if err != nil {
		return nil, fmt.Errorf("zlibstream: failed to reset flate reader: %w", err)
	}

	var frame []byte

	for {
		n, err := inflater.reader.Read(inflater.readBuf)
		frame = append(frame, inflater.readBuf[:n]...)

		if err != nil {
			// The segment stops right after the sync flush, before any
			// final block, so running out of input here is the expected
			// end of a message.
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}

			return nil, fmt.Errorf("zlibstream: failed to inflate segment: %w", err)
		}
	}

	inflater.window = append(inflater.window, frame...)
	if len(inflater.window) > windowSize {
		inflater.window = append([]byte(nil), inflater.window[len(inflater.window)-windowSize:]...)
	}

	return frame, nil
}
