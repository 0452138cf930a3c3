package zlibstream_test

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roostworks/gateway/pkg/zlibstream"
)

// compressor writes messages through one shared zlib context, the way the
// remote compresses a connection's traffic.
type compressor struct {
	buf    bytes.Buffer
	writer *zlib.Writer
}

func newCompressor(t *testing.T) *compressor {
	t.Helper()

	c := &compressor{}
	c.writer = zlib.NewWriter(&c.buf)

	return c
}

func (c *compressor) compress(t *testing.T, message []byte) []byte {
	t.Helper()

	c.buf.Reset()

	_, err := c.writer.Write(message)
	require.NoError(t, err)
	require.NoError(t, c.writer.Flush())

	return append([]byte(nil), c.buf.Bytes()...)
}

func TestFeedSingleMessage(t *testing.T) {
	t.Parallel()

	c := newCompressor(t)
	inflater := zlibstream.NewInflater()

	message := []byte(`{"op":10,"d":{"heartbeat_interval":41250}}`)

	frame, err := inflater.Feed(c.compress(t, message))
	require.NoError(t, err)
	assert.Equal(t, message, frame)
}

func TestFeedSharedContext(t *testing.T) {
	t.Parallel()

	c := newCompressor(t)
	inflater := zlibstream.NewInflater()

	// Later messages back-reference earlier ones through the shared
	// window, so order and continuity matter.
	messages := [][]byte{
		[]byte(`{"op":0,"t":"MESSAGE_CREATE","s":1,"d":{"content":"hello world"}}`),
		[]byte(`{"op":0,"t":"MESSAGE_CREATE","s":2,"d":{"content":"hello world again"}}`),
		[]byte(`{"op":0,"t":"MESSAGE_CREATE","s":3,"d":{"content":"hello world a third time"}}`),
	}

	for _, message := range messages {
		frame, err := inflater.Feed(c.compress(t, message))
		require.NoError(t, err)
		assert.Equal(t, message, frame)
	}
}

func TestFeedByteByByte(t *testing.T) {
	t.Parallel()

	c := newCompressor(t)
	inflater := zlibstream.NewInflater()

	messages := [][]byte{
		[]byte(`{"op":0,"t":"GUILD_CREATE","s":1,"d":{"id":"123"}}`),
		[]byte(`{"op":0,"t":"GUILD_CREATE","s":2,"d":{"id":"456"}}`),
	}

	var frames [][]byte

	for _, message := range messages {
		for _, b := range c.compress(t, message) {
			frame, err := inflater.Feed([]byte{b})
			require.NoError(t, err)

			if frame != nil {
				frames = append(frames, frame)
			}
		}
	}

	require.Len(t, frames, len(messages))

	for i, message := range messages {
		assert.Equal(t, message, frames[i])
	}
}

func TestFeedSplitAcrossChunks(t *testing.T) {
	t.Parallel()

	c := newCompressor(t)
	inflater := zlibstream.NewInflater()

	var messages [][]byte

	for i := 0; i < 5; i++ {
		messages = append(messages, []byte(fmt.Sprintf(`{"op":0,"s":%d,"d":null}`, i+1)))
	}

	// Each message arrives in two unaligned pieces.
	for _, message := range messages {
		compressed := c.compress(t, message)
		split := len(compressed) / 2

		frame, err := inflater.Feed(compressed[:split])
		require.NoError(t, err)
		assert.Nil(t, frame)

		frame, err = inflater.Feed(compressed[split:])
		require.NoError(t, err)
		assert.Equal(t, message, frame)
	}
}

func TestFeedSuffixBytesInsideMessage(t *testing.T) {
	t.Parallel()

	// Stored deflate blocks copy their input verbatim, so a message
	// containing the flush suffix bytes puts them in the middle of the
	// compressed data. They only mark a boundary at the very end.
	message := append([]byte(`{"op":0,"d":"`), 0x00, 0x00, 0xff, 0xff)
	message = append(message, []byte(`"}`)...)

	var buf bytes.Buffer

	writer, err := zlib.NewWriterLevel(&buf, zlib.NoCompression)
	require.NoError(t, err)

	_, err = writer.Write(message)
	require.NoError(t, err)
	require.NoError(t, writer.Flush())

	compressed := buf.Bytes()
	require.GreaterOrEqual(t, bytes.Count(compressed[:len(compressed)-4], []byte{0x00, 0x00, 0xff, 0xff}), 1)

	inflater := zlibstream.NewInflater()

	frame, err := inflater.Feed(compressed)
	require.NoError(t, err)
	assert.Equal(t, message, frame)
}

func TestFeedBuffersIncompleteMessage(t *testing.T) {
	t.Parallel()

	c := newCompressor(t)
	inflater := zlibstream.NewInflater()

	message := []byte(`{"op":11,"d":null}`)
	compressed := c.compress(t, message)

	// Everything but the last byte of the flush suffix completes nothing.
	frame, err := inflater.Feed(compressed[:len(compressed)-1])
	require.NoError(t, err)
	assert.Nil(t, frame)

	frame, err = inflater.Feed(compressed[len(compressed)-1:])
	require.NoError(t, err)
	assert.Equal(t, message, frame)
}

func TestFeedEmptyChunk(t *testing.T) {
	t.Parallel()

	inflater := zlibstream.NewInflater()

	frame, err := inflater.Feed(nil)
	require.NoError(t, err)
	assert.Nil(t, frame)
}

func TestResetStartsFreshStream(t *testing.T) {
	t.Parallel()

	inflater := zlibstream.NewInflater()

	first := newCompressor(t)
	message := []byte(`{"op":10,"d":{"heartbeat_interval":41250}}`)

	frame, err := inflater.Feed(first.compress(t, message))
	require.NoError(t, err)
	require.Equal(t, message, frame)

	// A new connection starts a brand new stream with its own header.
	inflater.Reset()

	second := newCompressor(t)

	frame, err = inflater.Feed(second.compress(t, message))
	require.NoError(t, err)
	assert.Equal(t, message, frame)
}

func TestFeedRejectsInvalidHeader(t *testing.T) {
	t.Parallel()

	inflater := zlibstream.NewInflater()

	_, err := inflater.Feed([]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x00, 0xff, 0xff})
	assert.ErrorIs(t, err, zlibstream.ErrInvalidHeader)
}

func TestFeedRejectsPresetDictionary(t *testing.T) {
	t.Parallel()

	inflater := zlibstream.NewInflater()

	// CMF 0x78 with FDICT set; FLG chosen so the header checksum holds.
	header := []byte{0x78, 0x20}
	require.Equal(t, 0, (int(header[0])*256+int(header[1]))%31)

	_, err := inflater.Feed(append(header, 0x00, 0x00, 0xff, 0xff))
	assert.ErrorIs(t, err, zlibstream.ErrPresetDictionary)
}

func TestFeedLargeMessageExceedingWindow(t *testing.T) {
	t.Parallel()

	c := newCompressor(t)
	inflater := zlibstream.NewInflater()

	large := bytes.Repeat([]byte("0123456789abcdef"), 8192)

	frame, err := inflater.Feed(c.compress(t, large))
	require.NoError(t, err)
	assert.Equal(t, large, frame)

	// History beyond the deflate window was discarded; follow-up messages
	// still decode.
	follow := []byte(`{"op":11,"d":null}`)

	frame, err = inflater.Feed(c.compress(t, follow))
	require.NoError(t, err)
	assert.Equal(t, follow, frame)
}
