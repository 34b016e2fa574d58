package libwebp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/image/riff"
)

var fourccWEBP = riff.FourCC{'W', 'E', 'B', 'P'}

// riffWriter assembles a WebP RIFF container chunk by chunk.
type riffWriter struct {
	body bytes.Buffer
}

func (w *riffWriter) chunk(fourcc string, payload []byte) {
	var hdr [chunkHeaderSize]byte
	copy(hdr[:], fourcc)
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(payload)))
	w.body.Write(hdr[:])
	w.body.Write(payload)
	if len(payload)&1 == 1 {
		w.body.WriteByte(0)
	}
}

func (w *riffWriter) vp8x(flags uint32, width, height int) {
	var p [vp8xChunkSize]byte
	binary.LittleEndian.PutUint32(p[0:], flags)
	putLE24(p[4:], uint32(width-1))
	putLE24(p[7:], uint32(height-1))
	w.chunk("VP8X", p[:])
}

func (w *riffWriter) bytes() []byte {
	out := make([]byte, riffHeaderSize, riffHeaderSize+w.body.Len())
	copy(out, "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(tagSize+w.body.Len()))
	copy(out[8:], "WEBP")
	return append(out, w.body.Bytes()...)
}

func putLE24(b []byte, v uint32) {
	b[0], b[1], b[2] = byte(v), byte(v>>8), byte(v>>16)
}

type chunk struct {
	id      riff.FourCC
	payload []byte
}

var errNotWebP = errors.New("not a WebP RIFF container")

// readChunks lists the top-level chunks of a WebP file.
func readChunks(data []byte) ([]chunk, error) {
	formType, r, err := riff.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNotWebP, err)
	}
	if formType != fourccWEBP {
		return nil, errNotWebP
	}
	var chunks []chunk
	for {
		id, n, cr, err := r.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(cr, payload); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk{id: id, payload: payload})
	}
}
