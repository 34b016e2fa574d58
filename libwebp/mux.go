package libwebp

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/caffeineduck/webpbox/guest"
	"github.com/caffeineduck/webpbox/webpabi"
)

// payload is chunk data given to the mux. Without copy_data the mux only
// records where the caller's bytes live and reads them at assembly.
type payload struct {
	ptr, size uint32
	data      []byte
	copied    bool
}

func (p *payload) bytes(mem *guest.Memory) ([]byte, error) {
	if p.copied {
		return p.data, nil
	}
	return readData(mem, p.ptr, p.size)
}

type muxChunk struct {
	fourcc string
	data   *payload
}

// muxObject is the state behind a WebPMux handle.
type muxObject struct {
	image  *payload
	chunks []muxChunk
}

func (m *muxObject) set(fourcc string, p *payload) {
	for i := range m.chunks {
		if m.chunks[i].fourcc == fourcc {
			m.chunks[i].data = p
			return
		}
	}
	m.chunks = append(m.chunks, muxChunk{fourcc: fourcc, data: p})
}

// imageFourCCs name chunks that only SetImage may provide.
var imageFourCCs = map[string]bool{
	"VP8 ": true, "VP8L": true, "VP8X": true, "ALPH": true, "ANIM": true, "ANMF": true,
}

func lookupMux(inst *guest.Instance, handle uint64) (*muxObject, bool) {
	if handle == 0 {
		return nil, false
	}
	obj, ok := inst.Object(uint32(handle))
	if !ok {
		return nil, false
	}
	m, ok := obj.(*muxObject)
	return m, ok
}

// loadPayload reads a WebPData struct and, when copyData is set, the bytes
// it points at.
func loadPayload(mem *guest.Memory, addr uint32, copyData bool) (*payload, bool, error) {
	d := view(mem, addr, webpabi.Data)
	ptr, err := d.u32("bytes")
	if err != nil {
		return nil, false, err
	}
	size, err := d.u32("size")
	if err != nil {
		return nil, false, err
	}
	if ptr == 0 || size > maxChunkPayload {
		return nil, false, nil
	}
	p := &payload{ptr: ptr, size: size}
	if copyData {
		if p.data, err = mem.Read(ptr, size); err != nil {
			return nil, false, err
		}
		p.copied = true
	}
	return p, true, nil
}

func exportMuxNew(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
	if err := arity(webpabi.WebPNewInternal, params, 1); err != nil {
		return nil, err
	}
	if !webpabi.Compatible(int32(params[0]), webpabi.MuxABIVersion) {
		return u32(0), nil
	}
	return u32(inst.NewObject(&muxObject{})), nil
}

func exportMuxSetImage(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
	if err := arity(webpabi.WebPMuxSetImage, params, 3); err != nil {
		return nil, err
	}
	m, ok := lookupMux(inst, params[0])
	if !ok || params[1] == 0 {
		return i32(webpabi.MuxInvalidArgument), nil
	}
	p, ok, err := loadPayload(inst.Mem(), uint32(params[1]), params[2] != 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return i32(webpabi.MuxInvalidArgument), nil
	}
	data, err := p.bytes(inst.Mem())
	if err != nil {
		return nil, err
	}
	if _, err := splitImage(data); err != nil {
		return i32(webpabi.MuxBadData), nil
	}
	m.image = p
	return i32(webpabi.MuxOK), nil
}

func exportMuxSetChunk(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
	if err := arity(webpabi.WebPMuxSetChunk, params, 4); err != nil {
		return nil, err
	}
	m, ok := lookupMux(inst, params[0])
	if !ok || params[1] == 0 || params[2] == 0 {
		return i32(webpabi.MuxInvalidArgument), nil
	}
	tag, err := inst.Mem().Read(uint32(params[1]), tagSize)
	if err != nil {
		return nil, err
	}
	fourcc := string(tag)
	if imageFourCCs[fourcc] {
		return i32(webpabi.MuxInvalidArgument), nil
	}
	p, ok, err := loadPayload(inst.Mem(), uint32(params[2]), params[3] != 0)
	if err != nil {
		return nil, err
	}
	if !ok {
		return i32(webpabi.MuxInvalidArgument), nil
	}
	m.set(fourcc, p)
	return i32(webpabi.MuxOK), nil
}

// imageParts is a still image split into its chunks.
type imageParts struct {
	alpha    []byte
	fourcc   string
	data     []byte
	width    int
	height   int
	hasAlpha bool
}

// splitImage accepts a WebP file or a raw VP8/VP8L bitstream.
func splitImage(data []byte) (imageParts, error) {
	var parts imageParts
	if bytes.HasPrefix(data, []byte("RIFF")) {
		chunks, err := readChunks(data)
		if err != nil {
			return parts, err
		}
		for _, c := range chunks {
			switch string(c.id[:]) {
			case "ALPH":
				parts.alpha = c.payload
			case "VP8 ", "VP8L":
				if parts.fourcc != "" {
					return parts, fmt.Errorf("more than one image chunk")
				}
				parts.fourcc, parts.data = string(c.id[:]), c.payload
			case "ANIM", "ANMF":
				return parts, fmt.Errorf("animated input")
			}
		}
	} else {
		parts.fourcc = "VP8 "
		if vp8lSignature(data) {
			parts.fourcc = "VP8L"
		}
		parts.data = data
	}
	if parts.fourcc == "" {
		return parts, fmt.Errorf("no image chunk")
	}
	if parts.fourcc == "VP8L" {
		parts.alpha = nil
	}

	var w riffWriter
	w.chunk(parts.fourcc, parts.data)
	f, status := parseHeaders(w.bytes(), true)
	if status != webpabi.StatusOK {
		return parts, fmt.Errorf("image chunk: %s", webpabi.StatusText(status))
	}
	parts.width, parts.height = f.width, f.height
	parts.hasAlpha = f.hasAlpha || parts.alpha != nil
	return parts, nil
}

// metadataOrder is where known metadata chunks go relative to the image.
var metadataOrder = map[string]int{"ICCP": -1, "EXIF": 1, "XMP ": 2}

func (m *muxObject) assemble(mem *guest.Memory) ([]byte, int32, error) {
	if m.image == nil {
		return nil, webpabi.MuxNotFound, nil
	}
	data, err := m.image.bytes(mem)
	if err != nil {
		return nil, 0, err
	}
	parts, err := splitImage(data)
	if err != nil {
		return nil, webpabi.MuxBadData, nil
	}

	var before, after []muxChunk
	var flags uint32
	for _, c := range m.chunks {
		switch c.fourcc {
		case "ICCP":
			flags |= webpabi.FlagICCP
		case "EXIF":
			flags |= webpabi.FlagEXIF
		case "XMP ":
			flags |= webpabi.FlagXMP
		}
		if metadataOrder[c.fourcc] < 0 {
			before = append(before, c)
		} else {
			after = append(after, c)
		}
	}
	sortChunks(after)

	var w riffWriter
	if len(m.chunks) > 0 || parts.alpha != nil {
		if parts.hasAlpha {
			flags |= webpabi.FlagAlpha
		}
		w.vp8x(flags, parts.width, parts.height)
	}
	for _, c := range before {
		b, err := c.data.bytes(mem)
		if err != nil {
			return nil, 0, err
		}
		w.chunk(c.fourcc, b)
	}
	if parts.alpha != nil {
		w.chunk("ALPH", parts.alpha)
	}
	w.chunk(parts.fourcc, parts.data)
	for _, c := range after {
		b, err := c.data.bytes(mem)
		if err != nil {
			return nil, 0, err
		}
		w.chunk(c.fourcc, b)
	}
	return w.bytes(), webpabi.MuxOK, nil
}

// sortChunks orders EXIF before XMP and keeps unknown chunks last, in
// insertion order.
func sortChunks(cs []muxChunk) {
	rank := func(c muxChunk) int {
		if r, ok := metadataOrder[c.fourcc]; ok {
			return r
		}
		return 3
	}
	sort.SliceStable(cs, func(i, j int) bool { return rank(cs[i]) < rank(cs[j]) })
}

func exportMuxAssemble(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
	if err := arity(webpabi.WebPMuxAssemble, params, 2); err != nil {
		return nil, err
	}
	if params[1] == 0 {
		return i32(webpabi.MuxInvalidArgument), nil
	}
	out := view(inst.Mem(), uint32(params[1]), webpabi.Data)
	if err := out.zero(); err != nil {
		return nil, err
	}
	m, ok := lookupMux(inst, params[0])
	if !ok {
		return i32(webpabi.MuxInvalidArgument), nil
	}
	file, status, err := m.assemble(inst.Mem())
	if err != nil {
		return nil, err
	}
	if status != webpabi.MuxOK {
		return i32(status), nil
	}
	ptr := inst.Malloc(uint32(len(file)))
	if ptr == 0 {
		return i32(webpabi.MuxMemoryError), nil
	}
	if err := inst.Mem().Write(ptr, file); err != nil {
		return nil, err
	}
	if err := out.setU32("bytes", ptr); err != nil {
		return nil, err
	}
	if err := out.setU32("size", uint32(len(file))); err != nil {
		return nil, err
	}
	return i32(webpabi.MuxOK), nil
}

func exportMuxDelete(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
	if err := arity(webpabi.WebPMuxDelete, params, 1); err != nil {
		return nil, err
	}
	if params[0] == 0 {
		return nil, nil
	}
	return nil, inst.DeleteObject(uint32(params[0]))
}
