package pipeline

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"hash/crc32"
	"image/color"
	"image/jpeg"
	"io"
)

const (
	// All-zero scan data decodes as the shortest code of each table; 32
	// bytes covers a block under the standard tables.
	jpegPadBytesPerBlock = 32
	jpegPadFloor         = 64 << 10
	jpegPadCeiling       = 32 << 20

	maxPNGRepairBytes = 256 << 20
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// repairTruncated rebuilds a cut-off JPEG or PNG stream so the standard
// decoders can read what survived. It reports false when the input is not a
// recognisable JPEG or PNG prefix.
func repairTruncated(data []byte) ([]byte, bool) {
	switch {
	case len(data) > 2 && data[0] == 0xFF && data[1] == 0xD8:
		return padJPEG(data)
	case bytes.HasPrefix(data, pngSignature):
		return rebuildPNG(data)
	default:
		return nil, false
	}
}

// padJPEG zero-fills the remaining entropy-coded data and closes the stream
// with EOI, the way libjpeg fills a starved source. Go's decoder skips the
// surplus zeros in front of the marker.
func padJPEG(data []byte) ([]byte, bool) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, false
	}

	components := 3
	switch cfg.ColorModel {
	case color.GrayModel:
		components = 1
	case color.CMYKModel:
		components = 4
	}

	blocks := ((cfg.Width + 7) / 8) * ((cfg.Height + 7) / 8) * components
	limit := min(max(4*len(data), jpegPadFloor), jpegPadCeiling)
	pad := min(blocks*jpegPadBytesPerBlock, limit)

	out := make([]byte, len(data), len(data)+pad+2)
	copy(out, data)
	out = append(out, make([]byte, pad)...)
	return append(out, 0xFF, 0xD9), true
}

// rebuildPNG keeps every chunk ahead of the image data, inflates as much of
// the IDAT stream as survived, pads the missing rows with zeros and writes a
// fresh IDAT and IEND. Interlaced images are not rebuilt.
func rebuildPNG(data []byte) ([]byte, bool) {
	var (
		head    bytes.Buffer
		idat    []byte
		ihdr    []byte
		seenDAT bool
	)

	for off := len(pngSignature); off+8 <= len(data); {
		length := int(binary.BigEndian.Uint32(data[off:]))
		kind := string(data[off+4 : off+8])
		body := data[off+8:]
		complete := length <= len(body)-4
		if length < len(body) {
			body = body[:length]
		}

		switch {
		case kind == "IDAT":
			seenDAT = true
			idat = append(idat, body...)
		case seenDAT:
			// Nothing after the image data is needed.
		case complete:
			if kind == "IHDR" {
				ihdr = body
			}
			head.Write(data[off : off+12+length])
		}
		if !complete {
			break
		}
		off += 12 + length
	}

	if len(ihdr) < 13 || len(idat) == 0 {
		return nil, false
	}

	expected, ok := pngRawSize(ihdr)
	if !ok {
		return nil, false
	}

	zr, err := zlib.NewReader(bytes.NewReader(idat))
	if err != nil {
		return nil, false
	}
	// A read error is expected here; whatever inflated before it is kept.
	raw, _ := io.ReadAll(io.LimitReader(zr, int64(expected)))
	if len(raw) == 0 {
		return nil, false
	}
	if len(raw) < expected {
		raw = append(raw, make([]byte, expected-len(raw))...)
	}

	var packed bytes.Buffer
	zw, err := zlib.NewWriterLevel(&packed, zlib.BestSpeed)
	if err != nil {
		return nil, false
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}

	out := bytes.NewBuffer(make([]byte, 0, len(pngSignature)+head.Len()+packed.Len()+24))
	out.Write(pngSignature)
	out.Write(head.Bytes())
	writePNGChunk(out, "IDAT", packed.Bytes())
	writePNGChunk(out, "IEND", nil)
	return out.Bytes(), true
}

// pngRawSize is the filtered, uncompressed size of a non-interlaced image.
func pngRawSize(ihdr []byte) (int, bool) {
	width := int64(binary.BigEndian.Uint32(ihdr[0:4]))
	height := int64(binary.BigEndian.Uint32(ihdr[4:8]))
	depth := int64(ihdr[8])
	interlaced := ihdr[12] != 0

	var channels int64
	switch ihdr[9] {
	case 0, 3:
		channels = 1
	case 2:
		channels = 3
	case 4:
		channels = 2
	case 6:
		channels = 4
	default:
		return 0, false
	}
	if interlaced || width == 0 || height == 0 || depth == 0 {
		return 0, false
	}

	rowBytes := (width*channels*depth + 7) / 8
	size := height * (rowBytes + 1)
	if size > maxPNGRepairBytes {
		return 0, false
	}
	return int(size), true
}

func writePNGChunk(w *bytes.Buffer, kind string, body []byte) {
	var header [8]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(body)))
	copy(header[4:], kind)
	w.Write(header[:])
	w.Write(body)

	crc := crc32.NewIEEE()
	crc.Write(header[4:])
	crc.Write(body)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	w.Write(sum[:])
}
