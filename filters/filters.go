// Package filters implements the stream codecs the transformation pipeline
// touches: FlateDecode with PNG predictor columns, ASCIIHexDecode, and the
// Flate encode side used for newly written streams.
package filters

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// Params carries the decode parameters relevant to Flate prediction.
type Params struct {
	Predictor        int
	Colors           int
	BitsPerComponent int
	Columns          int
}

// Decode applies a single named filter to data.
func Decode(name string, data []byte, p Params) ([]byte, error) {
	switch name {
	case "FlateDecode", "Fl":
		return flateDecode(data, p)
	case "ASCIIHexDecode", "AHx":
		return asciiHexDecode(data)
	default:
		return nil, fmt.Errorf("unsupported filter %q", name)
	}
}

// DecodeChain applies filters left to right, the order they appear in a
// /Filter array.
func DecodeChain(names []string, data []byte, p Params) ([]byte, error) {
	var err error
	for _, n := range names {
		data, err = Decode(n, data, p)
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", n, err)
		}
	}
	return data, nil
}

// FlateEncode compresses data for a new FlateDecode stream.
func FlateEncode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func flateDecode(data []byte, p Params) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("zlib: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil && len(out) == 0 {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	if p.Predictor <= 1 {
		return out, nil
	}
	return applyPredictor(out, p)
}

// applyPredictor reverses PNG row prediction (predictors 10..15). Predictor 2
// is TIFF horizontal differencing, only the 8-bit case is handled.
func applyPredictor(data []byte, p Params) ([]byte, error) {
	colors := p.Colors
	if colors == 0 {
		colors = 1
	}
	bpc := p.BitsPerComponent
	if bpc == 0 {
		bpc = 8
	}
	columns := p.Columns
	if columns == 0 {
		columns = 1
	}
	bpp := (colors*bpc + 7) / 8
	rowLen := (colors*bpc*columns + 7) / 8

	if p.Predictor == 2 {
		if bpc != 8 {
			return nil, fmt.Errorf("TIFF predictor with %d bits per component unsupported", bpc)
		}
		for r := 0; r+rowLen <= len(data); r += rowLen {
			for i := bpp; i < rowLen; i++ {
				data[r+i] += data[r+i-bpp]
			}
		}
		return data, nil
	}
	if p.Predictor < 10 || p.Predictor > 15 {
		return nil, fmt.Errorf("unsupported predictor %d", p.Predictor)
	}

	// PNG rows carry a per-row filter-type byte before rowLen data bytes.
	stride := rowLen + 1
	if len(data)%stride != 0 {
		return nil, fmt.Errorf("predicted data length %d not a multiple of row stride %d", len(data), stride)
	}
	rows := len(data) / stride
	out := make([]byte, 0, rows*rowLen)
	prev := make([]byte, rowLen)
	cur := make([]byte, rowLen)
	for r := 0; r < rows; r++ {
		ft := data[r*stride]
		copy(cur, data[r*stride+1:(r+1)*stride])
		switch ft {
		case 0: // None
		case 1: // Sub
			for i := bpp; i < rowLen; i++ {
				cur[i] += cur[i-bpp]
			}
		case 2: // Up
			for i := 0; i < rowLen; i++ {
				cur[i] += prev[i]
			}
		case 3: // Average
			for i := 0; i < rowLen; i++ {
				left := 0
				if i >= bpp {
					left = int(cur[i-bpp])
				}
				cur[i] += byte((left + int(prev[i])) / 2)
			}
		case 4: // Paeth
			for i := 0; i < rowLen; i++ {
				var left, upLeft byte
				if i >= bpp {
					left = cur[i-bpp]
					upLeft = prev[i-bpp]
				}
				cur[i] += paeth(left, prev[i], upLeft)
			}
		default:
			return nil, fmt.Errorf("invalid PNG filter type %d", ft)
		}
		out = append(out, cur...)
		prev, cur = cur, prev
	}
	return out, nil
}

func paeth(a, b, c byte) byte {
	p := int(a) + int(b) - int(c)
	pa, pb, pc := abs(p-int(a)), abs(p-int(b)), abs(p-int(c))
	if pa <= pb && pa <= pc {
		return a
	}
	if pb <= pc {
		return b
	}
	return c
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func asciiHexDecode(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data)/2)
	var hi byte
	haveHi := false
	for _, c := range data {
		switch {
		case c == '>':
			if haveHi {
				out = append(out, hi<<4)
			}
			return out, nil
		case isHexWhitespace(c):
			continue
		}
		v, ok := hexValue(c)
		if !ok {
			return nil, fmt.Errorf("invalid hex digit %q", c)
		}
		if haveHi {
			out = append(out, hi<<4|v)
			haveHi = false
		} else {
			hi = v
			haveHi = true
		}
	}
	if haveHi {
		out = append(out, hi<<4)
	}
	return out, nil
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

func isHexWhitespace(c byte) bool {
	return c == 0x00 || c == 0x09 || c == 0x0A || c == 0x0C || c == 0x0D || c == 0x20
}
