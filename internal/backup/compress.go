package backup

import (
	"encoding/binary"
	"io"
)

// Compression constants for the LZ4-style block codec.
const (
	// minMatch is the shortest back-reference worth encoding.
	minMatch = 4

	// maxOffset is the farthest back a match may reach (16-bit).
	maxOffset = 65535

	// hashBits sizes the match-finder hash table.
	hashBits  = 14
	hashSlots = 1 << hashBits

	// compressBlockSize is the plaintext size of each block.
	compressBlockSize = 64 * 1024
)

// CompressWriter buffers data into fixed-size blocks and writes each
// block compressed. Blocks that do not shrink are stored raw, signalled
// by storedSize == originalSize in the block header.
//
// Block layout: [originalSize:4][storedSize:4][payload]. The stream
// ends with a zero/zero marker block.
type CompressWriter struct {
	w          io.Writer
	buffer     []byte
	bufferPos  int
	hashTable  []int32
	written    int64
	totalInput int64
	closed     bool
}

// NewCompressWriter creates a compression writer over w.
func NewCompressWriter(w io.Writer) *CompressWriter {
	return &CompressWriter{
		w:         w,
		buffer:    make([]byte, compressBlockSize),
		hashTable: make([]int32, hashSlots),
	}
}

// Write buffers p, flushing full blocks as they fill.
func (cw *CompressWriter) Write(p []byte) (n int, err error) {
	if cw.closed {
		return 0, io.ErrClosedPipe
	}

	total := 0
	for len(p) > 0 {
		space := len(cw.buffer) - cw.bufferPos
		if space == 0 {
			if err := cw.flushBlock(); err != nil {
				return total, err
			}
			space = len(cw.buffer)
		}

		toCopy := len(p)
		if toCopy > space {
			toCopy = space
		}
		copy(cw.buffer[cw.bufferPos:], p[:toCopy])
		cw.bufferPos += toCopy
		cw.totalInput += int64(toCopy)
		p = p[toCopy:]
		total += toCopy
	}
	return total, nil
}

// flushBlock compresses and writes the buffered block.
func (cw *CompressWriter) flushBlock() error {
	if cw.bufferPos == 0 {
		return nil
	}

	src := cw.buffer[:cw.bufferPos]
	payload := compressBlock(cw.hashTable, src)
	if len(payload) >= len(src) {
		// Incompressible block, store raw.
		payload = src
	}

	var header [8]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(src)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(payload)))
	if _, err := cw.w.Write(header[:]); err != nil {
		return err
	}
	if _, err := cw.w.Write(payload); err != nil {
		return err
	}
	cw.written += 8 + int64(len(payload))
	cw.bufferPos = 0

	// Match positions are block-relative, reset between blocks.
	for i := range cw.hashTable {
		cw.hashTable[i] = 0
	}
	return nil
}

// Close flushes the final block and writes the end marker. The
// underlying writer is not closed.
func (cw *CompressWriter) Close() error {
	if cw.closed {
		return nil
	}
	cw.closed = true

	if err := cw.flushBlock(); err != nil {
		return err
	}

	var endMarker [8]byte
	if _, err := cw.w.Write(endMarker[:]); err != nil {
		return err
	}
	cw.written += 8
	return nil
}

// Written returns the total compressed bytes written.
func (cw *CompressWriter) Written() int64 {
	return cw.written
}

// TotalInput returns the total uncompressed bytes received.
func (cw *CompressWriter) TotalInput() int64 {
	return cw.totalInput
}

// hash4 maps the 4 bytes at src[pos:] to a hash table slot.
func hash4(src []byte, pos int) int {
	v := binary.LittleEndian.Uint32(src[pos:])
	return int((v * 2654435761) >> (32 - hashBits) & (hashSlots - 1))
}

// compressBlock encodes src as a token stream. Each token packs a
// literal run length (high nibble) and a match length (low nibble),
// with 255-chained extension bytes for lengths of 15 and up. Matches
// reference earlier output through a 16-bit offset.
func compressBlock(hashTable []int32, src []byte) []byte {
	if len(src) < minMatch+1 {
		return encodeLiterals(nil, src)
	}

	dst := make([]byte, 0, len(src))
	srcPos := 0
	literalStart := 0

	for srcPos < len(src)-minMatch {
		slot := hash4(src, srcPos)
		matchPos := int(hashTable[slot])
		hashTable[slot] = int32(srcPos)

		if matchPos > 0 && srcPos-matchPos <= maxOffset {
			matchLen := matchLength(src, matchPos, srcPos)
			if matchLen >= minMatch {
				dst = encodeLiteralsAndMatch(dst, src[literalStart:srcPos], srcPos-matchPos, matchLen)
				srcPos += matchLen
				literalStart = srcPos
				continue
			}
		}
		srcPos++
	}

	if literalStart < len(src) {
		dst = encodeLiterals(dst, src[literalStart:])
	}
	return dst
}

// matchLength counts matching bytes between the history at matchPos and
// the current position.
func matchLength(src []byte, matchPos, srcPos int) int {
	maxLen := len(src) - srcPos
	length := 0
	for length < maxLen && src[matchPos+length] == src[srcPos+length] {
		length++
	}
	return length
}

// appendLength writes a 15-and-up length as 255-chained extension bytes.
func appendLength(dst []byte, remaining int) []byte {
	for remaining >= 255 {
		dst = append(dst, 255)
		remaining -= 255
	}
	return append(dst, byte(remaining))
}

// encodeLiteralsAndMatch encodes a literal run followed by a match.
func encodeLiteralsAndMatch(dst, literals []byte, offset, matchLen int) []byte {
	literalLen := len(literals)
	matchCode := matchLen - minMatch

	token := byte(0)
	if literalLen >= 15 {
		token = 0xF0
	} else {
		token = byte(literalLen << 4)
	}
	if matchCode >= 15 {
		token |= 0x0F
	} else {
		token |= byte(matchCode)
	}
	dst = append(dst, token)

	if literalLen >= 15 {
		dst = appendLength(dst, literalLen-15)
	}
	dst = append(dst, literals...)

	dst = append(dst, byte(offset), byte(offset>>8))

	if matchCode >= 15 {
		dst = appendLength(dst, matchCode-15)
	}
	return dst
}

// encodeLiterals encodes a trailing literal run with no match.
func encodeLiterals(dst, literals []byte) []byte {
	literalLen := len(literals)
	if literalLen == 0 {
		return dst
	}

	token := byte(0)
	if literalLen >= 15 {
		token = 0xF0
	} else {
		token = byte(literalLen << 4)
	}
	dst = append(dst, token)

	if literalLen >= 15 {
		dst = appendLength(dst, literalLen-15)
	}
	return append(dst, literals...)
}

// DecompressReader reads the block stream produced by CompressWriter.
type DecompressReader struct {
	r         io.Reader
	buffer    []byte
	bufferPos int
	totalRead int64
	eof       bool
}

// NewDecompressReader creates a decompression reader over r.
func NewDecompressReader(r io.Reader) *DecompressReader {
	return &DecompressReader{r: r}
}

// Read serves decompressed data, fetching blocks as needed.
func (dr *DecompressReader) Read(p []byte) (n int, err error) {
	if dr.eof && dr.bufferPos >= len(dr.buffer) {
		return 0, io.EOF
	}

	total := 0
	for len(p) > 0 {
		if dr.bufferPos >= len(dr.buffer) {
			if err := dr.readBlock(); err != nil {
				if err == io.EOF {
					dr.eof = true
					if total > 0 {
						return total, nil
					}
					return 0, io.EOF
				}
				return total, err
			}
		}

		n := copy(p, dr.buffer[dr.bufferPos:])
		dr.bufferPos += n
		p = p[n:]
		total += n
	}
	return total, nil
}

// readBlock reads and decodes the next block.
func (dr *DecompressReader) readBlock() error {
	var header [8]byte
	if _, err := io.ReadFull(dr.r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return ErrBackupCorrupted
		}
		return err
	}

	originalSize := binary.LittleEndian.Uint32(header[0:4])
	storedSize := binary.LittleEndian.Uint32(header[4:8])

	// End marker
	if originalSize == 0 && storedSize == 0 {
		return io.EOF
	}
	if originalSize > compressBlockSize || storedSize > originalSize {
		return ErrBackupCorrupted
	}

	payload := make([]byte, storedSize)
	if _, err := io.ReadFull(dr.r, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrBackupCorrupted
		}
		return err
	}

	if storedSize == originalSize {
		// Raw block
		dr.buffer = payload
	} else {
		block, err := decompressBlock(payload, int(originalSize))
		if err != nil {
			return err
		}
		dr.buffer = block
	}
	dr.bufferPos = 0
	dr.totalRead += int64(len(dr.buffer))
	return nil
}

// decompressBlock decodes one compressed block and verifies it yields
// exactly originalSize bytes.
func decompressBlock(src []byte, originalSize int) ([]byte, error) {
	dst := make([]byte, 0, originalSize)
	srcPos := 0

	for srcPos < len(src) {
		token := src[srcPos]
		srcPos++

		literalLen := int(token >> 4)
		if literalLen == 15 {
			for {
				if srcPos >= len(src) {
					return nil, ErrBackupCorrupted
				}
				extra := int(src[srcPos])
				srcPos++
				literalLen += extra
				if extra != 255 {
					break
				}
			}
		}

		if literalLen > 0 {
			if srcPos+literalLen > len(src) || len(dst)+literalLen > originalSize {
				return nil, ErrBackupCorrupted
			}
			dst = append(dst, src[srcPos:srcPos+literalLen]...)
			srcPos += literalLen
		}

		// A trailing literal run has no match part.
		if srcPos >= len(src) {
			break
		}

		if srcPos+2 > len(src) {
			return nil, ErrBackupCorrupted
		}
		offset := int(src[srcPos]) | int(src[srcPos+1])<<8
		srcPos += 2

		matchLen := int(token & 0x0F)
		if matchLen == 15 {
			for {
				if srcPos >= len(src) {
					return nil, ErrBackupCorrupted
				}
				extra := int(src[srcPos])
				srcPos++
				matchLen += extra
				if extra != 255 {
					break
				}
			}
		}
		matchLen += minMatch

		if offset <= 0 || offset > len(dst) || len(dst)+matchLen > originalSize {
			return nil, ErrBackupCorrupted
		}

		// Byte-at-a-time copy: matches may overlap their own output.
		matchStart := len(dst) - offset
		for i := 0; i < matchLen; i++ {
			dst = append(dst, dst[matchStart+i])
		}
	}

	if len(dst) != originalSize {
		return nil, ErrBackupCorrupted
	}
	return dst, nil
}

// TotalRead returns the total decompressed bytes served.
func (dr *DecompressReader) TotalRead() int64 {
	return dr.totalRead
}
