package crypto

import (
	"encoding/binary"
	"io"
)

// RecordOverhead is the total overhead added to each encrypted record.
// Length (4) + Nonce (12) + Auth Tag (16) = 32 bytes.
const RecordOverhead = 4 + NonceSize + TagSize

// maxRecordBytes bounds the length prefix a reader will accept, so a
// corrupted prefix cannot trigger an enormous allocation.
const maxRecordBytes = 64 * 1024 * 1024

// streamChunkSize is the plaintext size of records produced by
// StreamWriter. Each record is sealed and authenticated independently.
const streamChunkSize = 64 * 1024

// CryptoWriter writes length-prefixed encrypted records.
type CryptoWriter struct {
	w   io.Writer
	key *EncryptionKey
}

// NewCryptoWriter creates an encrypting record writer.
func NewCryptoWriter(w io.Writer, key *EncryptionKey) *CryptoWriter {
	return &CryptoWriter{w: w, key: key}
}

// WriteRecord seals data and writes it as one record.
// On-disk layout: [length:4][nonce:12][ciphertext][tag:16].
func (cw *CryptoWriter) WriteRecord(data []byte) (int, error) {
	sealed, err := cw.key.Encrypt(data)
	if err != nil {
		return 0, err
	}

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(sealed)))
	if _, err := cw.w.Write(prefix[:]); err != nil {
		return 0, err
	}

	n, err := cw.w.Write(sealed)
	if err != nil {
		return 4, err
	}
	return 4 + n, nil
}

// CryptoReader reads records written by CryptoWriter.
type CryptoReader struct {
	r   io.Reader
	key *EncryptionKey
}

// NewCryptoReader creates a decrypting record reader.
func NewCryptoReader(r io.Reader, key *EncryptionKey) *CryptoReader {
	return &CryptoReader{r: r, key: key}
}

// ReadRecord reads and opens the next record. It returns io.EOF at a
// clean record boundary and io.ErrUnexpectedEOF on a truncated record.
func (cr *CryptoReader) ReadRecord() ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(cr.r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.LittleEndian.Uint32(prefix[:])
	if length > maxRecordBytes {
		return nil, ErrInvalidCiphertext
	}

	sealed := make([]byte, length)
	if _, err := io.ReadFull(cr.r, sealed); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return cr.key.Decrypt(sealed)
}

// StreamWriter adapts record encryption to the io.Writer interface so
// an encryption stage can sit inside a writer pipeline. Data is
// buffered and sealed in fixed-size records; Close flushes the tail.
type StreamWriter struct {
	cw  *CryptoWriter
	buf []byte
	n   int
}

// NewStreamWriter creates a stream writer over w.
func NewStreamWriter(w io.Writer, key *EncryptionKey) *StreamWriter {
	return &StreamWriter{
		cw:  NewCryptoWriter(w, key),
		buf: make([]byte, streamChunkSize),
	}
}

// Write buffers p, sealing and writing full records as they fill.
func (sw *StreamWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		space := len(sw.buf) - sw.n
		if space == 0 {
			if _, err := sw.cw.WriteRecord(sw.buf); err != nil {
				return total, err
			}
			sw.n = 0
			space = len(sw.buf)
		}

		toCopy := len(p)
		if toCopy > space {
			toCopy = space
		}
		copy(sw.buf[sw.n:], p[:toCopy])
		sw.n += toCopy
		p = p[toCopy:]
		total += toCopy
	}
	return total, nil
}

// Close seals and writes any buffered tail. The underlying writer is
// not closed.
func (sw *StreamWriter) Close() error {
	if sw.n == 0 {
		return nil
	}
	_, err := sw.cw.WriteRecord(sw.buf[:sw.n])
	sw.n = 0
	return err
}

// StreamReader adapts record decryption to the io.Reader interface.
// It reads the record stream produced by StreamWriter and serves the
// concatenated plaintext.
type StreamReader struct {
	cr  *CryptoReader
	buf []byte
	pos int
}

// NewStreamReader creates a stream reader over r.
func NewStreamReader(r io.Reader, key *EncryptionKey) *StreamReader {
	return &StreamReader{cr: NewCryptoReader(r, key)}
}

// Read fills p with decrypted data, fetching records as needed.
func (sr *StreamReader) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if sr.pos >= len(sr.buf) {
			record, err := sr.cr.ReadRecord()
			if err != nil {
				if err == io.EOF && total > 0 {
					return total, nil
				}
				return total, err
			}
			sr.buf = record
			sr.pos = 0
		}

		n := copy(p, sr.buf[sr.pos:])
		sr.pos += n
		p = p[n:]
		total += n
	}
	return total, nil
}
