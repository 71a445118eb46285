package crypto

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func testKey(t *testing.T) *EncryptionKey {
	t.Helper()
	raw, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	key, err := NewEncryptionKey(raw)
	if err != nil {
		t.Fatalf("NewEncryptionKey() error = %v", err)
	}
	return key
}

func TestRecordRoundTrip(t *testing.T) {
	key := testKey(t)
	var buf bytes.Buffer

	cw := NewCryptoWriter(&buf, key)
	records := [][]byte{
		[]byte("first"),
		[]byte("second record, somewhat longer"),
		{},
		[]byte("last"),
	}
	for _, rec := range records {
		n, err := cw.WriteRecord(rec)
		if err != nil {
			t.Fatalf("WriteRecord() error = %v", err)
		}
		if want := len(rec) + RecordOverhead; n != want {
			t.Errorf("WriteRecord() wrote %d bytes, want %d", n, want)
		}
	}

	cr := NewCryptoReader(&buf, key)
	for i, want := range records {
		got, err := cr.ReadRecord()
		if err != nil {
			t.Fatalf("ReadRecord() #%d error = %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("ReadRecord() #%d = %q, want %q", i, got, want)
		}
	}

	if _, err := cr.ReadRecord(); err != io.EOF {
		t.Errorf("ReadRecord() past end error = %v, want io.EOF", err)
	}
}

func TestRecordTruncated(t *testing.T) {
	key := testKey(t)
	var buf bytes.Buffer

	cw := NewCryptoWriter(&buf, key)
	if _, err := cw.WriteRecord([]byte("record that will be cut short")); err != nil {
		t.Fatalf("WriteRecord() error = %v", err)
	}

	cut := buf.Bytes()[:buf.Len()-5]
	cr := NewCryptoReader(bytes.NewReader(cut), key)
	if _, err := cr.ReadRecord(); err != io.ErrUnexpectedEOF {
		t.Errorf("ReadRecord() truncated error = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestRecordWrongKey(t *testing.T) {
	var buf bytes.Buffer
	cw := NewCryptoWriter(&buf, testKey(t))
	if _, err := cw.WriteRecord([]byte("secret")); err != nil {
		t.Fatalf("WriteRecord() error = %v", err)
	}

	cr := NewCryptoReader(&buf, testKey(t))
	if _, err := cr.ReadRecord(); err != ErrDecryptFailed {
		t.Errorf("ReadRecord() with wrong key error = %v, want %v", err, ErrDecryptFailed)
	}
}

func TestRecordOversizePrefix(t *testing.T) {
	var buf bytes.Buffer
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], maxRecordBytes+1)
	buf.Write(prefix[:])

	cr := NewCryptoReader(&buf, testKey(t))
	if _, err := cr.ReadRecord(); err != ErrInvalidCiphertext {
		t.Errorf("ReadRecord() oversize prefix error = %v, want %v", err, ErrInvalidCiphertext)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	key := testKey(t)

	// Spans multiple records plus a partial tail
	plaintext := make([]byte, streamChunkSize*3+123)
	for i := range plaintext {
		plaintext[i] = byte(i * 31)
	}

	var buf bytes.Buffer
	sw := NewStreamWriter(&buf, key)
	if _, err := sw.Write(plaintext); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := sw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	got, err := io.ReadAll(NewStreamReader(&buf, key))
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("stream round trip mismatch: got %d bytes, want %d", len(got), len(plaintext))
	}
}

func TestStreamSmallReads(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("short stream read in little pieces")

	var buf bytes.Buffer
	sw := NewStreamWriter(&buf, key)
	if _, err := sw.Write(plaintext); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if err := sw.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	sr := NewStreamReader(&buf, key)
	var got []byte
	chunk := make([]byte, 7)
	for {
		n, err := sr.Read(chunk)
		got = append(got, chunk[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("small reads = %q, want %q", got, plaintext)
	}
}
