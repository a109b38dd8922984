package srk

// Utility functions common to all srkstore components

import (
	"bytes"
	"crypto/md5"
	"hash"
	"io"
	"os"

	"github.com/pkg/errors"
)

// SpillBuffer holds a payload in memory until it grows past a threshold and
// then moves it to a temporary file. The total size is capped. A SpillBuffer
// must be released with Close on every path once it has been created; Close
// removes the temporary file if one was made.
type SpillBuffer struct {
	dir       string
	threshold int64
	max       int64

	mem  bytes.Buffer
	file *os.File
	size int64
	md5  hash.Hash

	reader io.ReadSeeker
}

// NewSpillBuffer returns a buffer that keeps up to threshold bytes in memory
// and spills into a temporary file in dir (os.TempDir() if empty). max <= 0
// disables the size cap.
func NewSpillBuffer(dir string, threshold, max int64) *SpillBuffer {
	return &SpillBuffer{
		dir:       dir,
		threshold: threshold,
		max:       max,
		md5:       md5.New(),
	}
}

func (b *SpillBuffer) Write(p []byte) (int, error) {
	if b.reader != nil {
		return 0, errors.New("spill buffer is already sealed")
	}
	if b.max > 0 && b.size+int64(len(p)) > b.max {
		return 0, ErrPayloadTooLarge
	}

	if b.file == nil && int64(b.mem.Len()+len(p)) > b.threshold {
		if err := b.spill(); err != nil {
			return 0, err
		}
	}

	var n int
	var err error
	if b.file != nil {
		n, err = b.file.Write(p)
	} else {
		n, err = b.mem.Write(p)
	}
	b.md5.Write(p[:n])
	b.size += int64(n)
	return n, err
}

func (b *SpillBuffer) spill() error {
	f, err := os.CreateTemp(b.dir, "srkstore-spill-*")
	if err != nil {
		return errors.Wrap(err, "Failed to create spill file")
	}
	if _, err := f.Write(b.mem.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return errors.Wrap(err, "Failed to write spill file")
	}
	b.mem.Reset()
	b.file = f
	return nil
}

// ReadFrom copies r into the buffer. It fails with ErrPayloadTooLarge as soon
// as the cap is crossed rather than after reading all of r.
func (b *SpillBuffer) ReadFrom(r io.Reader) (int64, error) {
	return io.Copy(struct{ io.Writer }{b}, r)
}

// Reader seals the buffer and returns a reader positioned at the start of
// the payload. Further writes fail.
func (b *SpillBuffer) Reader() (io.ReadSeeker, error) {
	if b.reader == nil {
		if b.file != nil {
			b.reader = b.file
		} else {
			b.reader = bytes.NewReader(b.mem.Bytes())
		}
	}
	if _, err := b.reader.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "Failed to rewind spill buffer")
	}
	return b.reader, nil
}

// Read reads from the sealed payload, sealing it on first use.
func (b *SpillBuffer) Read(p []byte) (int, error) {
	if b.reader == nil {
		if _, err := b.Reader(); err != nil {
			return 0, err
		}
	}
	return b.reader.Read(p)
}

// Seek repositions a sealed payload, sealing it on first use.
func (b *SpillBuffer) Seek(offset int64, whence int) (int64, error) {
	if b.reader == nil {
		if _, err := b.Reader(); err != nil {
			return 0, err
		}
	}
	return b.reader.Seek(offset, whence)
}

func (b *SpillBuffer) Size() int64 { return b.size }

// MD5 is the digest of everything written so far.
func (b *SpillBuffer) MD5() []byte { return b.md5.Sum(nil) }

// Spilled reports whether the payload lives in a temporary file.
func (b *SpillBuffer) Spilled() bool { return b.file != nil }

// File returns the backing temporary file, or nil while the payload is in
// memory.
func (b *SpillBuffer) File() *os.File { return b.file }

// Close releases the buffer. It is safe to call more than once.
func (b *SpillBuffer) Close() error {
	b.mem = bytes.Buffer{}
	b.reader = nil
	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	cerr := b.file.Close()
	b.file = nil
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "Failed to remove spill file "+name)
	}
	if cerr != nil && !errors.Is(cerr, os.ErrClosed) {
		return cerr
	}
	return nil
}
