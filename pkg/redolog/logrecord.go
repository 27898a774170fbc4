package redolog

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/dr0pdb/icecanedtm/internal/common"
	log "github.com/sirupsen/logrus"
)

// The log record format details can be found at the below link.
// https://github.com/google/leveldb/blob/master/doc/log_format.md
//
// A record is split into chunks that never cross a 32KiB block boundary.
// Every chunk starts with a 7 byte header: checksum (4), payload length (2), chunk type (1).
// The checksum is a CRC-32C over the chunk type and the payload.
const (
	blockSize  = 32 * 1024
	headerSize = 7
)

const (
	zeroChunkType = iota
	fullChunkType
	firstChunkType
	middleChunkType
	lastChunkType
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// flusher is implemented by writers which buffer.
type flusher interface {
	Flush() error
}

type logRecordWriter struct {
	// w is the writer that logRecordWriter writes to
	w io.Writer

	// seq is the sequence number of the current record.
	seq int

	// buffer
	buf [blockSize]byte

	// buf[lo:hi] is the current chunk position including the header
	lo, hi int

	// buf[:sofar] has been written to w. can be stale if flush hasn't been called.
	sofar int

	// blockNumber is the block that is currently stored in buf
	blockNumber int64

	// pending indicates if there is a chunk that is yet to written but is buffered.
	pending bool

	// first indicates if the current chunk is the first chunk of the record.
	first bool

	// err is any error encountered during any log record writer operation.
	err error
}

// newLogRecordWriter creates a new log record writer. w must be positioned at a block boundary.
func newLogRecordWriter(w io.Writer) *logRecordWriter {
	return &logRecordWriter{
		w: w,
	}
}

// fillHeaders fill the header entry in the buffer for the current chunk.
func (lrw *logRecordWriter) fillHeaders(lastChunk bool) {
	if lrw.err != nil {
		log.WithFields(log.Fields{"error": lrw.err.Error()}).Error("redolog::logrecord::fillHeaders; existing background error found in the log record writer.")
		return
	}

	if lrw.lo+headerSize > lrw.hi || lrw.hi > blockSize {
		log.WithFields(log.Fields{"lo": lrw.lo, "hi": lrw.hi}).Error("redolog::logrecord::fillHeaders; inconsistent state found.")
		panic("redolog::logrecord::logrecordwriter; inconsistent state found")
	}

	if lastChunk {
		if lrw.first {
			lrw.buf[lrw.lo+6] = fullChunkType
		} else {
			lrw.buf[lrw.lo+6] = lastChunkType
		}
	} else {
		if lrw.first {
			lrw.buf[lrw.lo+6] = firstChunkType
		} else {
			lrw.buf[lrw.lo+6] = middleChunkType
		}
	}

	binary.LittleEndian.PutUint32(lrw.buf[lrw.lo:lrw.lo+4], crc32.Checksum(lrw.buf[lrw.lo+6:lrw.hi], crcTable))
	binary.LittleEndian.PutUint16(lrw.buf[lrw.lo+4:lrw.lo+6], uint16(lrw.hi-lrw.lo-headerSize))
}

// writePending writes the buffered but unwritten part of the current block.
func (lrw *logRecordWriter) writePending() {
	if lrw.err != nil {
		return
	}
	if lrw.pending {
		lrw.fillHeaders(true)
		lrw.pending = false
	}
	_, lrw.err = lrw.w.Write(lrw.buf[lrw.sofar:lrw.hi])
	lrw.sofar = lrw.hi
}

func (lrw *logRecordWriter) writeBlock() {
	_, lrw.err = lrw.w.Write(lrw.buf[lrw.sofar:])
	lrw.lo = 0
	lrw.hi = headerSize
	lrw.sofar = 0
	lrw.blockNumber++
}

// flush finishes the current record and hands every buffered byte to the underlying writer.
func (lrw *logRecordWriter) flush() error {
	lrw.seq++
	lrw.writePending()
	if lrw.err != nil {
		return lrw.err
	}
	if f, ok := lrw.w.(flusher); ok {
		lrw.err = f.Flush()
	}
	return lrw.err
}

// next returns a io.Writer for the next record.
func (lrw *logRecordWriter) next() (io.Writer, error) {
	lrw.seq++
	if lrw.err != nil {
		log.WithFields(log.Fields{"error": lrw.err.Error()}).Error("redolog::logrecord::next; existing background error found in the log record writer.")
		return nil, lrw.err
	}

	if lrw.pending {
		lrw.fillHeaders(true)
	}

	// move pointers for the next chunk headers
	lrw.lo = lrw.hi
	lrw.hi = lrw.hi + headerSize

	// check if there is enough size to fit in at least the header.
	if lrw.hi > blockSize {
		// fill the rest with zeroes
		for x := lrw.lo; x < blockSize; x++ {
			lrw.buf[x] = 0
		}

		lrw.writeBlock()

		if lrw.err != nil {
			log.WithFields(log.Fields{"error": lrw.err.Error()}).Error("redolog::logrecord::next; error in writing the block.")
			return nil, lrw.err
		}
	}

	lrw.first = true
	lrw.pending = true
	return singleLogRecordWriter{lrw, lrw.seq}, nil
}

func (lrw *logRecordWriter) close() error {
	lrw.seq++
	lrw.writePending()
	return lrw.err
}

type singleLogRecordWriter struct {
	w   *logRecordWriter
	seq int
}

// Write writes a slice of byte to the writer by splitting it into blocks of blocksize.
func (slrw singleLogRecordWriter) Write(p []byte) (int, error) {
	w := slrw.w

	if w.seq != slrw.seq {
		return 0, common.NewStaleLogRecordWriterError("Stale Log Record Writer state")
	}

	if w.err != nil {
		return 0, w.err
	}

	tot := len(p)
	for len(p) > 0 {
		// write if full
		if w.hi == blockSize {
			w.fillHeaders(false)
			w.writeBlock()

			if w.err != nil {
				return 0, w.err
			}

			w.first = false
		}

		n := copy(w.buf[w.hi:], p)
		w.hi += n
		p = p[n:]
	}

	return tot, nil
}

// logRecordReader reads records written by logRecordWriter.
type logRecordReader struct {
	r   io.Reader
	seq int
	buf [blockSize]byte

	// buf[lo:hi] is the unread payload of the current chunk. buf[:n] holds the current block.
	lo, hi, n int

	// started is set once the first chunk has been read.
	started bool

	// last is set when the current chunk is the last one of its record.
	last bool

	err error
}

func newLogRecordReader(r io.Reader) *logRecordReader {
	return &logRecordReader{r: r}
}

// nextChunk moves to the next chunk, reading a new block when the current one is used up.
// A record cut short by the end of the file returns io.ErrUnexpectedEOF.
func (lrr *logRecordReader) nextChunk(wantFirst bool) error {
	for {
		if lrr.hi+headerSize <= lrr.n {
			checksum := binary.LittleEndian.Uint32(lrr.buf[lrr.hi : lrr.hi+4])
			length := binary.LittleEndian.Uint16(lrr.buf[lrr.hi+4 : lrr.hi+6])
			chunkType := lrr.buf[lrr.hi+6]

			if checksum == 0 && length == 0 && chunkType == zeroChunkType {
				return common.NewCorruptLogError("redolog: zeroed chunk header")
			}

			lrr.lo = lrr.hi + headerSize
			lrr.hi = lrr.hi + headerSize + int(length)
			if lrr.hi > lrr.n {
				if lrr.n < blockSize {
					return io.ErrUnexpectedEOF
				}
				return common.NewCorruptLogError("redolog: chunk length overflows block")
			}
			if checksum != crc32.Checksum(lrr.buf[lrr.lo-1:lrr.hi], crcTable) {
				return common.NewCorruptLogError("redolog: chunk checksum mismatch")
			}
			if wantFirst && chunkType != fullChunkType && chunkType != firstChunkType {
				continue
			}
			lrr.last = chunkType == fullChunkType || chunkType == lastChunkType
			return nil
		}

		if lrr.n < blockSize && lrr.started {
			if lrr.hi != lrr.n {
				return io.ErrUnexpectedEOF
			}
			return io.EOF
		}

		n, err := io.ReadFull(lrr.r, lrr.buf[:])
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		lrr.lo, lrr.hi, lrr.n = 0, 0, n
		lrr.started = true
	}
}

// next returns a reader for the next record. io.EOF marks a clean end of the log.
func (lrr *logRecordReader) next() (io.Reader, error) {
	lrr.seq++
	if lrr.err != nil {
		return nil, lrr.err
	}
	lrr.lo = lrr.hi
	lrr.err = lrr.nextChunk(true)
	if lrr.err != nil {
		return nil, lrr.err
	}
	return singleLogRecordReader{lrr, lrr.seq}, nil
}

type singleLogRecordReader struct {
	r   *logRecordReader
	seq int
}

func (slrr singleLogRecordReader) Read(p []byte) (int, error) {
	r := slrr.r
	if r.seq != slrr.seq {
		return 0, common.NewStaleLogRecordWriterError("Stale Log Record Reader state")
	}
	if r.err != nil {
		return 0, r.err
	}
	for r.lo == r.hi {
		if r.last {
			return 0, io.EOF
		}
		if r.err = r.nextChunk(false); r.err != nil {
			return 0, r.err
		}
	}
	n := copy(p, r.buf[r.lo:r.hi])
	r.lo += n
	return n, nil
}
