package engine

import (
	"encoding/binary"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

const (
	frameMagic          uint32 = 0xFD2FB528
	skippableFrameMagic uint32 = 0x184D2A50

	blockHeaderSize = 3
	checksumSize    = 4

	// contentChecksumFlag is bit 2 of the frame header descriptor byte.
	contentChecksumFlag = 1 << 2

	blockTypeRaw        = 0
	blockTypeRLE        = 1
	blockTypeCompressed = 2

	// defaultMaxFrameSize bounds how much compressed frame data the
	// walker will accumulate.  This is to prevent OOMs due to
	// untrusted input.
	defaultMaxFrameSize = 128 << 20
)

// Header describes a frame header.
type Header struct {
	// ContentSize is the decompressed size declared by the header.
	// Only meaningful when HasContentSize is set.
	ContentSize    uint64
	HasContentSize bool

	// DictionaryID is the id of the dictionary needed to decode the
	// frame, 0 when none.
	DictionaryID uint32

	WindowSize  uint64
	HasChecksum bool

	// Skippable frames carry application metadata and decode to
	// nothing.  SkippableSize is the body length after the 8 byte
	// header.
	Skippable     bool
	SkippableSize uint32

	// HeaderSize is the byte length of the header itself, magic
	// included.
	HeaderSize int
}

// ParseHeader decodes the frame header at the start of src.  It fails
// when src is too short to hold the complete header or does not start
// with a valid frame magic.
func ParseHeader(src []byte) (Header, error) {
	var zh zstd.Header
	if err := zh.Decode(src); err != nil {
		return Header{}, fmt.Errorf("%w: parsing frame header: %v", ErrEngine, err)
	}
	if zh.Skippable {
		return Header{
			Skippable:     true,
			SkippableSize: zh.SkippableSize,
			HeaderSize:    8,
		}, nil
	}
	return Header{
		ContentSize:    zh.FrameContentSize,
		HasContentSize: zh.HasFCS,
		DictionaryID:   zh.DictionaryID,
		WindowSize:     zh.WindowSize,
		HasChecksum:    zh.HasCheckSum,
		HeaderSize:     zh.HeaderSize,
	}, nil
}

// FrameSpan walks the frame starting at src without decompressing it
// and returns its total compressed length.  complete is false when src
// ends before the frame does; n is then the number of bytes examined.
func FrameSpan(src []byte) (n int, complete bool, err error) {
	w := frameWalker{maxFrameSize: defaultMaxFrameSize}
	n, err = w.feed(src)
	if err != nil {
		return 0, false, err
	}
	return n, w.complete, nil
}

type walkState int

const (
	stateHeader walkState = iota
	stateSkipBody
	stateBlockHeader
	stateBlockBody
	stateChecksum
)

// frameWalker incrementally delimits one frame.  Bytes are fed in
// arbitrary pieces; the walker consumes them only up to the end of the
// current frame and accumulates the frame body for one-shot decoding.
type frameWalker struct {
	state walkState
	buf   []byte // accumulated frame bytes, skippable bodies excluded
	pos   int    // parse position within buf

	hdr       Header
	hdrParsed bool

	skipLeft  int
	blockLeft int
	lastBlock bool

	// dataLen is the frame length up to and excluding the content
	// checksum; set once the last block body has been consumed.
	dataLen int
	dataEnd bool

	complete bool

	maxFrameSize int
}

func (w *frameWalker) reset() {
	*w = frameWalker{maxFrameSize: w.maxFrameSize}
}

// need returns a lower bound on the bytes required to make progress.
func (w *frameWalker) need() int {
	if w.complete {
		return 0
	}
	switch w.state {
	case stateSkipBody:
		return w.skipLeft
	case stateBlockBody:
		return w.blockLeft
	case stateChecksum:
		return w.dataLen + checksumSize - len(w.buf)
	default:
		return 1
	}
}

// take moves up to n bytes from p into buf and returns how many.
func (w *frameWalker) take(p []byte, n int) (int, error) {
	if n > len(p) {
		n = len(p)
	}
	if len(w.buf)+n > w.maxFrameSize {
		return 0, fmt.Errorf("%w: frame exceeds %d bytes", ErrEngine, w.maxFrameSize)
	}
	w.buf = append(w.buf, p[:n]...)
	return n, nil
}

// feed consumes bytes from p until p is exhausted, the frame is
// complete, or the frame is found corrupt.  It never consumes past the
// end of the frame.
func (w *frameWalker) feed(p []byte) (consumed int, err error) {
	for !w.complete {
		switch w.state {
		case stateHeader:
			n, err := w.feedHeader(p[consumed:])
			consumed += n
			if err != nil {
				return consumed, err
			}
			if !w.hdrParsed {
				return consumed, nil // need more header bytes
			}

		case stateSkipBody:
			n := w.skipLeft
			if n > len(p)-consumed {
				n = len(p) - consumed
			}
			w.skipLeft -= n
			consumed += n
			if w.skipLeft > 0 {
				return consumed, nil
			}
			w.complete = true

		case stateBlockHeader:
			short := w.pos + blockHeaderSize - len(w.buf)
			if short > 0 {
				n, err := w.take(p[consumed:], short)
				consumed += n
				if err != nil {
					return consumed, err
				}
				if n < short {
					return consumed, nil
				}
			}
			if err := w.parseBlockHeader(); err != nil {
				return consumed, err
			}

		case stateBlockBody:
			short := w.blockLeft
			n, err := w.take(p[consumed:], short)
			consumed += n
			if err != nil {
				return consumed, err
			}
			w.blockLeft -= n
			if w.blockLeft > 0 {
				return consumed, nil
			}
			w.endBlock()

		case stateChecksum:
			short := w.dataLen + checksumSize - len(w.buf)
			n, err := w.take(p[consumed:], short)
			consumed += n
			if err != nil {
				return consumed, err
			}
			if n < short {
				return consumed, nil
			}
			w.complete = true
		}
	}
	return consumed, nil
}

// feedHeader accumulates bytes one at a time until the frame header
// parses.  Headers are at most zstd.HeaderMaxSize bytes, so the
// byte-at-a-time tail never overshoots into block data.
func (w *frameWalker) feedHeader(p []byte) (consumed int, err error) {
	for !w.hdrParsed {
		if len(w.buf) < 4 {
			n, err := w.take(p[consumed:], 4-len(w.buf))
			consumed += n
			if err != nil {
				return consumed, err
			}
			if len(w.buf) < 4 {
				return consumed, nil
			}
			magic := binary.LittleEndian.Uint32(w.buf)
			if magic != frameMagic && magic&^uint32(0xF) != skippableFrameMagic {
				return consumed, fmt.Errorf("%w: unknown frame magic 0x%08x", ErrEngine, magic)
			}
		}

		hdr, herr := ParseHeader(w.buf)
		if herr != nil {
			if len(w.buf) >= zstd.HeaderMaxSize {
				return consumed, herr
			}
			n, terr := w.take(p[consumed:], 1)
			consumed += n
			if terr != nil {
				return consumed, terr
			}
			if n == 0 {
				return consumed, nil
			}
			continue
		}

		w.hdr = hdr
		w.hdrParsed = true
		if hdr.Skippable {
			w.skipLeft = int(hdr.SkippableSize)
			w.state = stateSkipBody
			// drop the 8 byte skippable header; nothing to decode
			w.buf = w.buf[:0]
			w.pos = 0
			if w.skipLeft == 0 {
				w.complete = true
			}
		} else {
			w.pos = hdr.HeaderSize
			w.state = stateBlockHeader
		}
	}
	return consumed, nil
}

func (w *frameWalker) parseBlockHeader() error {
	v := uint32(w.buf[w.pos]) | uint32(w.buf[w.pos+1])<<8 | uint32(w.buf[w.pos+2])<<16
	w.pos += blockHeaderSize

	w.lastBlock = v&1 != 0
	blockType := (v >> 1) & 3
	size := int(v >> 3)

	switch blockType {
	case blockTypeRaw, blockTypeCompressed:
		w.blockLeft = size
	case blockTypeRLE:
		w.blockLeft = 1
	default:
		return fmt.Errorf("%w: reserved block type", ErrEngine)
	}

	if w.blockLeft == 0 {
		w.endBlock()
	} else {
		w.state = stateBlockBody
	}
	return nil
}

func (w *frameWalker) endBlock() {
	w.pos = len(w.buf)
	if !w.lastBlock {
		w.state = stateBlockHeader
		return
	}
	w.dataLen = len(w.buf)
	w.dataEnd = true
	if w.hdr.HasChecksum {
		w.state = stateChecksum
	} else {
		w.complete = true
	}
}

// decodable returns the frame bytes ready for one-shot decoding.  When
// the frame carries a content checksum the descriptor flag is cleared
// in a copy, so the bytes decode even before the trailing checksum has
// arrived; the checksum is verified separately once present.
func (w *frameWalker) decodable() []byte {
	if !w.hdr.HasChecksum {
		return w.buf[:w.dataLen]
	}
	cp := make([]byte, w.dataLen)
	copy(cp, w.buf[:w.dataLen])
	cp[4] &^= contentChecksumFlag
	return cp
}

// storedChecksum returns the trailing content checksum.  Valid only
// when the frame is complete and declares one.
func (w *frameWalker) storedChecksum() uint32 {
	return binary.LittleEndian.Uint32(w.buf[w.dataLen:])
}
