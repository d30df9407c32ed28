// Package seektable implements the seekable-format seek table: a
// self-describing binary index appended to a stream of compressed
// frames as a final skippable frame, giving random access over an
// otherwise sequential stream.
package seektable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap/zapcore"
)

const (
	/*
		The format consists of a number of frames (compressed frames and skippable frames), followed by a final skippable frame at the end containing the seek table.

		Seek Table Format

		The structure of the seek table frame is as follows:

			|`Skippable_Magic_Number`|`Frame_Size`|`[Seek_Table_Entries]`|`Seek_Table_Footer`|
			|------------------------|------------|----------------------|-------------------|
			| 4 bytes                | 4 bytes    | 8-12 bytes each      | 9 bytes           |

		Skippable_Magic_Number

		Value: 0x184D2A5E.
		This is for compatibility with Zstandard skippable frames.

		Since it is legal for other skippable frames to use the same
		magic number, it is not recommended for a decoder to recognize
		frames solely on this.

		Frame_Size

		The total size of the skippable frame, not including the
		`Skippable_Magic_Number` or `Frame_Size`.
	*/
	skippableFrameMagic uint32 = 0x184D2A50

	seekableMagicNumber uint32 = 0x8F92EAB1

	seekableTag = 0xE

	footerSize = 9

	frameSizeFieldSize            = 4
	skippableMagicNumberFieldSize = 4

	// minimal valid table: skippable header + footer, zero entries
	minTableSize = skippableMagicNumberFieldSize + frameSizeFieldSize + footerSize

	entrySizePlain    = 8
	entrySizeChecksum = 12

	// maxFrames is the number of entries the 32-bit footer field can
	// describe.
	maxFrames = math.MaxUint32
)

// ErrFormat reports seek table bytes that violate the binary layout:
// wrong magic, bad reserved bits, size mismatches, impossible entries.
var ErrFormat = errors.New("seek table format violation")

/*
descriptor is a Go representation of a bitfield.

A bitfield describing the format of the seek table.

	| Bit number | Field name                |
	| ---------- | ----------                |
	| 7          | `Checksum_Flag`           |
	| 6-2        | `Reserved_Bits`           |
	| 1-0        | `Unused_Bits`             |

`Reserved_Bits` are not currently used but may be used in the future
for breaking changes, so a compliant decoder should ensure they are set
to 0.  `Unused_Bits` may be used in the future for non-breaking
changes, so a compliant decoder should not interpret these bits.
*/
type descriptor struct {
	// If the checksum flag is set, each of the seek table entries
	// contains a 4 byte checksum of the uncompressed data contained in
	// its frame.
	ChecksumFlag bool
}

func (d *descriptor) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddBool("ChecksumFlag", d.ChecksumFlag)
	return nil
}

/*
footer is the seek table footer.

The seek table footer format is as follows:

	|`Number_Of_Frames`|`Seek_Table_Descriptor`|`Seekable_Magic_Number`|
	|------------------|-----------------------|-----------------------|
	| 4 bytes          | 1 byte                | 4 bytes               |
*/
type footer struct {
	// The number of stored frames in the data.
	NumberOfFrames uint32
	// A bitfield describing the format of the seek table.
	Descriptor descriptor
	// Value : 0x8F92EAB1.
	SeekableMagicNumber uint32
}

func (f *footer) marshalBinaryInline(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], f.NumberOfFrames)
	dst[4] = 0
	if f.Descriptor.ChecksumFlag {
		dst[4] |= 1 << 7
	}
	binary.LittleEndian.PutUint32(dst[5:], seekableMagicNumber)
}

func (f *footer) MarshalBinary() ([]byte, error) {
	dst := make([]byte, footerSize)
	f.marshalBinaryInline(dst)
	return dst, nil
}

func (f *footer) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint32("NumberOfFrames", f.NumberOfFrames)
	if err := enc.AddObject("Descriptor", &f.Descriptor); err != nil {
		return err
	}
	enc.AddUint32("SeekableMagicNumber", f.SeekableMagicNumber)
	return nil
}

func (f *footer) UnmarshalBinary(p []byte) error {
	if len(p) != footerSize {
		return fmt.Errorf("%w: footer length mismatch %d vs %d", ErrFormat, len(p), footerSize)
	}
	// Check that reserved bits are set to 0.
	reservedBits := (p[4] << 1) >> 3
	if reservedBits != 0 {
		return fmt.Errorf("%w: footer reserved bits %d != 0", ErrFormat, reservedBits)
	}
	f.NumberOfFrames = binary.LittleEndian.Uint32(p[0:])
	f.Descriptor.ChecksumFlag = (p[4] & (1 << 7)) > 0
	f.SeekableMagicNumber = binary.LittleEndian.Uint32(p[5:])
	if f.SeekableMagicNumber != seekableMagicNumber {
		return fmt.Errorf("%w: footer magic mismatch 0x%08x vs 0x%08x",
			ErrFormat, f.SeekableMagicNumber, seekableMagicNumber)
	}
	return nil
}

/*
Entry is an element of the seek table describing one frame of the
stream.

`Seek_Table_Entries` consists of `Number_Of_Frames` (one for each frame
in the data, not including the seek table frame) entries of the
following form, in sequence:

	|`Compressed_Size`|`Decompressed_Size`|`[Checksum]`|
	|-----------------|-------------------|------------|
	| 4 bytes         | 4 bytes           | 4 bytes    |
*/
type Entry struct {
	// The compressed size of the frame.  The cumulative sum of the
	// `Compressed_Size` fields of frames `0` to `i` gives the offset
	// in the compressed file of frame `i+1`.
	CompressedSize uint32
	// The size of the decompressed data contained in the frame.  For
	// skippable or otherwise empty frames, this value is 0.
	DecompressedSize uint32
	// Only present if `Checksum_Flag` is set in the descriptor.
	// Value : the least significant 32 bits of the XXH64 digest of the
	// uncompressed data, stored in little-endian format.
	Checksum uint32
}

func (e *Entry) marshalBinaryInline(dst []byte, withChecksum bool) {
	binary.LittleEndian.PutUint32(dst[0:], e.CompressedSize)
	binary.LittleEndian.PutUint32(dst[4:], e.DecompressedSize)
	if withChecksum {
		binary.LittleEndian.PutUint32(dst[8:], e.Checksum)
	}
}

func (e *Entry) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint32("CompressedSize", e.CompressedSize)
	enc.AddUint32("DecompressedSize", e.DecompressedSize)
	enc.AddUint32("Checksum", e.Checksum)
	return nil
}

func (e *Entry) UnmarshalBinary(p []byte) error {
	if len(p) < entrySizePlain {
		return fmt.Errorf("%w: entry length mismatch %d vs %d", ErrFormat, len(p), entrySizePlain)
	}
	e.CompressedSize = binary.LittleEndian.Uint32(p[0:])
	e.DecompressedSize = binary.LittleEndian.Uint32(p[4:])
	if len(p) >= entrySizeChecksum {
		e.Checksum = binary.LittleEndian.Uint32(p[8:])
	}
	return nil
}

/*
createSkippableFrame returns a payload formatted as a skippable frame.

	| `Magic_Number` | `Frame_Size` | `User_Data` |
	|:--------------:|:------------:|:-----------:|
	|   4 bytes      |  4 bytes     |   n bytes   |

Skippable frames allow the insertion of user-defined metadata into a
flow of concatenated frames.  The `User_Data` can be anything; data
will just be skipped by the decoder.
*/
func createSkippableFrame(tag uint32, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	if tag > 0xf {
		return nil, fmt.Errorf("%w: requested tag (%d) > 0xf", ErrFormat, tag)
	}

	if uint64(len(payload)) > maxFrames {
		return nil, fmt.Errorf("%w: requested skippable frame size (%d) > max uint32",
			ErrFormat, len(payload))
	}

	dst := make([]byte, 8, len(payload)+8)
	binary.LittleEndian.PutUint32(dst[0:], skippableFrameMagic+tag)
	binary.LittleEndian.PutUint32(dst[4:], uint32(len(payload)))
	return append(dst, payload...), nil
}
