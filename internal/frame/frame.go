// Package frame implements the device's IQ sample framing: a fixed 16-byte
// header carrying a 62-bit sample timestamp, followed by interleaved
// signed 12-bit IQ stored as little-endian 16-bit words (spec §4.5, §6.1).
package frame

import (
	"encoding/binary"

	"github.com/wk3x/hsdr/internal/radioerr"
)

const (
	HeaderMagic    uint32 = 0xdeadbeef
	HeaderTrailer  uint32 = 0xffffffff
	HeaderSize     int    = 16
	bytesPerSample int    = 4 // I + Q, 2 bytes each

	// SampleMax is the module-wide 12-bit signed clamp used throughout the
	// TX energize step and RX descale (spec GLOSSARY "sample energize").
	SampleMax = 2047

	tsMask62 uint64 = (1 << 62) - 1
)

// SamplesPerBuffer is fixed by USB speed class per spec §4.5.
func SamplesPerBuffer(superSpeed bool) int {
	if superSpeed {
		return 508
	}
	return 252
}

// Header is the 16-byte frame header, wire-identical to spec §6.1:
// {0xdeadbeef, ts_low<<1 (LE), ts_high (LE), 0xffffffff}, where the two
// middle words are the low and high halves of the 64-bit value ts<<1.
type Header struct {
	Timestamp uint64 // 62-bit sample counter
}

// Encode packs h into the first HeaderSize bytes of dst.
func (h Header) Encode(dst []byte) {
	ts := h.Timestamp & tsMask62
	tsLow := uint32(ts & 0xffffffff)
	tsHigh := uint32(ts >> 31)
	binary.LittleEndian.PutUint32(dst[0:4], HeaderMagic)
	binary.LittleEndian.PutUint32(dst[4:8], tsLow<<1)
	binary.LittleEndian.PutUint32(dst[8:12], tsHigh)
	binary.LittleEndian.PutUint32(dst[12:16], HeaderTrailer)
}

// Decode unpacks a Header from src, validating the magic/trailer markers.
func Decode(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, radioerr.New(radioerr.ParserErr, "frame header truncated")
	}
	magic := binary.LittleEndian.Uint32(src[0:4])
	trailer := binary.LittleEndian.Uint32(src[12:16])
	if magic != HeaderMagic || trailer != HeaderTrailer {
		return Header{}, radioerr.New(radioerr.ParserErr, "frame header magic/trailer mismatch")
	}
	tsLowShifted := binary.LittleEndian.Uint32(src[4:8])
	tsHigh := binary.LittleEndian.Uint32(src[8:12])
	ts := ((uint64(tsHigh) << 32) | uint64(tsLowShifted)) >> 1
	return Header{Timestamp: ts & tsMask62}, nil
}

// Buffer is one fixed-size device frame: header plus samplesPerBuffer IQ
// pairs, stored contiguously the way the teacher's mixed-layout IO buffers
// are (§9 design note: typed frame with header()/samples() accessors
// instead of relying on memory layout).
type Buffer struct {
	samplesPerBuffer int
	raw              []byte
}

// NewBuffer allocates a zeroed frame sized for samplesPerBuffer IQ pairs.
func NewBuffer(samplesPerBuffer int) *Buffer {
	return &Buffer{
		samplesPerBuffer: samplesPerBuffer,
		raw:              make([]byte, HeaderSize+samplesPerBuffer*bytesPerSample),
	}
}

func (b *Buffer) Bytes() []byte { return b.raw }
func (b *Buffer) SamplesPerBuffer() int { return b.samplesPerBuffer }

func (b *Buffer) Header() (Header, error) { return Decode(b.raw) }

func (b *Buffer) SetHeader(h Header) { h.Encode(b.raw) }

// body is the IQ payload following the header.
func (b *Buffer) body() []byte { return b.raw[HeaderSize:] }

// SetIQ writes one signed 12-bit (clamped to ±SampleMax) IQ pair at sample
// index i, little-endian, sign-extended on the wire by two's complement.
func (b *Buffer) SetIQ(i int, iVal, qVal int32) {
	off := i * bytesPerSample
	binary.LittleEndian.PutUint16(b.body()[off:off+2], uint16(int16(clamp12(iVal))))
	binary.LittleEndian.PutUint16(b.body()[off+2:off+4], uint16(int16(clamp12(qVal))))
}

// IQ reads back the signed 12-bit IQ pair at sample index i.
func (b *Buffer) IQ(i int) (iVal, qVal int32) {
	off := i * bytesPerSample
	iVal = int32(int16(binary.LittleEndian.Uint16(b.body()[off : off+2])))
	qVal = int32(int16(binary.LittleEndian.Uint16(b.body()[off+2 : off+4])))
	return
}

func clamp12(v int32) int32 {
	if v > SampleMax {
		return SampleMax
	}
	if v < -SampleMax {
		return -SampleMax
	}
	return v
}

// BufferCount returns how many buffers are needed so that
// buffers*samplesPerBuffer approximates totalSamples, per spec §4.5.
func BufferCount(totalSamples, samplesPerBuffer int) int {
	n := (totalSamples + samplesPerBuffer - 1) / samplesPerBuffer
	if n < 1 {
		n = 1
	}
	return n
}
