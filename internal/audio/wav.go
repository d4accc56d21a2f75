package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/ekisa-team/rvcbroker/internal/xfs"
)

const (
	formatPCM        = 0x0001
	formatIEEEFloat  = 0x0003
	formatExtensible = 0xFFFE
)

// Clip is decoded mono audio.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the clip length in seconds.
func (c *Clip) Duration() float64 {
	if c.SampleRate == 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

type wavFormat struct {
	audioFormat   uint16
	channels      uint16
	sampleRate    uint32
	bitsPerSample uint16
}

// IsWAV reports whether data starts with a RIFF/WAVE header.
func IsWAV(header []byte) bool {
	return len(header) >= 12 && bytes.Equal(header[0:4], []byte("RIFF")) && bytes.Equal(header[8:12], []byte("WAVE"))
}

// DecodeWAV decodes a WAV stream into mono float samples. Integer PCM of 8,
// 16, 24 and 32 bits and 32/64-bit float are accepted; multichannel audio is
// averaged down to mono.
func DecodeWAV(r io.Reader) (*Clip, error) {
	br := bufio.NewReader(r)

	var riff [12]byte
	if _, err := io.ReadFull(br, riff[:]); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	if !IsWAV(riff[:]) {
		return nil, fmt.Errorf("%w: not a RIFF/WAVE stream", ErrUnsupportedFormat)
	}

	var (
		format  *wavFormat
		chunkID [4]byte
		size    uint32
	)

	for {
		if _, err := io.ReadFull(br, chunkID[:]); err != nil {
			return nil, fmt.Errorf("%w: missing data chunk", ErrMalformed)
		}
		if err := binary.Read(br, binary.LittleEndian, &size); err != nil {
			return nil, fmt.Errorf("%w: truncated chunk header", ErrMalformed)
		}

		switch string(chunkID[:]) {
		case "fmt ":
			f, err := readFormat(br, size)
			if err != nil {
				return nil, err
			}
			format = f

		case "data":
			if format == nil {
				return nil, fmt.Errorf("%w: data chunk before fmt chunk", ErrMalformed)
			}
			// Streamed files may carry a zero or maximal length; keep what arrived.
			var src io.Reader = io.LimitReader(br, int64(size))
			if size == 0 || size == math.MaxUint32 {
				src = br
			}
			data, err := io.ReadAll(src)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
			}
			return decodeSamples(data, format)

		default:
			if _, err := io.CopyN(io.Discard, br, int64(size)+int64(size&1)); err != nil {
				return nil, fmt.Errorf("%w: truncated %q chunk", ErrMalformed, chunkID[:])
			}
		}
	}
}

func readFormat(r io.Reader, size uint32) (*wavFormat, error) {
	if size < 16 {
		return nil, fmt.Errorf("%w: fmt chunk too small", ErrMalformed)
	}

	// Only the first 40 bytes are ever parsed; the rest is skipped unbuffered.
	var buf [40]byte
	n := min(size, uint32(len(buf)))
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return nil, fmt.Errorf("%w: truncated fmt chunk", ErrMalformed)
	}
	if rest := int64(size-n) + int64(size&1); rest > 0 {
		if _, err := io.CopyN(io.Discard, r, rest); err != nil {
			return nil, fmt.Errorf("%w: truncated fmt chunk", ErrMalformed)
		}
	}

	f := &wavFormat{
		audioFormat:   binary.LittleEndian.Uint16(buf[0:2]),
		channels:      binary.LittleEndian.Uint16(buf[2:4]),
		sampleRate:    binary.LittleEndian.Uint32(buf[4:8]),
		bitsPerSample: binary.LittleEndian.Uint16(buf[14:16]),
	}

	if f.audioFormat == formatExtensible {
		// cbSize(2) validBits(2) channelMask(4) subFormat GUID(16)
		if size < 40 {
			return nil, fmt.Errorf("%w: extensible fmt chunk too small", ErrMalformed)
		}
		f.audioFormat = binary.LittleEndian.Uint16(buf[24:26])
	}

	if f.channels == 0 || f.sampleRate == 0 {
		return nil, fmt.Errorf("%w: zero channels or sample rate", ErrMalformed)
	}

	return f, nil
}

func decodeSamples(data []byte, f *wavFormat) (*Clip, error) {
	bytesPerSample := int(f.bitsPerSample) / 8
	if bytesPerSample == 0 {
		return nil, fmt.Errorf("%w: %d bits per sample", ErrUnsupportedFormat, f.bitsPerSample)
	}

	var read func(b []byte) float32
	switch {
	case f.audioFormat == formatPCM && f.bitsPerSample == 8:
		read = func(b []byte) float32 { return (float32(b[0]) - 128) / 128 }
	case f.audioFormat == formatPCM && f.bitsPerSample == 16:
		read = func(b []byte) float32 { return float32(int16(binary.LittleEndian.Uint16(b))) / 32768 }
	case f.audioFormat == formatPCM && f.bitsPerSample == 24:
		read = func(b []byte) float32 {
			v := int32(uint32(b[0])<<8|uint32(b[1])<<16|uint32(b[2])<<24) >> 8
			return float32(v) / 8388608
		}
	case f.audioFormat == formatPCM && f.bitsPerSample == 32:
		read = func(b []byte) float32 { return float32(int32(binary.LittleEndian.Uint32(b))) / 2147483648 }
	case f.audioFormat == formatIEEEFloat && f.bitsPerSample == 32:
		read = func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
	case f.audioFormat == formatIEEEFloat && f.bitsPerSample == 64:
		read = func(b []byte) float32 { return float32(math.Float64frombits(binary.LittleEndian.Uint64(b))) }
	default:
		return nil, fmt.Errorf("%w: format 0x%04x with %d bits", ErrUnsupportedFormat, f.audioFormat, f.bitsPerSample)
	}

	channels := int(f.channels)
	frameSize := bytesPerSample * channels
	frames := len(data) / frameSize

	samples := make([]float32, frames)
	for i := range frames {
		var sum float32
		frame := data[i*frameSize:]
		for c := range channels {
			sum += read(frame[c*bytesPerSample:])
		}
		samples[i] = sum / float32(channels)
	}

	return &Clip{Samples: samples, SampleRate: int(f.sampleRate)}, nil
}

// WriteWAVTo writes mono float samples to out as a 16-bit PCM WAV stream.
// Samples outside [-1, 1] are clipped.
func WriteWAVTo(out io.Writer, samples []float32, sampleRate int) error {
	const (
		numChannels   = 1
		bitsPerSample = 16
		audioFormat   = formatPCM
	)
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}

	dataSize := uint32(len(samples) * bitsPerSample / 8)
	byteRate := uint32(sampleRate * numChannels * bitsPerSample / 8)
	blockAlign := uint16(numChannels * bitsPerSample / 8)

	w := bufio.NewWriter(out)

	header := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(audioFormat),
		uint16(numChannels),
		uint32(sampleRate),
		byteRate,
		blockAlign,
		uint16(bitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	var buf [2]byte
	for _, s := range samples {
		binary.LittleEndian.PutUint16(buf[:], uint16(toPCM16(s)))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}

	return w.Flush()
}

// WriteWAVFile writes mono float samples as a 16-bit PCM WAV file. The file
// appears at path only once it is complete.
func WriteWAVFile(path string, samples []float32, sampleRate int) error {
	return xfs.WriteFileAtomic(path, func(f *os.File) error {
		return WriteWAVTo(f, samples, sampleRate)
	})
}

func toPCM16(s float32) int16 {
	switch {
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	default:
		return int16(s * 32767)
	}
}
