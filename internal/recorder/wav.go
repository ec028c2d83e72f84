package recorder

import (
	"bytes"
	"encoding/binary"
	"io"
)

const wavHeaderSize = 44

// writeWAVHeader writes a 44-byte RIFF/WAV header for signed 16-bit LE PCM.
func writeWAVHeader(w io.Writer, sampleRate, channels, dataSize uint32) error {
	const (
		bitsPerSample = 16
		audioFormat   = 1 // PCM
	)

	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	h := struct {
		// RIFF header
		RiffID   [4]byte
		RiffSize uint32
		WaveID   [4]byte
		// fmt sub-chunk
		FmtID       [4]byte
		FmtSize     uint32
		AudioFormat uint16
		NumChannels uint16
		SampleRate  uint32
		ByteRate    uint32
		BlockAlign  uint16
		BitsPerSamp uint16
		// data sub-chunk
		DataID   [4]byte
		DataSize uint32
	}{
		RiffID:      [4]byte{'R', 'I', 'F', 'F'},
		RiffSize:    36 + dataSize,
		WaveID:      [4]byte{'W', 'A', 'V', 'E'},
		FmtID:       [4]byte{'f', 'm', 't', ' '},
		FmtSize:     16,
		AudioFormat: audioFormat,
		NumChannels: uint16(channels),
		SampleRate:  sampleRate,
		ByteRate:    byteRate,
		BlockAlign:  uint16(blockAlign),
		BitsPerSamp: bitsPerSample,
		DataID:      [4]byte{'d', 'a', 't', 'a'},
		DataSize:    dataSize,
	}

	return binary.Write(w, binary.LittleEndian, &h)
}

// encodeWAV concatenates fragments behind a header sized for their total.
func encodeWAV(sampleRate, channels int, fragments []Fragment) []byte {
	size := 0
	for _, f := range fragments {
		size += len(f.Data)
	}

	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + size)
	// bytes.Buffer writes cannot fail
	_ = writeWAVHeader(&buf, uint32(sampleRate), uint32(channels), uint32(size))
	for _, f := range fragments {
		buf.Write(f.Data)
	}
	return buf.Bytes()
}
