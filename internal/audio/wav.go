package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Canonical sample format every voice sample is normalized to.
const (
	SampleRate    = 22050
	Channels      = 1
	BitsPerSample = 16
)

// Info describes a PCM WAV file.
type Info struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataBytes     int
}

func (i Info) Duration() time.Duration {
	bytesPerSec := i.SampleRate * i.Channels * i.BitsPerSample / 8
	if bytesPerSec == 0 {
		return 0
	}
	return time.Duration(float64(i.DataBytes) / float64(bytesPerSec) * float64(time.Second))
}

// Canonical reports whether the file already matches the target format.
func (i Info) Canonical() bool {
	return i.SampleRate == SampleRate && i.Channels == Channels && i.BitsPerSample == BitsPerSample
}

// WriteWAV writes raw PCM16LE mono bytes as a WAV stream.
func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	dataSize := uint32(len(pcm))

	w := bufio.NewWriter(out)
	fields := []any{
		[4]byte{'R', 'I', 'F', 'F'},
		uint32(36) + dataSize,
		[4]byte{'W', 'A', 'V', 'E'},
		[4]byte{'f', 'm', 't', ' '},
		uint32(16),
		uint16(1), // PCM
		uint16(Channels),
		uint32(sampleRate),
		uint32(sampleRate * Channels * BitsPerSample / 8),
		uint16(Channels * BitsPerSample / 8),
		uint16(BitsPerSample),
		[4]byte{'d', 'a', 't', 'a'},
		dataSize,
	}
	for _, f := range fields {
		if err := binary.Write(w, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// WriteSilence writes d of silence in the canonical format to path.
func WriteSilence(path string, d time.Duration) error {
	n := int(d.Seconds()*SampleRate) * BitsPerSample / 8
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAV(f, make([]byte, n), SampleRate); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

var errNotWAV = errors.New("not a RIFF/WAVE file")

// Inspect reads the header of a PCM WAV file.
func Inspect(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	return readInfo(bufio.NewReader(f))
}

func readInfo(r io.Reader) (Info, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Info{}, errNotWAV
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return Info{}, errNotWAV
	}

	var info Info
	var sawFmt bool
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return Info{}, fmt.Errorf("wav: missing data chunk")
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil || size < 16 {
				return Info{}, fmt.Errorf("wav: short fmt chunk")
			}
			info.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(body[14:16]))
			sawFmt = true
		case "data":
			if !sawFmt {
				return Info{}, fmt.Errorf("wav: data chunk before fmt chunk")
			}
			info.DataBytes = int(size)
			return info, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)+int64(size%2)); err != nil {
				return Info{}, fmt.Errorf("wav: truncated %q chunk", id)
			}
			continue
		}
		if size%2 == 1 {
			if _, err := io.CopyN(io.Discard, r, 1); err != nil {
				return Info{}, fmt.Errorf("wav: truncated padding")
			}
		}
	}
}
