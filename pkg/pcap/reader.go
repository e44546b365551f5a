package pcap

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// SliceInfo summarizes the packets stored in one capture slice.
type SliceInfo struct {
	Packets   int
	Bytes     int64
	First     time.Time
	Last      time.Time
	LinkType  layers.LinkType
	Truncated bool
}

// Duration is the time covered by the slice's packets.
func (s SliceInfo) Duration() time.Duration {
	if s.Packets == 0 {
		return 0
	}
	return s.Last.Sub(s.First)
}

// Reader reads packets from a pcap slice file.
type Reader struct {
	file *os.File
	r    *pcapgo.Reader
}

// NewReader creates a new pcap reader for the given file path.
func NewReader(filePath string) (*Reader, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header of '%s': %w", filePath, err)
	}
	return &Reader{file: f, r: r}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() {
	r.file.Close()
}

// ReadPackets decodes every packet of the slice and sends it to out.
// A truncated trailing record ends the stream without an error, since the
// capture process may still be appending to the file.
func (r *Reader) ReadPackets(out chan<- gopacket.Packet) error {
	for {
		data, ci, err := r.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		packet := gopacket.NewPacket(data, r.r.LinkType(), gopacket.Default)
		packet.Metadata().CaptureInfo = ci
		out <- packet
	}
}

// Inspect walks a slice file and returns packet counts and time bounds.
func Inspect(filePath string) (SliceInfo, error) {
	reader, err := NewReader(filePath)
	if err != nil {
		return SliceInfo{}, err
	}
	defer reader.Close()

	info := SliceInfo{LinkType: reader.r.LinkType()}
	for {
		_, ci, err := reader.r.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return info, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				info.Truncated = true
				return info, nil
			}
			return info, fmt.Errorf("failed to read packet %d: %w", info.Packets+1, err)
		}
		if info.Packets == 0 || ci.Timestamp.Before(info.First) {
			info.First = ci.Timestamp
		}
		if ci.Timestamp.After(info.Last) {
			info.Last = ci.Timestamp
		}
		info.Packets++
		info.Bytes += int64(ci.Length)
	}
}
