package pcap

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// SynthOptions controls synthetic slice generation.
type SynthOptions struct {
	Packets  int
	Start    time.Time
	Interval time.Duration
	Seed     int64
}

// WriteSynthetic writes a slice of random TCP packets to filePath.
func WriteSynthetic(filePath string, opts SynthOptions) error {
	if opts.Start.IsZero() {
		opts.Start = time.Now()
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Millisecond
	}

	f, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create slice file: %w", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		return fmt.Errorf("failed to write pcap header: %w", err)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	for i := 0; i < opts.Packets; i++ {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55},
			DstMAC:       net.HardwareAddr{0x00, 0x66, 0x77, 0x88, 0x99, 0xAA},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			SrcIP:    net.IP{10, 0, byte(rng.Intn(256)), byte(rng.Intn(256))},
			DstIP:    net.IP{192, 168, byte(rng.Intn(256)), byte(rng.Intn(256))},
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
		}
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(rng.Intn(65535-1024) + 1024),
			DstPort: layers.TCPPort([]int{22, 80, 443, 8080}[rng.Intn(4)]),
			Seq:     rng.Uint32(),
			SYN:     true,
			Window:  14600,
		}
		tcp.SetNetworkLayerForChecksum(ip)

		payload := make([]byte, rng.Intn(512)+16)
		rng.Read(payload)

		buf := gopacket.NewSerializeBuffer()
		serOpts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
		if err := gopacket.SerializeLayers(buf, serOpts, eth, ip, tcp, gopacket.Payload(payload)); err != nil {
			return fmt.Errorf("failed to serialize packet %d: %w", i, err)
		}

		ci := gopacket.CaptureInfo{
			Timestamp:     opts.Start.Add(time.Duration(i) * opts.Interval),
			CaptureLength: len(buf.Bytes()),
			Length:        len(buf.Bytes()),
		}
		if err := w.WritePacket(ci, buf.Bytes()); err != nil {
			return fmt.Errorf("failed to write packet %d: %w", i, err)
		}
	}
	return nil
}
