package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Montimage/maip-sub000/pkg/pcap"
)

// ns-slicegen writes synthetic capture slices. With -dir it behaves like a
// rotating capture command and can be used as capture.command:
//
//	command: ns-slicegen
//	args: ["-dir", "{dir}", "-window", "{window}"]
func main() {
	outputFile := flag.String("o", "", "Write a single slice to this pcap file and exit")
	dir := flag.String("dir", "", "Write one slice per window into this directory until interrupted")
	window := flag.Int("window", 10, "Seconds between slices in -dir mode")
	packetCount := flag.Int("c", 1000, "Number of packets per slice")
	maxSlices := flag.Int("n", 0, "Stop after this many slices in -dir mode (0 = unlimited)")
	flag.Parse()

	switch {
	case *outputFile != "":
		opts := pcap.SynthOptions{Packets: *packetCount, Seed: time.Now().UnixNano()}
		if err := pcap.WriteSynthetic(*outputFile, opts); err != nil {
			log.Fatalf("Failed to write slice: %v", err)
		}
		log.Printf("Wrote %d packets into %s", *packetCount, *outputFile)
	case *dir != "":
		rotate(*dir, time.Duration(*window)*time.Second, *packetCount, *maxSlices)
	default:
		fmt.Fprintln(os.Stderr, "one of -o or -dir is required")
		flag.Usage()
		os.Exit(1)
	}
}

func rotate(dir string, window time.Duration, packets, maxSlices int) {
	if window <= 0 {
		log.Fatalf("window must be positive")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("Failed to create %s: %v", dir, err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	written := 0
	for {
		select {
		case start := <-ticker.C:
			if err := writeSlice(dir, start.Add(-window), window, packets); err != nil {
				log.Fatalf("Failed to write slice: %v", err)
			}
			written++
			if maxSlices > 0 && written >= maxSlices {
				log.Printf("Wrote %d slices, exiting.", written)
				return
			}
		case <-sigChan:
			log.Printf("Interrupted after %d slices.", written)
			return
		}
	}
}

// writeSlice writes to a temporary name first so the slice only matches the
// slice pattern once it is complete.
func writeSlice(dir string, start time.Time, window time.Duration, packets int) error {
	name := fmt.Sprintf("slice-%s.pcap", start.Format("20060102150405"))
	tmp := filepath.Join(dir, "."+name+".part")
	interval := window / time.Duration(max(packets, 1))
	opts := pcap.SynthOptions{Packets: packets, Start: start, Interval: interval, Seed: start.UnixNano()}
	if err := pcap.WriteSynthetic(tmp, opts); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}
