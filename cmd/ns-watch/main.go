package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/Montimage/maip-sub000/internal/config"
	"github.com/Montimage/maip-sub000/internal/events"
	"github.com/Montimage/maip-sub000/internal/model"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file")
	natsURL := flag.String("nats", "", "NATS server URL (overrides the configuration)")
	session := flag.String("session", "", "Only print events of this session")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *natsURL != "" {
		cfg.Events.NATSURL = *natsURL
	}

	sub, err := events.NewSubscriber(cfg.Events)
	if err != nil {
		log.Fatalf("Failed to create subscriber: %v", err)
	}
	defer sub.Close()

	handler := func(subject string, ev model.Event) {
		fmt.Println(formatEvent(ev))
	}
	if err := sub.Start(*session, handler); err != nil {
		log.Fatalf("Failed to start subscriber: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutdown signal received, closing subscriber...")
}

func formatEvent(ev model.Event) string {
	keys := make([]string, 0, len(ev.Attrs))
	for k := range ev.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s %-8.8s %-18s", ev.Time.Local().Format(time.TimeOnly), ev.SessionID, ev.Kind)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, ev.Attrs[k])
	}
	return b.String()
}
