package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/Montimage/maip-sub000/internal/api"
)

func main() {
	serverAddr := flag.String("addr", "localhost:50061", "The gRPC server address")
	mode := flag.String("mode", "snapshot", "Query mode: 'snapshot', 'start', 'stop' or 'watch'")
	iface := flag.String("iface", "", "Interface to capture on (start mode)")
	window := flag.Int("window", 10, "Slice window in seconds (start mode)")
	duration := flag.Int("duration", 0, "Total capture duration in seconds, 0 for unbounded (start mode)")
	every := flag.Duration("every", 2*time.Second, "Poll interval (watch mode)")
	flag.Parse()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("did not connect: %v", err)
	}
	defer conn.Close()

	client := api.NewSessionClient(conn)

	switch *mode {
	case "snapshot":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		snap, err := client.GetSnapshot(ctx)
		if err != nil {
			log.Fatalf("could not get snapshot: %v", err)
		}
		printStruct(snap)
	case "start":
		if *iface == "" {
			log.Fatal("Error: -iface flag is required for start mode")
		}
		req := api.StartRequest{Interface: *iface, WindowSeconds: *window}
		if *duration > 0 {
			req.TotalDurationSeconds = duration
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		session, err := client.Start(ctx, req)
		if err != nil {
			log.Fatalf("could not start session: %v", err)
		}
		printStruct(session)
	case "stop":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Stop(ctx); err != nil {
			log.Fatalf("could not stop session: %v", err)
		}
		log.Println("Capture stopped.")
	case "watch":
		watch(client, *every)
	default:
		log.Fatalf("Unknown mode: %s. Use 'snapshot', 'start', 'stop' or 'watch'", *mode)
	}
}

// watch prints the running tally until the session reports finished.
func watch(client *api.SessionClient, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		snap, err := client.GetSnapshot(ctx)
		cancel()
		if err != nil {
			log.Fatalf("could not get snapshot: %v", err)
		}
		f := snap.GetFields()
		fmt.Printf("%s session=%s normal=%.0f malicious=%.0f total=%.0f pending=%.0f processing=%t\n",
			time.Now().Format(time.TimeOnly),
			f["sessionId"].GetStringValue(),
			f["normalCount"].GetNumberValue(),
			f["maliciousCount"].GetNumberValue(),
			f["totalCount"].GetNumberValue(),
			f["pending"].GetNumberValue(),
			f["processing"].GetBoolValue(),
		)
		if f["finished"].GetBoolValue() {
			log.Println("Session finished.")
			return
		}
		<-ticker.C
	}
}

func printStruct(s *structpb.Struct) {
	out, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
	if err != nil {
		log.Fatalf("could not format response: %v", err)
	}
	fmt.Println(string(out))
}
