// Command receiver runs the receiver side of the fuzzy PSI protocol: it
// generates (or is seeded to reproduce) its vector set, listens for the
// sender, executes both phases and reports statistics.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"

	"github.com/opaque/fpsi/go/internal/dataset"
	"github.com/opaque/fpsi/go/pkg/fpsi"
	"github.com/opaque/fpsi/go/pkg/ot"
	"github.com/opaque/fpsi/go/pkg/transport"
	"github.com/tuneinsight/lattigo/v5/utils/sampling"
)

var (
	port      = flag.Int("port", 12345, "Port to listen on")
	n         = flag.Int("n", 1024, "Receiver set size")
	dimension = flag.Int("d", 128, "Vector dimension")
	delta     = flag.Int("delta", 10, "Hamming distance threshold")
	subsets   = flag.Int("L", 32, "Number of E-LSH subsets")
	tau       = flag.Float64("tau", 0.9, "E-LSH entropy cutoff")
	otKind    = flag.String("ot", string(ot.KindXOR), "OT construction (xor or co)")
	useGRPC   = flag.Bool("grpc", false, "Carry the session over a gRPC stream")
	statsFile = flag.String("stats", "fpsi_stats.txt", "Statistics file (empty to skip)")
	dataSeed  = flag.String("data-seed", "receiver-data", "Seed for test-data generation")
)

func main() {
	flag.Parse()

	params := fpsi.DefaultParams()
	params.D = *dimension
	params.Delta = *delta
	params.L = *subsets
	params.Tau = *tau
	params.OTKind = ot.Kind(*otKind)

	prng, err := sampling.NewKeyedPRNG([]byte(*dataSeed))
	if err != nil {
		log.Fatalf("Failed to seed data generator: %v", err)
	}
	store := dataset.NewStore()
	if err := store.Generate(*n, params.D, prng); err != nil {
		log.Fatalf("Failed to generate data: %v", err)
	}
	log.Printf("receiver: generated %d vectors of dimension %d", *n, params.D)

	recv, err := fpsi.NewReceiver(params, store.All())
	if err != nil {
		log.Fatalf("Failed to create receiver: %v", err)
	}

	addr := fmt.Sprintf(":%d", *port)
	if *useGRPC {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", addr, err)
		}
		log.Printf("receiver: waiting for sender on %s (grpc)", addr)
		if err := transport.ServeGRPC(lis, recv.Run); err != nil {
			log.Fatalf("Protocol failed: %v", err)
		}
	} else {
		ln, err := transport.Listen(addr)
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", addr, err)
		}
		log.Printf("receiver: waiting for sender on %s", addr)
		conn, err := ln.Accept()
		if err != nil {
			log.Fatalf("Failed to accept: %v", err)
		}
		ln.Close()
		defer conn.Close()
		if err := recv.Run(conn); err != nil {
			log.Fatalf("Protocol failed: %v", err)
		}
	}

	report := recv.Report()
	fmt.Print(report.String())
	fmt.Printf("Fuzzy intersection size: %d\n", len(recv.Intersection()))
	if *statsFile != "" {
		if err := report.Save(*statsFile); err != nil {
			log.Fatalf("Failed to save statistics: %v", err)
		}
	}
}
