// Command sender runs the querying side of the fuzzy PSI protocol: it
// generates its query set, connects to a listening receiver, executes
// both phases and reports statistics.
package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/opaque/fpsi/go/internal/dataset"
	"github.com/opaque/fpsi/go/pkg/fpsi"
	"github.com/opaque/fpsi/go/pkg/ot"
	"github.com/opaque/fpsi/go/pkg/transport"
	"github.com/tuneinsight/lattigo/v5/utils/sampling"
)

var (
	host      = flag.String("host", "127.0.0.1", "Receiver host")
	port      = flag.Int("port", 12345, "Receiver port")
	m         = flag.Int("m", 1024, "Sender query count")
	dimension = flag.Int("d", 128, "Vector dimension")
	delta     = flag.Int("delta", 10, "Hamming distance threshold")
	subsets   = flag.Int("L", 32, "Number of E-LSH subsets")
	tau       = flag.Float64("tau", 0.9, "E-LSH entropy cutoff")
	otKind    = flag.String("ot", string(ot.KindXOR), "OT construction (xor or co)")
	useGRPC   = flag.Bool("grpc", false, "Carry the session over a gRPC stream")
	statsFile = flag.String("stats", "fpsi_stats.txt", "Statistics file (empty to skip)")
	dataSeed  = flag.String("data-seed", "sender-data", "Seed for test-data generation")
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
	if err := store.Generate(*m, params.D, prng); err != nil {
		log.Fatalf("Failed to generate data: %v", err)
	}
	log.Printf("sender: generated %d queries of dimension %d", *m, params.D)

	send, err := fpsi.NewSender(params, store.All())
	if err != nil {
		log.Fatalf("Failed to create sender: %v", err)
	}

	addr := fmt.Sprintf("%s:%d", *host, *port)
	var conn *transport.Conn
	if *useGRPC {
		conn, err = transport.DialGRPC(addr)
	} else {
		conn, err = transport.Dial(addr)
	}
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", addr, err)
	}
	defer conn.Close()
	log.Printf("sender: connected to %s", addr)

	if err := send.Run(conn); err != nil {
		log.Fatalf("Protocol failed: %v", err)
	}

	report := send.Report()
	fmt.Print(report.String())
	fmt.Printf("Matched queries: %d\n", len(send.MatchedQueries()))
	if *statsFile != "" {
		if err := report.Save(*statsFile); err != nil {
			log.Fatalf("Failed to save statistics: %v", err)
		}
	}
}
