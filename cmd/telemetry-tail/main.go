// Command telemetry-tail prints control loop cycles streamed by a running
// pilot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/banshee-data/selfdrive/internal/pilot"
	"github.com/banshee-data/selfdrive/internal/telemetry"
)

var (
	addr    = flag.String("addr", "localhost:50061", "Telemetry gRPC address of the pilot")
	count   = flag.Int("n", 0, "Exit after N cycles (0 streams until interrupted)")
	asJSON  = flag.Bool("json", false, "Print each cycle as a JSON struct instead of a status line")
	onlyBad = flag.Bool("fail-safe", false, "Only print fail-safe cycles")
)

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("failed to create client: %v", err)
	}
	defer conn.Close()

	if err := tail(ctx, telemetry.NewClient(conn), os.Stdout, *count, *asJSON, *onlyBad); err != nil {
		log.Fatalf("telemetry stream ended: %v", err)
	}
}

// tail prints cycles until ctx ends, the server goes away or n cycles have
// been printed.
func tail(ctx context.Context, client *telemetry.Client, w io.Writer, n int, asJSON, failSafeOnly bool) error {
	stream, err := client.StreamCycles(ctx)
	if err != nil {
		return err
	}
	printed := 0
	for n <= 0 || printed < n {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}
		c, err := telemetry.CycleFromStruct(msg)
		if err != nil {
			log.Printf("skipping undecodable cycle: %v", err)
			continue
		}
		if failSafeOnly && !c.FailSafe {
			continue
		}
		if asJSON {
			b, err := msg.MarshalJSON()
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%s\n", b)
		} else {
			fmt.Fprintf(w, "%s #%d %s\n", c.At.Local().Format("15:04:05.000"), c.Seq, pilot.ConsoleLine(c))
		}
		printed++
	}
	return nil
}
