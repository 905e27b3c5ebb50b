package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/selfdrive/internal/api"
	"github.com/banshee-data/selfdrive/internal/db"
	"github.com/banshee-data/selfdrive/internal/monitoring"
	"github.com/banshee-data/selfdrive/internal/pilot"
	"github.com/banshee-data/selfdrive/internal/serialmux"
	"github.com/banshee-data/selfdrive/internal/telemetry"
	"github.com/banshee-data/selfdrive/internal/units"
	"github.com/banshee-data/selfdrive/internal/version"
)

var (
	configFile   = flag.String("config", "", "Path to a tuning JSON file (defaults are used for anything it omits)")
	lidarPort    = flag.String("lidar-port", "/dev/ttyUSB0", "Serial port of the range scanner")
	visionPort   = flag.String("vision-port", "/dev/ttyACM0", "Serial port of the camera classifier (empty disables it; the car then never moves)")
	motorPort    = flag.String("motor-port", "/dev/ttyAMA0", "Serial port of the motor controller")
	baudRate     = flag.Int("baud", serialmux.DefaultBaudRate, "Baud rate for every serial device")
	framing      = flag.String("framing", "8N1", "Data bits, parity and stop bits for every serial device")
	devMode      = flag.Bool("dev", false, "Run against a synthetic scanner and a demo classifier")
	noLidar      = flag.Bool("no-lidar", false, "Run without a range scanner (vision-only)")
	replayPcap   = flag.String("replay-pcap", "", "Replay scanner nodes from a pcap capture instead of the device")
	replayLoop   = flag.Bool("replay-loop", true, "Restart the capture when it ends")
	replaySpeed  = flag.Float64("replay-speed", 1.0, "Replay speed multiplier")
	dbFile       = flag.String("db", "selfdrive.db", "Path to the run log database (empty disables it)")
	listen       = flag.String("listen", ":8080", "HTTP listen address (empty disables the API)")
	grpcListen   = flag.String("grpc-listen", "localhost:50061", "Telemetry gRPC listen address (empty disables it)")
	dryRun       = flag.Bool("dry-run", false, "Log actuator commands instead of driving the motors")
	consoleEvery = flag.Int("console-every", 20, "Print a status line every N cycles (0 disables it)")
	unitsFlag    = flag.String("units", units.M, "Default distance units for the API ("+units.GetValidUnitsString()+")")
	verbose      = flag.Bool("verbose", false, "Enable debug logging")
	showVersion  = flag.Bool("version", false, "Print the version and exit")
)

// httpShutdownTimeout bounds how long in-flight API requests may delay exit.
const httpShutdownTimeout = 1 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("selfdrive"))
		return
	}
	if err := validateFlags(); err != nil {
		log.Fatalf("invalid flags: %v", err)
	}
	monitoring.SetVerbose(*verbose)

	tuning, err := loadTuning(*configFile)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	mode := runMode(*devMode, *noLidar, *replayPcap)
	log.Printf("selfdrive %s starting in %s mode (drive=%s)", version.Version, mode, tuning.GetDrive())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	portOpts, err := serialmux.PortOptions{BaudRate: *baudRate}.WithFraming(*framing)
	if err != nil {
		log.Fatalf("invalid serial settings: %v", err)
	}

	visionMux, err := newVisionMux(*devMode, *visionPort, portOpts)
	if err != nil {
		log.Fatalf("failed to open vision link: %v", err)
	}
	defer visionMux.Close()

	simulated := *dryRun || *devMode
	motorMux, err := newMotorMux(simulated, *motorPort, portOpts)
	if err != nil {
		log.Fatalf("failed to open motor controller: %v", err)
	}
	defer motorMux.Close()
	if err := motorMux.Initialize(); err != nil {
		log.Fatalf("failed to initialise motor controller: %v", err)
	}
	actuator, err := newActuator(tuning.GetDrive(), motorMux, simulated)
	if err != nil {
		log.Fatalf("failed to set up actuation: %v", err)
	}

	feed := newFeed(tuning)
	loop := pilot.New(loopConfig(tuning, *consoleEvery, mode == modeVisionOnly), nil, feed, actuator)

	var store *db.DB
	var recorder *db.Recorder
	if *dbFile != "" {
		store, err = db.NewDB(*dbFile)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer store.Close()

		cfgJSON, err := json.Marshal(tuning.Effective())
		if err != nil {
			log.Fatalf("failed to encode config: %v", err)
		}
		runID, err := store.StartRun(ctx, time.Now(), mode, tuning.GetDrive(), string(cfgJSON))
		if err != nil {
			log.Fatalf("failed to start run: %v", err)
		}
		recorder = db.NewRecorder(store, runID, 256)
		loop.AddSink(recorder)
		log.Printf("recording run %s to %s", runID, store.Path())
	}

	var publisher *telemetry.Publisher
	if *grpcListen != "" {
		tcfg := telemetry.DefaultConfig()
		tcfg.ListenAddr = *grpcListen
		publisher = telemetry.NewPublisher(tcfg)
		if err := publisher.Start(); err != nil {
			log.Fatalf("failed to start telemetry: %v", err)
		}
		defer publisher.Stop()
		loop.AddSink(publisher)
	}

	// The scanner is opened after every other fallible step so that no
	// log.Fatalf can exit while it holds the port with the motor spinning.
	// From here on only the acquisition task owns and releases it.
	source, err := newSource(mode, tuning, *lidarPort, portOpts)
	if err != nil {
		log.Fatalf("failed to open range scanner: %v", err)
	}

	// acquisition is stopped through the store's stop flag by the loop, not
	// by the signal context, so the final stop command goes out first
	acqCtx, cancelAcq := context.WithCancel(context.Background())
	defer cancelAcq()
	acquisitionDone := startAcquisition(acqCtx, source, loop.Store())

	var wg sync.WaitGroup

	// serial monitors feed subscribers until the context ends
	monitor := func(m serialmux.SerialMuxInterface) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor %s: %v", m.Name(), err)
			}
			log.Printf("%s monitor routine terminated", m.Name())
		}()
	}
	monitor(visionMux)
	monitor(motorMux)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := feed.Run(ctx, visionMux); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("vision feed stopped: %v", err)
		}
	}()

	if sa, ok := actuator.(interface{ WatchReplies(context.Context) }); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sa.WatchReplies(ctx)
		}()
	}

	if recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			recorder.Run(ctx)
			log.Printf("recorder stopped: %d cycles written, %d dropped", recorder.Written(), recorder.Dropped())
		}()
	}


	if *listen != "" {
		extras := map[string]func() any{
			"vision": func() any { return feed.Stats() },
			"serial": func() any {
				return map[string]serialmux.Stats{
					visionMux.Name(): visionMux.Stats(),
					motorMux.Name():  motorMux.Stats(),
				}
			},
		}
		if publisher != nil {
			extras["telemetry"] = func() any { return publisher.Stats() }
		}
		if recorder != nil {
			extras["recorder"] = func() any {
				return map[string]uint64{"written": recorder.Written(), "dropped": recorder.Dropped()}
			}
		}
		runID := ""
		if recorder != nil {
			runID = recorder.RunID()
		}
		srv := api.NewServer(api.Options{
			Loop:   loop,
			Config: tuning,
			DB:     store,
			Mode:   mode,
			Units:  *unitsFlag,
			RunID:  runID,
			Extras: extras,
		})

		wg.Add(1)
		go func() {
			defer wg.Done()
			mux := srv.ServeMux()
			srv.AttachAdminRoutes(mux)
			visionMux.AttachAdminRoutes(mux)
			motorMux.AttachAdminRoutes(mux)
			if store != nil {
				store.AttachAdminRoutes(mux)
			}
			serveHTTP(ctx, *listen, api.LoggingMiddleware(mux))
		}()
	}

	loopErr := loop.Run(ctx, acquisitionDone)
	cancelAcq()
	if loopErr != nil {
		log.Printf("control loop stopped: %v", loopErr)
	}
	stop()

	wg.Wait()

	if recorder != nil {
		reason := "signal"
		if loopErr != nil {
			reason = loopErr.Error()
		}
		endCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := store.EndRun(endCtx, recorder.RunID(), time.Now(), reason); err != nil {
			log.Printf("failed to close run: %v", err)
		}
		cancel()
	}

	st := loop.Stats()
	log.Printf("Graceful shutdown complete: %d cycles, %d overruns, mean %.2fms", st.Cycles, st.Overruns, st.MeanCycleMs)
	if loopErr != nil {
		os.Exit(1)
	}
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) {
	server := &http.Server{
		Addr:    addr,
		Handler: h,
	}

	go func() {
		log.Printf("HTTP API listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}
