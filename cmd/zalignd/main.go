// zalignd is the multi-motor Z alignment host. It loads the machine
// configuration, attaches the motion board (or the built-in
// simulator), and serves the interactive console on stdin plus the
// HTTP/websocket API.
//
// Usage:
//
//	zalignd -config machine.cfg [options]
//
// Options:
//
//	-config string    Machine configuration file (required)
//	-device string    Serial device (overrides the [board] section)
//	-baud int         Baud rate (overrides the [board] section)
//	-simulate         Run against the built-in simulator
//	-api string       API listen address (default ":7130", empty disables)
//	-metrics string   Metrics listen address, e.g. ":9100" (empty disables)
//	-logfile string   Log file path (default: stderr)
//
// Examples:
//
//	# Simulated machine, API on the default port
//	zalignd -config example.cfg -simulate
//
//	# Real board with metrics
//	zalignd -config example.cfg -device /dev/ttyACM0 -metrics :9100
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"zalign/pkg/align"
	"zalign/pkg/api"
	"zalign/pkg/config"
	"zalign/pkg/gcode"
	"zalign/pkg/log"
	"zalign/pkg/mcu"
	"zalign/pkg/metrics"
	"zalign/pkg/safety"
	"zalign/pkg/serial"
	"zalign/pkg/simulator"
)

// Overridable with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	configFile := flag.String("config", "", "Machine configuration file (required)")
	device := flag.String("device", "", "Serial device (overrides the [board] section)")
	baud := flag.Int("baud", 0, "Baud rate (overrides the [board] section)")
	simulate := flag.Bool("simulate", false, "Run against the built-in simulator")
	apiAddr := flag.String("api", ":7130", "API listen address (empty disables)")
	metricsAddr := flag.String("metrics", "", "Metrics listen address, e.g. :9100 (empty disables)")
	logFile := flag.String("logfile", "", "Log file path (default: stderr)")
	flag.Parse()

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New("zalignd")
	log.ConfigureFromEnv(logger)
	if *logFile != "" {
		writer, err := log.NewRotatingFileWriter(log.RotationConfig{Filename: *logFile})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer writer.Close()
		logger.SetWriter(writer)
		logger.SetColorize(false)
	}
	// Components derive their loggers from the default, so install it
	// before anything is constructed.
	log.SetDefaultLogger(logger)

	if err := run(logger, *configFile, *device, *baud, *simulate, *apiAddr, *metricsAddr); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func run(logger *log.Logger, configFile, device string, baud int, simulate bool, apiAddr, metricsAddr string) error {
	logger.Info("zalignd %s starting", version)

	ac, err := config.LoadAutosave(configFile)
	if err != nil {
		return err
	}
	settings, err := align.LoadSettings(ac.Config)
	if err != nil {
		return err
	}
	logger.Info("config: %s (%d actuators)", configFile, settings.Steppers)

	mgr := safety.New()
	mgr.OnShutdown(func(reason safety.ShutdownReason, msg string) {
		metrics.GlobalMetrics().RecordShutdown(string(reason))
	})

	var (
		machine align.Machine
		board   *mcu.Conn
	)
	if simulate {
		sim := simulator.New(settings.Points)
		machine = sim.Machine()
		mgr.RegisterMotors(sim)
		logger.Info("machine: built-in simulator")
	} else {
		scfg := serial.DefaultConfig()
		scfg.Device = device
		if sec := ac.Config.GetSectionOptional("board"); sec != nil {
			if scfg.Device == "" {
				scfg.Device, _ = sec.Get("device", "")
			}
			if b, err := sec.GetInt("baud", scfg.BaudRate); err == nil {
				scfg.BaudRate = b
			}
		}
		if baud > 0 {
			scfg.BaudRate = baud
		}
		if scfg.Device == "" {
			return fmt.Errorf("no serial device: pass -device or add a [board] section")
		}

		logger.Info("opening %s at %d baud", scfg.Device, scfg.BaudRate)
		port, err := serial.Open(scfg)
		if err != nil {
			return err
		}
		defer port.Close()

		board = mcu.NewConn(port)
		info, err := board.Handshake(mcu.DefaultHandshakeConfig())
		if err != nil {
			return err
		}
		logger.Info("board: %s (%d motors)", info.Version, info.Motors)
		if info.Motors > 0 && info.Motors != settings.Steppers {
			return fmt.Errorf("config expects %d actuators, board reports %d motors",
				settings.Steppers, info.Motors)
		}
		machine = board.Machine(info)
		mgr.RegisterBoard(board)
		mgr.RegisterMotors(board)
		metrics.GlobalMetrics().SetBoardConnected(true)
	}

	ctrl, err := align.NewController(settings, machine)
	if err != nil {
		return err
	}
	host, err := gcode.NewHost(gcode.HostConfig{
		Controller: ctrl,
		Safety:     mgr,
		Config:     ac,
		Board:      board,
	})
	if err != nil {
		return err
	}
	dispatcher := gcode.NewDispatcher()
	host.Register(dispatcher)

	if board != nil {
		// Pings share the link with motion commands and can wait
		// behind a slow homing move, so the staleness budget is
		// generous.
		mgr.Configure(safety.Config{WatchdogTimeout: 30 * time.Second})
		done := make(chan struct{})
		defer close(done)
		go keepalive(board, mgr, done)
	}

	if apiAddr != "" {
		apiServer, err := api.New(api.Config{
			Addr:       apiAddr,
			Version:    version,
			Host:       host,
			Dispatcher: dispatcher,
		})
		if err != nil {
			return err
		}
		go func() {
			if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
				logger.Error("api server: %v", err)
			}
		}()
		defer apiServer.Stop()
	}

	if metricsAddr != "" {
		ms := metrics.NewMetricsServer(metrics.GlobalMetrics(), metricsAddr)
		errCh := ms.StartAsync()
		go func() {
			if err := <-errCh; err != nil {
				logger.Error("metrics server: %v", err)
			}
		}()
		logger.Info("metrics on %s", metricsAddr)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = ms.Shutdown(ctx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go console(dispatcher)

	logger.Info("host ready, console on stdin")
	sig := <-sigCh
	logger.Info("received %s, shutting down", sig)
	return nil
}

// console runs the interactive command loop. Errors use the classic
// "!!" console prefix; every accepted command is terminated with "ok".
func console(dispatcher *gcode.Dispatcher) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out, err := dispatcher.Execute(line)
		if err != nil {
			fmt.Printf("!! %v\n", err)
			continue
		}
		if out != "" {
			fmt.Println(out)
		}
		fmt.Println("ok")
	}
}

// keepalive pings the board, feeds the watchdog, and re-arms it after
// a firmware restart clears the shutdown latch.
func keepalive(board *mcu.Conn, mgr *safety.Manager, done <-chan struct{}) {
	logger := log.GetLogger("keepalive")
	mgr.StartWatchdog()
	defer mgr.StopWatchdog()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	latched := false
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if mgr.IsShutdown() {
				latched = true
				continue
			}
			if latched {
				// The watchdog fires once; after a restart it
				// needs a fresh timer.
				mgr.StopWatchdog()
				mgr.StartWatchdog()
				latched = false
			}
			start := time.Now()
			if err := board.Ping(); err != nil {
				logger.Warn("board ping failed: %v", err)
				continue
			}
			mgr.Heartbeat()
			metrics.GlobalMetrics().RecordBoardLatency(time.Since(start))
		}
	}
}
