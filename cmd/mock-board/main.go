// mock-board emulates alignment board firmware over the line
// protocol. It fronts the simulated gantry with the board-side
// protocol server, so the daemon and board-test talk to it exactly as
// they would to real hardware.
//
// By default it serves a single session on stdin/stdout, which suits
// subprocess pipes and socat-style pty wiring. With -listen it accepts
// TCP clients one at a time, like a physical serial port; machine
// state, including a latched emergency stop, survives reconnects.
//
// Usage:
//
//	mock-board [options]
//
// Options:
//
//	-listen string      TCP address to listen on (default: stdin/stdout)
//	-scenario string    Scenario YAML defining geometry, deviations, noise, faults
//	-points string      Probe points as x:y pairs (default "20:20,115:200,210:20")
//	-deviations string  Initial actuator deviations in mm (default "0.4,0,0.25")
//	-noise float        Measurement noise sigma in mm
//	-seed int           Noise seed
//
// The defaults match the example config, so a freshly started daemon
// can probe without coordinate mismatches.
//
// Examples:
//
//	# TCP board for the daemon
//	mock-board -listen 127.0.0.1:7131 -deviations 0.6,0,0.35
//
//	# Board behavior scripted by a scenario file
//	mock-board -listen 127.0.0.1:7131 -scenario scenarios/abort_probe_fault.yaml
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"zalign/pkg/align"
	"zalign/pkg/log"
	"zalign/pkg/mcu"
	"zalign/pkg/scenario"
	"zalign/pkg/simulator"
)

const boardVersion = "zalign-sim-1.0"

func main() {
	listen := flag.String("listen", "", "TCP address to listen on (default: stdin/stdout)")
	scenarioPath := flag.String("scenario", "", "Scenario YAML defining geometry, deviations, noise, faults")
	pointsArg := flag.String("points", "20:20,115:200,210:20", "Probe points as x:y pairs")
	devsArg := flag.String("deviations", "0.4,0,0.25", "Initial actuator deviations in mm")
	noise := flag.Float64("noise", 0, "Measurement noise sigma in mm")
	seed := flag.Int64("seed", 1, "Noise seed")
	flag.Parse()

	logger := log.New("mock-board")
	log.ConfigureFromEnv(logger)
	log.SetDefaultLogger(logger)

	sim, motors, err := buildSimulator(*scenarioPath, *pointsArg, *devsArg, *noise, *seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	srv := mcu.NewServer(sim.Machine(), boardVersion, motors)

	if *listen == "" {
		serveStdio(srv)
		return
	}
	serveTCP(srv, *listen)
}

// buildSimulator assembles the simulated machine from either a
// scenario file or the geometry flags.
func buildSimulator(scenarioPath, pointsArg, devsArg string, noise float64, seed int64) (*simulator.Simulator, int, error) {
	if scenarioPath != "" {
		sc, err := scenario.LoadFile(scenarioPath)
		if err != nil {
			return nil, 0, err
		}
		return simulator.FromScenario(sc), len(sc.Machine.Points), nil
	}

	points, err := parsePoints(pointsArg)
	if err != nil {
		return nil, 0, err
	}
	devs, err := parseFloats(devsArg)
	if err != nil {
		return nil, 0, fmt.Errorf("bad -deviations: %w", err)
	}
	if len(devs) > len(points) {
		return nil, 0, fmt.Errorf("%d deviations for %d points", len(devs), len(points))
	}

	sim := simulator.New(points)
	sim.SetDeviations(devs)
	if noise > 0 {
		sim.SetNoise(noise, seed)
	}
	return sim, len(points), nil
}

// stdioPipe joins stdin and stdout into the protocol transport.
type stdioPipe struct {
	io.Reader
	io.Writer
}

// serveStdio answers one session on stdin/stdout. Status output goes
// to stderr; stdout is the wire.
func serveStdio(srv *mcu.Server) {
	fmt.Fprintln(os.Stderr, "Serving board protocol on stdin/stdout")
	if err := srv.Serve(stdioPipe{os.Stdin, os.Stdout}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// serveTCP accepts clients one at a time. The board keeps its state
// between sessions, so an emergency stop latched by one client still
// holds for the next.
func serveTCP(srv *mcu.Server, addr string) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: listen %s: %v\n", addr, err)
		os.Exit(1)
	}
	defer listener.Close()

	fmt.Printf("Mock board listening on %s\n", listener.Addr())
	fmt.Println("Press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	connCh := make(chan net.Conn)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				close(connCh)
				return
			}
			connCh <- conn
		}
	}()

	for {
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
			return
		case conn, ok := <-connCh:
			if !ok {
				return
			}
			fmt.Printf("Client connected: %s\n", conn.RemoteAddr())
			if err := srv.Serve(conn); err != nil {
				fmt.Printf("Client session ended: %v\n", err)
			} else {
				fmt.Printf("Client disconnected: %s\n", conn.RemoteAddr())
			}
			conn.Close()
		}
	}
}

// parsePoints parses "x:y,x:y,..." into probe points.
func parsePoints(arg string) ([]align.Point, error) {
	var points []align.Point
	for _, pair := range strings.Split(arg, ",") {
		xy := strings.Split(strings.TrimSpace(pair), ":")
		if len(xy) != 2 {
			return nil, fmt.Errorf("bad -points entry %q, want x:y", pair)
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(xy[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("bad -points entry %q: %w", pair, err)
		}
		y, err := strconv.ParseFloat(strings.TrimSpace(xy[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("bad -points entry %q: %w", pair, err)
		}
		points = append(points, align.Point{X: x, Y: y})
	}
	if len(points) < 2 {
		return nil, fmt.Errorf("need at least 2 probe points, got %d", len(points))
	}
	return points, nil
}

// parseFloats parses a comma-separated float list. An empty string is
// an empty list.
func parseFloats(arg string) ([]float64, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, nil
	}
	var vals []float64
	for _, field := range strings.Split(arg, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}
