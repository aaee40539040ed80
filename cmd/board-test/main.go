// board-test exercises the serial link to an alignment board. It opens
// the port, runs the liveness handshake, prints the firmware
// description, and measures round-trip latency. With -repl it drops
// into an interactive prompt that sends raw protocol commands and
// prints the decoded response fields.
//
// Usage:
//
//	board-test -device /dev/ttyACM0 [options]
//
// Options:
//
//	-device string     Serial device path (required)
//	-baud int          Baud rate (default: 115200; USB ACM boards ignore it)
//	-timeout duration  Read timeout per response (default: 2s)
//	-pings int         Latency pings after the handshake (default: 5)
//	-repl              Interactive raw command prompt after the checks
//
// Examples:
//
//	# Connectivity check
//	board-test -device /dev/ttyACM0
//
//	# Poke individual protocol commands
//	board-test -device /dev/ttyACM0 -repl
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tarm/serial"

	"zalign/pkg/log"
	"zalign/pkg/mcu"
)

func main() {
	device := flag.String("device", "", "Serial device path")
	baud := flag.Int("baud", 115200, "Baud rate (USB ACM boards ignore it)")
	timeout := flag.Duration("timeout", 2*time.Second, "Read timeout per response")
	pings := flag.Int("pings", 5, "Latency pings after the handshake")
	repl := flag.Bool("repl", false, "Interactive raw command prompt after the checks")
	flag.Parse()

	if *device == "" {
		fmt.Fprintln(os.Stderr, "Error: -device is required")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New("board-test")
	log.ConfigureFromEnv(logger)
	log.SetDefaultLogger(logger)

	// The read timeout makes a quiet link surface as a read error
	// instead of hanging the tool.
	port, err := serial.OpenPort(&serial.Config{
		Name:        *device,
		Baud:        *baud,
		ReadTimeout: *timeout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: open %s: %v\n", *device, err)
		os.Exit(1)
	}
	defer port.Close()

	conn := mcu.NewConn(port)
	conn.SetEventHandler(func(ev mcu.Event) {
		fmt.Printf("* event%s\n", formatFields(ev.Fields))
	})

	fmt.Printf("Connecting to %s at %d baud...\n", *device, *baud)
	info, err := conn.Handshake(mcu.DefaultHandshakeConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Board: version=%s motors=%d tools=%v comp=%v\n",
		info.Version, info.Motors, info.HasTools, info.HasComp)

	if *pings > 0 {
		runPings(conn, *pings)
	}
	if *repl {
		runREPL(conn)
	}
}

func runPings(conn *mcu.Conn, count int) {
	var total time.Duration
	answered := 0
	for i := 1; i <= count; i++ {
		start := time.Now()
		if err := conn.Ping(); err != nil {
			fmt.Printf("ping %d: %v\n", i, err)
			continue
		}
		rtt := time.Since(start)
		total += rtt
		answered++
		fmt.Printf("ping %d: %s\n", i, rtt.Round(time.Microsecond))
	}
	if answered > 0 {
		fmt.Printf("%d of %d pings answered, average %s\n",
			answered, count, (total / time.Duration(answered)).Round(time.Microsecond))
	} else {
		fmt.Printf("no answer to %d pings\n", count)
	}
}

func runREPL(conn *mcu.Conn) {
	fmt.Println(`Raw command prompt. "help" lists commands, "quit" exits.`)
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "quit", "exit":
			return
		case "help":
			fmt.Println("ping info estop reset move_z move_rel wait_moves probe probe_stow")
			fmt.Println("set_lock set_lock_all get_tool set_tool get_comp set_comp")
			fmt.Println("get_homed home invalidate_z home_z")
			continue
		}
		start := time.Now()
		fields, err := conn.Raw(line)
		if err != nil {
			fmt.Printf("!! %v\n", err)
			continue
		}
		fmt.Printf("ok%s (%s)\n", formatFields(fields), time.Since(start).Round(time.Microsecond))
	}
}

// formatFields renders response fields key-sorted, each as " k=v".
func formatFields(f mcu.Fields) string {
	if len(f) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%s", k, f[k])
	}
	return b.String()
}
