// zalign-golden runs alignment scenarios against the simulated machine
// and checks each expected outcome. It exits non-zero when any scenario
// fails, which makes it usable as a regression gate.
//
// Usage:
//
//	zalign-golden -dir scenarios
//	zalign-golden -scenario scenarios/converge.yaml -v
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"zalign/pkg/align"
	"zalign/pkg/log"
	"zalign/pkg/scenario"
	"zalign/pkg/simulator"
)

func main() {
	var (
		dir     = flag.String("dir", "scenarios", "directory of scenario files")
		file    = flag.String("scenario", "", "run a single scenario file instead of -dir")
		only    = flag.String("only", "", "only run the scenario with this name")
		verbose = flag.Bool("v", false, "print the machine event trace of each run")
	)
	flag.Parse()

	// Verdict lines are the output; component logs stay quiet unless the
	// environment asks for them.
	if os.Getenv("ZALIGN_LOG_LEVEL") == "" {
		silent := log.New("golden")
		silent.SetWriter(io.Discard)
		log.SetDefaultLogger(silent)
	}

	scenarios, err := load(*file, *dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(2)
	}

	ran, failed := 0, 0
	for _, sc := range scenarios {
		if *only != "" && sc.Name != *only {
			continue
		}
		ran++
		if err := runScenario(sc, *verbose); err != nil {
			fmt.Printf("FAIL %-24s %v\n", sc.Name, err)
			failed++
			continue
		}
		fmt.Printf("ok   %s\n", sc.Name)
	}

	if ran == 0 {
		fmt.Fprintln(os.Stderr, "ERROR: no scenarios matched")
		os.Exit(2)
	}
	if failed > 0 {
		fmt.Printf("%d of %d scenarios failed\n", failed, ran)
		os.Exit(1)
	}
	fmt.Printf("%d scenarios passed\n", ran)
}

func load(file, dir string) ([]*scenario.Scenario, error) {
	if file != "" {
		sc, err := scenario.LoadFile(file)
		if err != nil {
			return nil, err
		}
		return []*scenario.Scenario{sc}, nil
	}
	return scenario.LoadDir(dir)
}

func runScenario(sc *scenario.Scenario, verbose bool) error {
	sim := simulator.FromScenario(sc)
	settings := &align.Settings{
		Steppers:  len(sc.Machine.Points),
		Points:    sc.Machine.AlignPoints(),
		Defaults:  sc.RunParams(),
		Clearance: align.DefaultClearance,
		MaxGrade:  align.DefaultMaxGrade,
		Limits:    sc.Machine.Limits(),
	}
	ctrl, err := align.NewController(settings, sim.Machine())
	if err != nil {
		return err
	}

	report, err := ctrl.Align(context.Background(), sc.RunParams())
	if verbose {
		for _, ev := range sim.Trace() {
			fmt.Printf("     | %s\n", ev)
		}
	}
	if err != nil {
		return err
	}
	return sc.Expect.Check(report)
}
