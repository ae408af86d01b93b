// Command rvsim runs a statically linked RV64IM ELF executable under the
// user-mode simulator (spec §6.1).
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"rvsim/internal/cliout"
	"rvsim/internal/elfload"
	"rvsim/internal/jit"
	"rvsim/internal/rv64"
	"rvsim/internal/simconfig"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rvsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to an optional YAML tuning file")
	debugLog := flag.Bool("debug", false, "Enable debug logging")
	noProgress := flag.Bool("no-progress", false, "Disable the segment-loading progress bar")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <elf_path>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return errors.New("rvsim: exactly one ELF path is required")
	}
	elfPath := flag.Arg(0)

	level := slog.LevelInfo
	if *debugLog {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	hartCfg, memBytes, err := simconfig.Load(*configPath)
	if err != nil {
		return err
	}

	mem, err := simconfig.NewMemory(memBytes)
	if err != nil {
		return fmt.Errorf("rvsim: allocate physical memory: %w", err)
	}

	hart, err := rv64.NewHart(mem, hartCfg)
	if err != nil {
		return fmt.Errorf("rvsim: create hart: %w", err)
	}
	hart.Logger = logger

	worker := jit.NewWorker(hart, logger)
	hart.AttachCompiler(worker)
	defer hart.Close()

	f, err := os.Open(elfPath)
	if err != nil {
		return fmt.Errorf("rvsim: open %s: %w", elfPath, err)
	}
	defer f.Close()

	out := cliout.New(os.Stdout)
	out.Banner(elfPath)

	if err := elfload.Load(hart, f, !*noProgress); err != nil {
		return err
	}
	if err := elfload.SetupStack(hart, []string{elfPath}, os.Environ()); err != nil {
		return err
	}

	start := time.Now()
	runErr := hart.Run()
	elapsed := time.Since(start)

	exitCode := int(hart.Regs.Get(rv64.RegA0))
	out.StatsBlock(cliout.Stats{
		InstrCount: hart.InstrCount,
		Elapsed:    elapsed,
		ExitCode:   exitCode,
	})

	if runErr != nil {
		return fmt.Errorf("rvsim: simulation halted: %w", runErr)
	}
	if exitCode != 0 {
		os.Exit(exitCode)
	}
	return nil
}
