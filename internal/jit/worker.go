// Package jit implements the single background compiler thread that turns
// hot basic blocks into a published CompiledEntry, per spec §4.9/§5.
package jit

import (
	"log/slog"
	"sync"

	"rvsim/internal/rv64"
)

// codeGenerator turns one basic block into a host-callable CompiledEntry.
// release, if non-nil, reclaims the backing code arena and must be called
// if the block is evicted before (or instead of) publication. Implemented
// per-architecture: codegen_amd64.go on linux/amd64, codegen_unsupported.go
// everywhere else (see DESIGN.md for why unsupported hosts never compile).
type codeGenerator interface {
	compile(hart *rv64.Hart, block *rv64.BasicBlock) (entry rv64.CompiledEntry, release func(), err error)
}

// Worker is the JIT compiler attached to one Hart. It implements
// rv64.Compiler.
type Worker struct {
	hart   *rv64.Hart
	queue  *taskQueue
	gen    codeGenerator
	logger *slog.Logger

	wg       sync.WaitGroup
	arenasMu sync.Mutex
	arenas   []func()
}

// NewWorker spawns the single worker goroutine for hart and returns a
// handle implementing rv64.Compiler. Call hart.AttachCompiler(w) before the
// first ExecuteBasicBlock.
func NewWorker(hart *rv64.Hart, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		hart:   hart,
		queue:  newTaskQueue(),
		gen:    newCodeGenerator(),
		logger: logger,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// DecrementHotness implements rv64.Compiler. It returns true only when it
// itself observes block already StatusCompiled with a published entry —
// see DESIGN.md Open Question 1 for why StatusCompiling must return false
// here rather than reproducing the source's buggy early-true return.
func (w *Worker) DecrementHotness(block *rv64.BasicBlock) bool {
	switch block.Status() {
	case rv64.StatusCompiled:
		return block.Entry() != nil
	case rv64.StatusCompiling:
		return false
	default:
		if block.DecrementHotness() && block.MarkCompiling() {
			w.queue.add(block)
		}
		return false
	}
}

// Close stops the worker, discarding any task still queued, and releases
// every code arena this worker ever allocated.
func (w *Worker) Close() {
	w.queue.close()
	w.wg.Wait()

	w.arenasMu.Lock()
	defer w.arenasMu.Unlock()
	for _, release := range w.arenas {
		release()
	}
	w.arenas = nil
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		block, ok := w.queue.get()
		if !ok {
			return
		}
		w.compile(block)
	}
}

func (w *Worker) compile(block *rv64.BasicBlock) {
	entry, release, err := w.gen.compile(w.hart, block)
	if err != nil {
		w.logger.Debug("jit: compile failed, block stays interpreted", "entrypoint", block.Entrypoint, "err", err)
		return
	}
	if !w.hart.PublishCompiled(block, entry) {
		// Evicted before we finished (spec §4.9 "Failure"): drop the code.
		if release != nil {
			release()
		}
		return
	}
	if release != nil {
		w.arenasMu.Lock()
		w.arenas = append(w.arenas, release)
		w.arenasMu.Unlock()
	}
}
