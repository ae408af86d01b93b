package rv64

import "sync/atomic"

// CompilationStatus is the lifecycle state of a BasicBlock's JIT entry.
// Transitions are monotonic: NotCompiled -> Compiling -> Compiled.
type CompilationStatus int32

const (
	StatusNotCompiled CompilationStatus = iota
	StatusCompiling
	StatusCompiled
)

// CompiledEntry is a host function compiled for one basic block. It is
// called with a pointer to the owning Hart and must perform exactly the
// architectural effect of interpreting the block's body.
type CompiledEntry func(hart *Hart)

// BasicBlock is a cached, decoded run of straight-line guest code.
//
// Invariants: Body has length 2..MaxBlockSize+1 including the sentinel;
// Body[:len(Body)-1] contains at most one control-transfer instruction, at
// the penultimate position; CompiledEntry is written before Status becomes
// StatusCompiled (see BasicBlock.Publish).
type BasicBlock struct {
	Entrypoint uint64
	Body       []Decoded

	hotness int32
	status  int32
	entry   atomic.Pointer[CompiledEntry]
}

// NewBasicBlock constructs a block with its hotness counter set to
// startHotness (see Hart.hotnessStart / internal/simconfig for where this
// comes from).
func NewBasicBlock(entrypoint uint64, body []Decoded, startHotness int32) *BasicBlock {
	return &BasicBlock{
		Entrypoint: entrypoint,
		Body:       body,
		hotness:    startHotness,
	}
}

// Status loads the compilation status with acquire ordering.
func (b *BasicBlock) Status() CompilationStatus {
	return CompilationStatus(atomic.LoadInt32(&b.status))
}

// Entry returns the published compiled entry, or nil if none has been
// published yet. Safe to call concurrently with Publish.
func (b *BasicBlock) Entry() *CompiledEntry {
	return b.entry.Load()
}

// MarkCompiling transitions NotCompiled -> Compiling. Returns false if the
// block was not in NotCompiled state (a racing compile already claimed it).
// Called by the JIT worker's task producer (internal/jit) under the hotness
// threshold crossing.
func (b *BasicBlock) MarkCompiling() bool {
	return atomic.CompareAndSwapInt32(&b.status, int32(StatusNotCompiled), int32(StatusCompiling))
}

// Publish stores the compiled entry and then, with a release store, marks
// the block Compiled. The entry pointer write happens-before the status
// store per spec §4.9/§5. Called by the JIT worker after codegen finishes
// and the cache slot has been confirmed to still hold this block.
func (b *BasicBlock) Publish(entry CompiledEntry) {
	b.entry.Store(&entry)
	atomic.StoreInt32(&b.status, int32(StatusCompiled))
}

// DecrementHotness decrements the counter and reports whether it has just
// reached zero (the caller should then enqueue a compile task).
func (b *BasicBlock) DecrementHotness() bool {
	return atomic.AddInt32(&b.hotness, -1) == 0
}
