package vm

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// VM is the kernel-wide virtual memory state shared by all address spaces:
// the user frame pool, the frame list scanned for eviction, and swap.
//
// mu serializes every operation that touches resident-page state across
// address spaces: claiming, eviction, swap slot selection, teardown and
// simulated user memory accesses.
type VM struct {
	mu sync.Mutex

	config  *Config
	frames  *FramePool
	swap    *SwapStore
	metrics *Metrics
	logger  *slog.Logger

	nextPID atomic.Int32
}

// NewLogger creates a text logger at the named level
func NewLogger(level string, w io.Writer) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}

// NewVM creates the VM subsystem and opens the configured swap device.
// A nil logger logs to stderr at the configured level.
func NewVM(config *Config, logger *slog.Logger) (*VM, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	device, err := OpenSwapDevice(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open swap device: %w", err)
	}

	vm, err := NewVMWithDevice(config, device, logger)
	if err != nil {
		device.Close()
		return nil, err
	}
	return vm, nil
}

// NewVMWithDevice creates the VM subsystem with device as swap
func NewVMWithDevice(config *Config, device BlockDevice, logger *slog.Logger) (*VM, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = NewLogger(config.LogLevel, os.Stderr)
	}

	compression, err := ParseCompressionType(config.SwapCompression)
	if err != nil {
		return nil, err
	}

	vm := &VM{
		config:  config.Clone(),
		swap:    NewSwapStore(device, compression),
		metrics: NewMetrics(),
		logger:  logger,
	}

	replacer := NewReplacer(config.Replacer, config.FramePoolSize, vm.referenced)
	vm.frames, err = NewFramePool(config.FramePoolSize, replacer)
	if err != nil {
		return nil, err
	}

	logger.Debug("vm initialized",
		"frames", config.FramePoolSize,
		"replacer", config.Replacer,
		"swap_slots", vm.swap.SlotCount(),
		"swap_compression", compression.String())
	return vm, nil
}

// Config returns a copy of the VM configuration
func (vm *VM) Config() *Config {
	return vm.config.Clone()
}

// Metrics returns the VM's metrics
func (vm *VM) Metrics() *Metrics {
	return vm.metrics
}

// Logger returns the VM's logger
func (vm *VM) Logger() *slog.Logger {
	return vm.logger
}

// FramePool returns the user frame pool
func (vm *VM) FramePool() *FramePool {
	return vm.frames
}

// Swap returns the swap store
func (vm *VM) Swap() *SwapStore {
	return vm.swap
}

// Close logs metrics if enabled and closes the swap device
func (vm *VM) Close() error {
	if vm.config.EnableMetrics {
		vm.metrics.LogMetrics(vm.logger)
	}
	return vm.swap.Close()
}

// referenced is the clock replacer's probe: it reports and clears the
// accessed bit of the page held by frameID in its owner's page directory
func (vm *VM) referenced(frameID uint32) bool {
	f := vm.frames.Frame(FrameID(frameID))
	if f == nil || f.owner == nil {
		return false
	}
	p := f.owner.spt.page(f.page)
	if p == nil {
		return false
	}
	if !f.owner.pml4.IsAccessed(p.va) {
		return false
	}
	f.owner.pml4.SetAccessed(p.va, false)
	return true
}

// getFrame returns a zeroed frame, evicting a page if the pool is empty.
// It panics if no frame can be freed. Caller holds vm.mu.
func (vm *VM) getFrame() *Frame {
	if f, ok := vm.frames.allocate(); ok {
		vm.metrics.RecordFrameAllocation()
		return f
	}

	f, err := vm.evictFrame()
	if err != nil {
		vm.logger.Error("out of memory", "frames", vm.frames.GetPoolSize(), "error", err)
		panic(ErrOutOfMemory("getFrame", err))
	}
	return f
}

// evictFrame swaps out a victim page and returns its zeroed frame. Victims
// whose swap-out fails are put back on the frame list and the next one is
// tried. Caller holds vm.mu.
func (vm *VM) evictFrame() (*Frame, error) {
	start := time.Now()
	replacer := vm.frames.replacer

	var skipped []uint32
	defer func() {
		for _, id := range skipped {
			replacer.Unpin(id)
		}
	}()

	var lastErr error
	for i := uint32(0); i < vm.frames.GetPoolSize(); i++ {
		id, ok := replacer.Victim()
		if !ok {
			break
		}

		f := vm.frames.frames[id]
		owner := f.owner
		p := owner.spt.page(f.page)
		if err := owner.swapOut(p); err != nil {
			vm.logger.Debug("eviction candidate skipped", "frame", id, "va", p.va, "error", err)
			lastErr = err
			skipped = append(skipped, id)
			continue
		}

		p.frame = NoFrame
		f.owner = nil
		f.page = NoPage
		clear(f.kva)

		vm.metrics.RecordEviction(time.Since(start))
		vm.logger.Debug("evicted", "frame", id, "va", p.va, "type", p.kind.String())
		return f, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no evictable frames")
	}
	return nil, lastErr
}
