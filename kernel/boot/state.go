package boot

import (
	"sync/atomic"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mem"
)

var (
	errHandoffConsumed    = &kernel.Error{Module: "boot", Message: "boot handoff payload already consumed", Kind: kernel.KindUseAfterFree}
	errAlreadyInitialized = &kernel.Error{Module: "boot", Message: "boot info already initialized", Kind: kernel.KindInvalidArgument}
	errNotInitialized     = &kernel.Error{Module: "boot", Message: "boot info accessed before initialization", Kind: kernel.KindInvalidArgument}

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic
)

// State holds the boot information of a running kernel. The handoff payload
// is consumed exactly once and the info is initialized exactly once; every
// read returns a copy.
type State struct {
	consumed atomic.Bool
	info     atomic.Pointer[Info]
}

// Default is the boot state of the running kernel.
var Default State

// Consume decodes the handoff payload at ptr. After Consume returns the
// kernel never dereferences ptr again. Calling Consume twice is fatal.
func (s *State) Consume(r PhysReader, ptr mem.PhysAddr) (Info, *kernel.Error) {
	if !s.consumed.CompareAndSwap(false, true) {
		panicFn(errHandoffConsumed)
		return Info{}, errHandoffConsumed
	}

	info, err := readHandoff(r, ptr)
	if err != nil {
		return Info{}, err
	}

	kfmt.Module("boot").WithField("regions", len(info.Regions)).Info("consumed handoff payload")
	return info, nil
}

// Init publishes info. Calling Init twice is fatal.
func (s *State) Init(info Info) {
	clone := info.Clone()
	if !s.info.CompareAndSwap(nil, &clone) {
		panicFn(errAlreadyInitialized)
	}
}

// Initialized returns true once Init has been called.
func (s *State) Initialized() bool {
	return s.info.Load() != nil
}

// Get returns a copy of the boot info. Calling Get before Init is fatal.
func (s *State) Get() Info {
	info := s.info.Load()
	if info == nil {
		panicFn(errNotInitialized)
		return Info{}
	}
	return info.Clone()
}
