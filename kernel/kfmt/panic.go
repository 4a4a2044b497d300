package kfmt

import (
	"vmcore/kernel"
	"vmcore/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests.
	cpuHaltFn = cpu.Halt
)

// Panic outputs the supplied error (if not nil) to the kernel output and
// halts the CPU. Calls to Panic never return unless cpuHaltFn is mocked.
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		err = &kernel.Error{Module: "rt", Message: t}
	case error:
		err = &kernel.Error{Module: "rt", Message: t.Error()}
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	if err == nil {
		cpuHaltFn(nil)
		return
	}
	cpuHaltFn(err)
}
