// Package guest provides an in-process isolated domain whose exports are Go
// functions.
//
// An [Instance] has a private linear memory that starts empty and is
// discarded when the instance is closed. Exports see nothing else: every
// byte they consume or produce goes through the bounds-checked [Memory]
// API, which never hands out slices into host memory.
//
// # Exports
//
// Exports are registered by name:
//
//	reg := guest.NewRegistry()
//	reg.Register("WebPGetInfo", func(ctx context.Context, inst *guest.Instance, params []uint64) ([]uint64, error) {
//	    data, err := inst.Mem().Read(uint32(params[0]), uint32(params[1]))
//	    ...
//	})
//
//	lc := sandbox.NewLifecycle(guest.NewFactory(reg))
//
// malloc and free are always exported and backed by the instance heap.
//
// # Faults
//
// A panic or an error returned from an export is a fault: the call fails
// with [sandbox.ErrTrap] and the instance refuses further calls, just as a
// WebAssembly instance does after a trap.
//
// # Pinned memory
//
// [Instance.Pin] maps a host buffer into a separate address range above
// [PinBase]. Exports may write it through [Memory.Write]; reads fail with
// [ErrPinnedRead].
package guest
