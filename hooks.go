package cowsnap

import (
	"github.com/dattobd/cowsnap/internal/backend"
	"github.com/dattobd/cowsnap/internal/cowfile"
)

// Hooks are the host-integration collaborators the engine treats as
// black boxes (spec.md §1 "out of scope: external collaborators"; §9's
// install/uninstall abstraction point). A real deployment wires these to
// the ublk-hosted queue runner and the host's freeze/thaw ioctls; tests
// wire them to in-memory fakes.
type Hooks struct {
	// OpenBase opens the live block device at path for tracing.
	OpenBase func(path string) (backend.Backend, error)

	// OpenCOWStore opens (or creates) the backing store for a COW file at
	// path, sized to at least sizeBytes.
	OpenCOWStore func(path string, sizeBytes int64) (cowfile.Store, error)

	// Install swaps the device serving minor to interpose b in place of
	// whatever backend was previously installed; Uninstall restores
	// pass-through. Modeled as a backend.Backend swap per spec.md §9.
	Install   func(minor int, b backend.Backend) error
	Uninstall func(minor int) error

	// Freeze/Thaw quiesce the base device's filesystem around a binding
	// change (spec.md §5 "failure-triggered freezing"). A Thaw failure is
	// logged by the caller, never propagated.
	Freeze func(path string) error
	Thaw   func(path string) error
}

func (h *Hooks) install(minor int, b backend.Backend) error {
	if h.Install == nil {
		return nil
	}
	return h.Install(minor, b)
}

func (h *Hooks) uninstall(minor int) error {
	if h.Uninstall == nil {
		return nil
	}
	return h.Uninstall(minor)
}

func (h *Hooks) freeze(path string) error {
	if h.Freeze == nil {
		return nil
	}
	return h.Freeze(path)
}

func (h *Hooks) thaw(path string) error {
	if h.Thaw == nil {
		return nil
	}
	return h.Thaw(path)
}
