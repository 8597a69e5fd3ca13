// Package backends defines the interface a compute backend must
// implement to execute kernels: opaque reference-counted buffer slots,
// and prepare/dispatch of kernels (spec.md §4.5). A backend that cannot
// run a given kernel should throw errs.UnsupportedError rather than
// silently producing wrong results.
//
// To simplify error handling, backend methods are expected to throw
// (panic) via internal/errkit on failure; array recovers at its API
// boundary and translates into the typed errors of package errs.
package backends

import (
	"os"
	"strings"

	"k8s.io/klog/v2"

	"github.com/tracekernel/tracekernel/internal/errkit"
	"github.com/tracekernel/tracekernel/kernel"
)

// Slot is an opaque, backend-owned reference to a contiguous
// byte-addressable buffer (spec.md §3.3). It carries an explicit
// reference count managed by IncRef/DecRef; the backend frees the
// underlying buffer when the count reaches zero.
type Slot any

// Executable is an opaque, backend-owned compiled form of a Kernel,
// returned by Prepare/PrepareSync and consumed by Dispatch.
type Executable any

// Backend is the API a compute backend implements.
type Backend interface {
	// Name returns the short name of the backend, e.g. "cpu" or "webgpu".
	Name() string

	// Malloc returns a slot with refcount 1, sized to sizeBytes rounded up
	// to a 64-byte alignment. If initialData is non-nil its length must
	// equal sizeBytes; the slot is initialized from it.
	Malloc(sizeBytes int64, initialData []byte) Slot

	// IncRef increments s's reference count.
	IncRef(s Slot)

	// DecRef decrements s's reference count, freeing the underlying
	// buffer when it reaches zero. Decrementing a slot already at zero
	// is a ReferenceError.
	DecRef(s Slot)

	// Read asynchronously reads count bytes from s starting at start and
	// returns a channel that delivers the result once.
	Read(s Slot, start, count int64) <-chan []byte

	// ReadSync reads count bytes from s starting at start, blocking until done.
	ReadSync(s Slot, start, count int64) []byte

	// Prepare asynchronously compiles k and returns a channel that
	// delivers the resulting Executable once. Compilation is idempotent
	// and should be cached by the backend keyed on kernel structure.
	Prepare(k *kernel.Kernel) <-chan Executable

	// PrepareSync compiles k, blocking until done.
	PrepareSync(k *kernel.Kernel) Executable

	// Dispatch runs exe against inputs (ordered by GlobalIndex gid) and
	// stores the result into output. Safe to call concurrently from any
	// thread that owns this backend.
	Dispatch(exe Executable, inputs []Slot, output Slot)

	// Finalize releases all resources held by the backend. The backend
	// must not be used again afterward.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) Backend

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register makes a backend constructor available under name. Call during
// package initialization, e.g. from backends/cpu's init.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
	klog.V(1).Infof("backends: registered %q", name)
}

// DefaultConfig is the configuration string used by New if the
// TRACEKERNEL_BACKEND environment variable is unset.
var DefaultConfig string

// SetDefault installs config as the process-wide default backend
// configuration and returns the previous value, so a caller can scope
// the change and restore it on the way out.
func SetDefault(config string) (previous string) {
	previous = DefaultConfig
	DefaultConfig = config
	return previous
}

// Available returns the names of every registered backend. The first
// entry is the first backend registered (the fallback New uses when
// nothing else selects a backend); the order of the remaining entries is
// not defined. Registration happens in package init functions, so the
// set is fixed once the program is up.
func Available() []string {
	if len(registeredConstructors) == 0 {
		return nil
	}
	names := make([]string, 0, len(registeredConstructors))
	names = append(names, firstRegistered)
	for name := range registeredConstructors {
		if name != firstRegistered {
			names = append(names, name)
		}
	}
	return names
}

// TRACEKERNEL_BACKEND is the environment variable naming the default
// backend configuration, formatted "<backend_name>:<backend_config>".
const TRACEKERNEL_BACKEND = "TRACEKERNEL_BACKEND"

// New returns a new default Backend: the TRACEKERNEL_BACKEND environment
// variable if set, else DefaultConfig if set, else the first registered
// backend with an empty configuration. It panics if no backend was registered.
func New() Backend {
	if config, found := os.LookupEnv(TRACEKERNEL_BACKEND); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig parses config as "<backend_name>:<backend_config>" and
// constructs that backend. An empty backend_name uses the first registered backend.
func NewWithConfig(config string) Backend {
	if len(registeredConstructors) == 0 {
		errkit.Throw(errUnregistered{})
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		errkit.Throw(errUnknownBackend{name: backendName, config: config})
	}
	return constructor(backendConfig)
}

type errUnregistered struct{}

func (errUnregistered) Error() string {
	return `no registered backends -- import one, e.g. _ "github.com/tracekernel/tracekernel/backends/cpu"`
}

type errUnknownBackend struct {
	name, config string
}

func (e errUnknownBackend) Error() string {
	return "backends: no backend named " + e.name + " (from configuration " + e.config + ")"
}
