// Package buildctx carries the explicit build context threaded through every
// phase of the differencing pipeline, replacing the global loglevel/logprefix
// globals the original C tool used (see SPEC_FULL.md design notes).
package buildctx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"upatch-build/internal/ulog"
)

// Options are the four required paths plus the debug flag, mirroring
// spec.md §6 exactly.
type Options struct {
	SourceObj  string
	PatchedObj string
	RunningELF string
	OutputObj  string
	Debug      bool
}

// Context is passed by pointer into every component function. It holds the
// options, the logger, and the cleanup functions registered with Defer,
// which Close runs when the pipeline unwinds.
type Context struct {
	Opts Options
	Log  *ulog.Logger

	closers []func() error
}

// New builds a Context from Options, deriving the diagnostic prefix from the
// source object's basename per spec.md §7.
func New(opts Options) *Context {
	prefix := filepath.Base(opts.SourceObj)
	return &Context{
		Opts: opts,
		Log:  ulog.New(os.Stderr, prefix, opts.Debug),
	}
}

// Defer registers a cleanup function run by Close, in reverse registration
// order, regardless of how the build terminates.
func (c *Context) Defer(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Close releases everything a Context has accumulated ownership of. It is
// the scoped-acquisition mechanism called out in spec.md §9: on any fatal
// error the whole context is released instead of hand-tracked frees.
func (c *Context) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		_ = c.closers[i]()
	}
	c.closers = nil
}

// Kind classifies a build failure into one of the three categories from
// spec.md §7.
type Kind int

const (
	// KindInvariant covers ELF corruption / unexpected shapes: fatal,
	// no partial output.
	KindInvariant Kind = iota
	// KindPatchability covers refusals to emit an unsupported patch shape.
	KindPatchability
	// KindIO covers filesystem/argument failures.
	KindIO
)

// BuildError is the single error type returned by every exported pipeline
// entry point; ExitCode maps it to the documented process exit status.
type BuildError struct {
	Kind    Kind
	Message string
	Causes  []error // for KindPatchability, the accumulated per-section refusals
}

func (e *BuildError) Error() string {
	if len(e.Causes) == 0 {
		return e.Message
	}
	s := fmt.Sprintf("%s (%d causes)", e.Message, len(e.Causes))
	for _, c := range e.Causes {
		s += "\n  - " + c.Error()
	}
	return s
}

func Invariant(format string, args ...any) *BuildError {
	return &BuildError{Kind: KindInvariant, Message: fmt.Sprintf(format, args...)}
}

func Patchability(causes []error) *BuildError {
	return &BuildError{
		Kind:    KindPatchability,
		Message: fmt.Sprintf("%d unsupported section changes", len(causes)),
		Causes:  causes,
	}
}

func IOError(format string, args ...any) *BuildError {
	return &BuildError{Kind: KindIO, Message: fmt.Sprintf(format, args...)}
}

// Exit codes, matching spec.md §6.
const (
	ExitOK                       = 0
	ExitMissingArgument          = 2
	ExitUnreadableInput          = 3
	ExitHeaderMismatch           = 4
	ExitProgramHeaderPresent     = 5
	ExitUnsupportedSectionChange = 6
	ExitAmbiguousStaticLocal     = 7
	ExitUnresolvableExternal     = 8
	ExitIOFailure                = 9
)

// ExitCode maps a build error to the process exit status documented in
// spec.md §6. A nil error (including the "no changes" outcome) is ExitOK.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	be, ok := err.(*BuildError)
	if !ok {
		return ExitIOFailure
	}
	switch be.Kind {
	case KindPatchability:
		return ExitUnsupportedSectionChange
	case KindIO:
		return ExitIOFailure
	default:
		return ExitInvariantCode(be)
	}
}

// ExitInvariantCode refines a KindInvariant error's exit code by inspecting
// its message, matching the specific conditions spec.md §6 enumerates.
func ExitInvariantCode(be *BuildError) int {
	switch {
	case containsAny(be.Message, "header mismatch"):
		return ExitHeaderMismatch
	case containsAny(be.Message, "program header"):
		return ExitProgramHeaderPresent
	case containsAny(be.Message, "duplicate matches", "ambiguous", "couldn't find"):
		return ExitAmbiguousStaticLocal
	case containsAny(be.Message, "can't find replacement", "unresolved external", "external symbol"):
		return ExitUnresolvableExternal
	default:
		return ExitIOFailure
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
