// Package build is the single linear pipeline orchestrator: it runs every
// component in the order create-diff-object.c's main() does, using a
// buildctx.Context to carry the diagnostic prefix and own every resource
// acquired along the way.
package build

import (
	"errors"
	"os"

	"upatch-build/internal/atomicio"
	"upatch-build/internal/buildctx"
	"upatch-build/internal/bundler"
	"upatch-build/internal/correlate"
	"upatch-build/internal/differ"
	"upatch-build/internal/ehframe"
	"upatch-build/internal/elfmodel"
	"upatch-build/internal/elfwriter"
	"upatch-build/internal/inclusion"
	"upatch-build/internal/rewriter"
	"upatch-build/internal/runningelf"
	"upatch-build/internal/synth"
)

// Result reports how a Run ended.
type Result struct {
	// Ran is false when the build exited early because there was nothing
	// to patch (spec.md §4.I's "no changes" outcome).
	Ran bool
}

// Run executes the full pipeline described in spec.md §3-§4 and returns a
// *buildctx.BuildError on any failure. A nil error covers both a
// successful patch and the benign "no changes" outcome; callers
// distinguish the two with Ran.
func Run(c *buildctx.Context) (Result, error) {
	c.Log.Info("building patch from %s -> %s against %s", c.Opts.SourceObj, c.Opts.PatchedObj, c.Opts.RunningELF)

	o, err := elfmodel.Load(c.Opts.SourceObj)
	if err != nil {
		return Result{}, buildctx.Invariant("couldn't read source object: %s", err)
	}
	p, err := elfmodel.Load(c.Opts.PatchedObj)
	if err != nil {
		return Result{}, buildctx.Invariant("couldn't read patched object: %s", err)
	}
	runningFile, err := elfmodel.LoadRunning(c.Opts.RunningELF)
	if err != nil {
		return Result{}, buildctx.Invariant("couldn't read running elf: %s", err)
	}
	c.Defer(runningFile.Close)

	relf, err := runningelf.Build(runningFile)
	if err != nil {
		return Result{}, buildctx.Invariant("couldn't index running elf: %s", err)
	}

	if err := elfmodel.CompareHeaders(o, p); err != nil {
		return Result{}, buildctx.Invariant("%s", err)
	}

	if err := bundler.Bundle(o); err != nil {
		return Result{}, buildctx.Invariant("%s", err)
	}
	if err := bundler.Bundle(p); err != nil {
		return Result{}, buildctx.Invariant("%s", err)
	}
	bundler.DetectChildFunctions(o)
	bundler.DetectChildFunctions(p)

	p.MarkGroupedSections(p.ByteOrder())

	if err := rewriter.Rewrite(o); err != nil {
		return Result{}, buildctx.Invariant("%s", err)
	}
	if err := rewriter.Rewrite(p); err != nil {
		return Result{}, buildctx.Invariant("%s", err)
	}

	if err := correlate.Correlate(o, p, relf); err != nil {
		return Result{}, buildctx.Invariant("%s", err)
	}

	differ.Diff(o, p)

	c.Log.Debug("correlated and diffed %d sections, %d symbols", len(p.Sections), len(p.Symbols))

	inclusion.Seed(p)
	ehframe.IncludeDebugSections(p)

	if err := inclusion.Validate(p); err != nil {
		return Result{}, buildctx.Patchability([]error{err})
	}

	u, err := synth.Synthesize(p, relf)
	if errors.Is(err, synth.ErrNoChanges) {
		c.Log.Info("no changed functions were found")
		return Result{Ran: false}, nil
	}
	if err != nil {
		return Result{}, buildctx.Invariant("%s", err)
	}

	if err := writeOutput(c, u); err != nil {
		return Result{}, buildctx.IOError("%s", err)
	}

	c.Log.Info("wrote patch object to %s", c.Opts.OutputObj)
	return Result{Ran: true}, nil
}

func writeOutput(c *buildctx.Context, u *elfmodel.Graph) error {
	return atomicio.WriteFile(c.Opts.OutputObj, func(f *os.File) error {
		return elfwriter.Write(u, f)
	})
}
