// Command upatch-build computes a live-patch object from an original
// object file, its patched counterpart, and the running binary it
// targets, grounded on upatch-diff's create-diff-object CLI surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"upatch-build/internal/build"
	"upatch-build/internal/buildctx"
)

func main() {
	os.Exit(run())
}

func run() int {
	var opts buildctx.Options

	cmd := &cobra.Command{
		Use:           "upatch-build",
		Short:         "build a live-patch object from an original and a patched translation unit",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(opts)
		},
	}

	cmd.Flags().StringVar(&opts.SourceObj, "source", "", "original (unpatched) relocatable object")
	cmd.Flags().StringVar(&opts.PatchedObj, "patched", "", "patched relocatable object")
	cmd.Flags().StringVar(&opts.RunningELF, "running", "", "the running binary or shared object being patched")
	cmd.Flags().StringVar(&opts.OutputObj, "output", "", "path to write the patch object to")
	cmd.Flags().BoolVar(&opts.Debug, "debug", false, "enable debug logging")
	for _, f := range []string{"source", "patched", "running", "output"} {
		_ = cmd.MarkFlagRequired(f)
	}

	err := cmd.Execute()
	if err == nil {
		return buildctx.ExitOK
	}
	fmt.Fprintln(os.Stderr, "upatch-build:", err)
	if _, ok := err.(*buildctx.BuildError); ok {
		return buildctx.ExitCode(err)
	}
	return buildctx.ExitMissingArgument
}

func runBuild(opts buildctx.Options) error {
	c := buildctx.New(opts)
	defer c.Close()

	res, err := build.Run(c)
	if err != nil {
		return err
	}
	if !res.Ran {
		c.Log.Info("nothing to patch")
	}
	return nil
}
