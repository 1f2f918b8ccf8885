// Command bundlecheck validates and postprocesses bundles of structured
// configuration documents. A bundle is a single JSON aggregate of schema
// documents, data documents, resources, and a record-type catalog.
package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidahmann/bundlecheck/core/bundle"
	"github.com/davidahmann/bundlecheck/core/fsx"
	"github.com/davidahmann/bundlecheck/core/postprocess"
	"github.com/davidahmann/bundlecheck/core/validate"
)

// version is stamped at release time via ldflags; default stays dev for local builds.
var version = "0.0.0-dev"

// errValidationFailed flips the exit code after results were already printed.
var errValidationFailed = errors.New("validation failed")

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errValidationFailed) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "bundlecheck",
		Short:         "validate and postprocess config document bundles",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newValidateCmd(), newPostprocessCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	var (
		onlyErrors    bool
		checksumField string
		output        string
		verbose       bool
	)
	cmd := &cobra.Command{
		Use:   "validate BUNDLEFILE",
		Short: "run all validations over a bundle and print the results",
		Long: "Loads a bundle (use - for stdin), runs postprocessing, then all\n" +
			"validations. Prints the result list as JSON and exits non-zero if\n" +
			"any result carries error status.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			b, err := readBundle(args[0])
			if err != nil {
				return err
			}
			if err := postprocess.Postprocess(b, checksumField); err != nil {
				return fmt.Errorf("postprocess bundle: %w", err)
			}

			results := validate.ValidateBundle(b, validate.WithLogger(log))
			failures := errorResults(results)

			printable := results
			if onlyErrors {
				printable = failures
			}
			if err := writeJSON(cmd.OutOrStdout(), output, printable); err != nil {
				return err
			}
			if len(failures) > 0 {
				log.Error("bundle has validation errors", zap.Int("count", len(failures)))
				return errValidationFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&onlyErrors, "only-errors", false, "print only error results")
	cmd.Flags().StringVar(&checksumField, "checksum-field", "", "inject a checksum property of this name into schemas before validating")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write results to this file instead of stdout")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log per-file validation progress")
	return cmd
}

func newPostprocessCmd() *cobra.Command {
	var (
		checksumField string
		output        string
		verbose       bool
	)
	cmd := &cobra.Command{
		Use:   "postprocess BUNDLEFILE",
		Short: "postprocess a bundle and re-emit it as compact JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger(verbose)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			b, err := readBundle(args[0])
			if err != nil {
				return err
			}
			if err := postprocess.Postprocess(b, checksumField); err != nil {
				return fmt.Errorf("postprocess bundle: %w", err)
			}

			if output != "" {
				var buf bytes.Buffer
				if err := b.Dump(&buf); err != nil {
					return err
				}
				if err := fsx.WriteFileAtomic(output, buf.Bytes(), 0o644); err != nil {
					return fmt.Errorf("write bundle: %w", err)
				}
				log.Info("bundle written", zap.String("path", output))
				return nil
			}
			return b.Dump(cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&checksumField, "checksum-field", "$file_sha256sum", "name of the checksum property injected into schemas")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write the patched bundle to this file instead of stdout")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log progress")
	return cmd
}

func readBundle(path string) (*bundle.Bundle, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open bundle: %w", err)
		}
		defer f.Close()
		r = f
	}
	return bundle.Load(r)
}

func errorResults(results []validate.Result) []validate.Result {
	out := []validate.Result{}
	for _, r := range results {
		if r.IsError() {
			out = append(out, r)
		}
	}
	return out
}

func writeJSON(stdout io.Writer, output string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode results: %w", err)
	}
	raw = append(raw, '\n')
	if output == "" {
		_, err := stdout.Write(raw)
		return err
	}
	if err := fsx.WriteFileAtomic(output, raw, 0o644); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}
