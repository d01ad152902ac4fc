package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/dunamismax/retouch/internal/logging"
	"github.com/dunamismax/retouch/internal/pipeline"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type enhanceOptions struct {
	output       string
	mimeType     string
	upscale      string
	denoise      string
	sharpen      string
	autoContrast string
	colorBoost   string
}

func newEnhanceCommand(verbose *bool) *cobra.Command {
	var opts enhanceOptions

	cmd := &cobra.Command{
		Use:   "enhance <input>",
		Short: "Enhance one image and write the result next to it",
		Long: "Runs the same enhancement pipeline as the API. Parameters accept the\n" +
			"same text as the form fields; invalid values fall back to defaults.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			data, err := os.ReadFile(input)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("file does not exist: %s", input)
				}
				return fmt.Errorf("read input: %w", err)
			}

			mimeType := strings.TrimSpace(opts.mimeType)
			if mimeType == "" {
				mimeType = pipeline.MIMETypeForExtension(filepath.Ext(input))
			}
			cfg := pipeline.Normalize(paramsFromFlags(cmd.Flags(), opts))

			level := "warn"
			if *verbose {
				level = "debug"
			}
			logger := logging.NewWithOutput(cmd.ErrOrStderr(), "cli", level, "text")

			if err := pipeline.Startup(pipeline.RuntimeOptions{Concurrency: runtime.NumCPU()}); err != nil {
				return err
			}
			defer pipeline.Shutdown()

			enhancer, err := pipeline.NewEnhancer(logger)
			if err != nil {
				return err
			}

			out, err := enhancer.Enhance(cmd.Context(), pipeline.RawImage{Data: data, MIMEType: mimeType}, cfg)
			if err != nil {
				return fmt.Errorf("%s (%w)", pipeline.UserMessage(err), err)
			}

			target := opts.output
			if target == "" {
				target = defaultOutputPath(input, out.Format)
			}
			if err := os.WriteFile(target, out.Data, 0o644); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%dx%d\t%s\n",
				target, out.ContentType, out.Width, out.Height, humanize.Bytes(uint64(len(out.Data))))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.output, "output", "o", "", "Output path (default <input>.enhanced.<ext>)")
	flags.StringVar(&opts.mimeType, "mime", "", "Declared input MIME type (default inferred from the extension)")
	flags.StringVar(&opts.upscale, "upscale", "", "Upscale factor 1-4")
	flags.StringVar(&opts.denoise, "denoise", "", "Denoise level 0-3")
	flags.StringVar(&opts.sharpen, "sharpen", "", "Sharpen level 0-2")
	flags.StringVar(&opts.autoContrast, "auto-contrast", "", "Stretch levels (true/false)")
	flags.StringVar(&opts.colorBoost, "color-boost", "", "Boost color (true/false)")

	return cmd
}

// paramsFromFlags leaves unset flags nil so Normalize applies its defaults.
func paramsFromFlags(flags *pflag.FlagSet, opts enhanceOptions) pipeline.Params {
	pick := func(name, value string) *string {
		if !flags.Changed(name) {
			return nil
		}
		return &value
	}
	return pipeline.Params{
		Upscale:      pick("upscale", opts.upscale),
		Denoise:      pick("denoise", opts.denoise),
		Sharpen:      pick("sharpen", opts.sharpen),
		AutoContrast: pick("auto-contrast", opts.autoContrast),
		ColorBoost:   pick("color-boost", opts.colorBoost),
	}
}

func defaultOutputPath(input string, format pipeline.Format) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + ".enhanced." + format.Extension()
}
