package commands

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ekisa-team/rvcbroker/internal/service"
	"github.com/ekisa-team/rvcbroker/internal/xfs"
)

var (
	synthText   string
	synthVoice  string
	synthRate   int
	synthPitch  int
	synthOutput string
)

var synthesizeCmd = &cobra.Command{
	Use:     "synthesize",
	Aliases: []string{"tts"},
	Short:   "Produce speech from text",
	Long: `Produce speech from text with edge-tts.

The audio is written to the temp directory unless --output names a file to
move it to.

Examples:
  rvcbroker synthesize --text "Olá, tudo bem?"
  rvcbroker tts -t "Hello" --voice en-US-AriaNeural --rate 10 -o hello.mp3`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		// Synthesis never touches the conversion engine, so skip the GPU probe.
		rt, err := newRuntime(cmd.Context(), cfg, runtimeOptions{forceCPU: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.broker.Synthesize(cmd.Context(), &service.SynthesizeRequest{
			Text:  synthText,
			Voice: synthVoice,
			Rate:  synthRate,
			Pitch: synthPitch,
		})
		if err != nil {
			return kindError(err)
		}

		path := res.OutputPath
		if synthOutput != "" {
			if path, err = moveFile(res.OutputPath, synthOutput); err != nil {
				return err
			}
		}

		fmt.Fprintln(cmd.OutOrStdout(), path)

		return nil
	},
}

func init() {
	synthesizeCmd.Flags().StringVarP(&synthText, "text", "t", "", "text to speak (required)")
	synthesizeCmd.Flags().StringVar(&synthVoice, "voice", "", "voice name (default from config)")
	synthesizeCmd.Flags().IntVar(&synthRate, "rate", 0, "speaking rate change in percent")
	synthesizeCmd.Flags().IntVar(&synthPitch, "pitch", 0, "pitch change in Hz")
	synthesizeCmd.Flags().StringVarP(&synthOutput, "output", "o", "", "destination file")

	_ = synthesizeCmd.MarkFlagRequired("text")
}

// moveFile moves src to dst, copying when they are on different devices.
func moveFile(src, dst string) (string, error) {
	dst = xfs.ExpandTilde(dst)
	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.Rename(src, dst); err == nil {
		return dst, nil
	}

	in, err := os.Open(src)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	if err := xfs.WriteFileAtomic(dst, func(f *os.File) error {
		_, err := io.Copy(f, in)
		return err
	}); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", dst, err)
	}
	_ = os.Remove(src)

	return dst, nil
}
