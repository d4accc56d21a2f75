package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ekisa-team/rvcbroker/internal/service"
)

var (
	convertInput     string
	convertModel     string
	convertOutput    string
	convertPitch     int
	convertMethod    string
	convertIndexRate float64
	convertForceCPU  bool
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert an audio file with a voice model",
	Long: `Convert one audio file and write the result as WAV.

--model accepts a model name from the models directory, a model directory,
or a weights file.

Examples:
  rvcbroker convert --input song.wav --model alice
  rvcbroker convert -i take.mp3 -m ./models/bob -o bob_take --pitch -2 --method crepe
  rvcbroker convert -i take.wav -m alice --index-rate 0`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		rt, err := newRuntime(cmd.Context(), cfg, runtimeOptions{forceCPU: convertForceCPU, modelPaths: true})
		if err != nil {
			return err
		}
		defer rt.Close()

		req := &service.ConvertRequest{
			InputAudio: convertInput,
			ModelName:  convertModel,
			Pitch:      convertPitch,
			F0Method:   convertMethod,
			OutputName: convertOutput,
		}
		if cmd.Flags().Changed("index-rate") {
			req.IndexRate = &convertIndexRate
		}

		res, err := rt.broker.Convert(cmd.Context(), req)
		if err != nil {
			return kindError(err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), res.OutputPath)
		if verbose {
			fmt.Fprintf(cmd.ErrOrStderr(), "model=%s variant=%s sample_rate=%d duration=%.2fs index=%t\n",
				res.Model, res.Variant, res.SampleRate, res.Duration, res.IndexUsed)
		}

		return nil
	},
}

func init() {
	convertCmd.Flags().StringVarP(&convertInput, "input", "i", "", "input audio file (required)")
	convertCmd.Flags().StringVarP(&convertModel, "model", "m", "", "model name, directory or weights file (required)")
	convertCmd.Flags().StringVarP(&convertOutput, "output", "o", "", "output file name in the outputs directory")
	convertCmd.Flags().IntVarP(&convertPitch, "pitch", "p", 0, "pitch shift in semitones")
	convertCmd.Flags().StringVar(&convertMethod, "method", "", "pitch method: pm, harvest, crepe or rmvpe")
	convertCmd.Flags().Float64Var(&convertIndexRate, "index-rate", service.DefaultIndexRate, "index blend rate in [0, 1]")
	convertCmd.Flags().BoolVar(&convertForceCPU, "force-cpu", false, "use the CPU even when a GPU is available")

	_ = convertCmd.MarkFlagRequired("input")
	_ = convertCmd.MarkFlagRequired("model")
}
