package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/wandiff/wandiff/stepcache"
	"github.com/wandiff/wandiff/version"
)

// CalibrationSamples are the drift pairs recorded over a calibration run:
// per step, the relative distance of the time embedding and the relative
// distance of the block stack's output.
type CalibrationSamples struct {
	Inputs  []float64 `yaml:"inputs"`
	Outputs []float64 `yaml:"outputs"`
}

func CalibrateHandler(cmd *cobra.Command, args []string) error {
	input, err := cmd.Flags().GetString("input")
	if err != nil {
		return err
	}

	degree, err := cmd.Flags().GetInt("degree")
	if err != nil {
		return err
	}

	normalize, err := cmd.Flags().GetBool("normalize")
	if err != nil {
		return err
	}

	data, err := os.ReadFile(input)
	if err != nil {
		return err
	}

	var samples CalibrationSamples
	if err := yaml.Unmarshal(data, &samples); err != nil {
		return fmt.Errorf("parsing %s: %w", input, err)
	}

	if normalize {
		samples.Inputs = stepcache.Normalize(samples.Inputs)
		samples.Outputs = stepcache.Normalize(samples.Outputs)
	}

	coefficients, err := stepcache.FitCoefficients(samples.Inputs, samples.Outputs, degree)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(map[string][]float64{"coefficients": coefficients})
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), string(out))
	return nil
}

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "wandiff",
		Short:   "Video diffusion transformer tooling",
		Version: version.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	calibrateCmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Fit step-cache rescaling coefficients from recorded drift samples",
		Long: "Fit the polynomial that maps time-embedding drift to observed block stack " +
			"output drift. The printed coefficients (highest degree first) plug into the " +
			"step cache's calibrated mode.",
		RunE: CalibrateHandler,
	}

	calibrateCmd.Flags().String("input", "", "YAML file with recorded inputs and outputs")
	calibrateCmd.Flags().Int("degree", stepcache.FitDegree, "Polynomial degree to fit")
	calibrateCmd.Flags().Bool("normalize", false, "Min-max normalize samples before fitting")
	_ = calibrateCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(calibrateCmd)

	return rootCmd
}
