package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/ekisa-team/rvcbroker/internal/model"
)

var modelsJSON bool

var (
	primaryColor = lipgloss.Color("#00ff9f")
	dimColor     = lipgloss.Color("#6e7681")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	dimStyle    = lipgloss.NewStyle().Foreground(dimColor).Padding(0, 1)
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the installed voice models",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		models, err := model.NewCatalog(cfg.Storage.ModelsDir, cfg.Conversion.MaxWeightsBytes()).List()
		if err != nil {
			return kindError(err)
		}

		if modelsJSON {
			return writeModelsJSON(cmd.OutOrStdout(), models)
		}

		if len(models) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No models in %s\n", cfg.Storage.ModelsDir)
			return nil
		}

		fmt.Fprintln(cmd.OutOrStdout(), modelsTable(models))

		return nil
	},
}

func init() {
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "output as JSON (for piping)")
}

type modelJSON struct {
	Name     string  `json:"name"`
	Path     string  `json:"path"`
	HasIndex bool    `json:"has_index"`
	SizeMB   float64 `json:"size_mb"`
}

func writeModelsJSON(w io.Writer, models []*model.VoiceModel) error {
	out := make([]modelJSON, 0, len(models))
	for _, m := range models {
		out = append(out, modelJSON{Name: m.Name, Path: m.Dir, HasIndex: m.HasIndex(), SizeMB: m.SizeMB()})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(out)
}

func modelsTable(models []*model.VoiceModel) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
		Headers("NAME", "INDEX", "SIZE (MB)", "PATH").
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 3:
				return dimStyle
			default:
				return cellStyle
			}
		})

	for _, m := range models {
		index := "-"
		if m.HasIndex() {
			index = "yes"
		}
		t.Row(m.Name, index, strconv.FormatFloat(m.SizeMB(), 'f', 1, 64), m.Dir)
	}

	return t.Render()
}
