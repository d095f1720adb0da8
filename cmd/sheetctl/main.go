// Command sheetctl runs the engine's spreadsheet pipeline against local XLSX
// and CSV files: describe structure, analyze a request with the configured AI
// provider, apply the proposed change, and undo the last apply.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"formulai/engine/internal/action"
	"formulai/engine/internal/appdirs"
	"formulai/engine/internal/envfile"
	"formulai/engine/internal/explain"
	"formulai/engine/internal/forecast"
	"formulai/engine/internal/interpret"
	"formulai/engine/internal/openai"
	"formulai/engine/internal/secrets"
	"formulai/engine/internal/settings"
	"formulai/engine/internal/undo"
	"formulai/engine/internal/workbook"
)

const undoSidecarSuffix = ".undo.json"

var (
	sheetFlag    string
	promptFlag   string
	applyFlag    bool
	actionFlag   string
	formulaFlag  string
	rangeFlag    string
	chartFlag    string
	columnFlag   string
	periodsFlag  int
	prettyFlag   bool
)

func main() {
	envfile.Load()

	rootCmd := &cobra.Command{
		Use:           "sheetctl",
		Short:         "Inspect and edit local spreadsheet files",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&sheetFlag, "sheet", "", "Sheet title (default: first sheet)")
	rootCmd.PersistentFlags().BoolVar(&prettyFlag, "pretty", false, "Pretty-print JSON output")

	describeCmd := &cobra.Command{
		Use:   "describe [file]",
		Short: "Print the structural descriptor of a sheet",
		Args:  cobra.ExactArgs(1),
		RunE:  runDescribe,
	}

	analyzeCmd := &cobra.Command{
		Use:   "analyze [file]",
		Short: "Ask the AI provider what change satisfies a request",
		Args:  cobra.ExactArgs(1),
		RunE:  runAnalyze,
	}
	analyzeCmd.Flags().StringVar(&promptFlag, "prompt", "", "What you want done, in plain language")
	analyzeCmd.Flags().BoolVar(&applyFlag, "apply", false, "Apply the proposed change to the file")
	_ = analyzeCmd.MarkFlagRequired("prompt")

	applyCmd := &cobra.Command{
		Use:   "apply [file]",
		Short: "Apply a formula or chart to the file",
		Args:  cobra.ExactArgs(1),
		RunE:  runApply,
	}
	applyCmd.Flags().StringVar(&actionFlag, "action", "formula", "Action kind: formula or chart")
	applyCmd.Flags().StringVar(&formulaFlag, "formula", "", "Formula to write, e.g. =SUM(B2:B10)")
	applyCmd.Flags().StringVar(&rangeFlag, "range", "", "Target range in A1 notation")
	applyCmd.Flags().StringVar(&chartFlag, "chart", "", "Chart config JSON for --action chart")

	undoCmd := &cobra.Command{
		Use:   "undo [file]",
		Short: "Restore the state before the last apply",
		Args:  cobra.ExactArgs(1),
		RunE:  runUndo,
	}

	explainCmd := &cobra.Command{
		Use:   "explain [formula]",
		Short: "Describe a formula in plain language",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(args[0]) == "" {
				return errors.New("formula must not be empty")
			}
			return printJSON(explain.Formula(strings.TrimSpace(args[0])))
		},
	}

	forecastCmd := &cobra.Command{
		Use:   "forecast [file]",
		Short: "Project a numeric column forward with a linear fit",
		Args:  cobra.ExactArgs(1),
		RunE:  runForecast,
	}
	forecastCmd.Flags().StringVar(&columnFlag, "column", "", "Column header to forecast")
	forecastCmd.Flags().IntVar(&periodsFlag, "periods", forecast.DefaultPeriods, "Number of periods to project")
	_ = forecastCmd.MarkFlagRequired("column")

	rootCmd.AddCommand(describeCmd, analyzeCmd, applyCmd, undoCmd, explainCmd, forecastCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func printJSON(value any) error {
	enc := json.NewEncoder(os.Stdout)
	if prettyFlag {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(value)
}

func runDescribe(cmd *cobra.Command, args []string) error {
	wb, err := workbook.Open(args[0])
	if err != nil {
		return err
	}
	defer wb.Close()
	descriptor, err := wb.Describe(sheetFlag)
	if err != nil {
		return err
	}
	descriptor.SheetTitles = wb.SheetTitles()
	return printJSON(descriptor)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	apiKey, model, err := providerConfig()
	if err != nil {
		return err
	}
	wb, err := workbook.Open(args[0])
	if err != nil {
		return err
	}
	defer wb.Close()
	descriptor, err := wb.Describe(sheetFlag)
	if err != nil {
		return err
	}

	interpreter := interpret.New(openai.NewClient(), nil)
	result, err := interpreter.Interpret(context.Background(), apiKey, model, descriptor, wb.SheetTitles(), promptFlag)
	if err != nil {
		return err
	}
	if err := printJSON(result); err != nil {
		return err
	}
	if !applyFlag {
		return nil
	}
	act, err := action.Parse(result.ActionKind, result.Implementation, result.Range)
	if err != nil {
		return fmt.Errorf("proposal cannot be applied: %w", err)
	}
	return applyAction(wb, args[0], descriptor.SheetTitle, act)
}

func runApply(cmd *cobra.Command, args []string) error {
	var implementation json.RawMessage
	switch action.Kind(strings.ToLower(strings.TrimSpace(actionFlag))) {
	case action.KindFormula:
		if strings.TrimSpace(formulaFlag) == "" {
			return errors.New("--formula is required for --action formula")
		}
		raw, err := json.Marshal(formulaFlag)
		if err != nil {
			return err
		}
		implementation = raw
	case action.KindChart:
		if strings.TrimSpace(chartFlag) == "" {
			return errors.New("--chart is required for --action chart")
		}
		implementation = json.RawMessage(chartFlag)
	default:
		return fmt.Errorf("unknown action %q", actionFlag)
	}
	act, err := action.Parse(actionFlag, implementation, rangeFlag)
	if err != nil {
		return err
	}

	wb, err := workbook.Open(args[0])
	if err != nil {
		return err
	}
	defer wb.Close()
	descriptor, err := wb.Describe(sheetFlag)
	if err != nil {
		return err
	}
	return applyAction(wb, args[0], descriptor.SheetTitle, act)
}

func applyAction(wb *workbook.Workbook, path, sheetTitle string, act action.Action) error {
	switch act.Kind {
	case action.KindFormula:
		before, err := wb.ReadRange(sheetTitle, act.Formula.Range)
		if err != nil {
			return err
		}
		if err := wb.ApplyFormula(sheetTitle, act.Formula.Range, act.Formula.Formula); err != nil {
			return err
		}
		savedPath, err := wb.Save()
		if err != nil {
			return err
		}
		if err := writeUndoSidecar(path, undo.Snapshot{
			SpreadsheetID: path,
			SheetTitle:    sheetTitle,
			Range:         act.Formula.Range,
			Values:        before,
		}); err != nil {
			return fmt.Errorf("change applied but undo snapshot not saved: %w", err)
		}
		fmt.Printf("applied %s to %s!%s (%s)\n", act.Formula.Formula, sheetTitle, act.Formula.Range, savedPath)
		return nil
	case action.KindChart:
		if err := wb.AddChart(sheetTitle, *act.Chart); err != nil {
			return err
		}
		savedPath, err := wb.Save()
		if err != nil {
			return err
		}
		// No prior cell values to capture for a chart insertion.
		if err := writeUndoSidecar(path, undo.Snapshot{
			SpreadsheetID: path,
			SheetTitle:    sheetTitle,
			Range:         act.Chart.DataRange,
			Unavailable:   true,
		}); err != nil {
			return fmt.Errorf("change applied but undo snapshot not saved: %w", err)
		}
		fmt.Printf("added %s chart to %s (%s)\n", act.Chart.Type, sheetTitle, savedPath)
		return nil
	default:
		return fmt.Errorf("action %q is not supported", act.Kind)
	}
}

func runUndo(cmd *cobra.Command, args []string) error {
	path := args[0]
	snapshot, err := readUndoSidecar(path)
	if err != nil {
		return err
	}
	if snapshot.Unavailable {
		_ = os.Remove(undoSidecarPath(path))
		return errors.New("previous values for the last change were not captured")
	}
	wb, err := workbook.Open(path)
	if err != nil {
		return err
	}
	defer wb.Close()
	values := snapshot.Values
	if len(values) == 0 {
		values = [][]string{{""}}
	}
	if err := wb.WriteRange(snapshot.SheetTitle, snapshot.Range, values); err != nil {
		return err
	}
	if _, err := wb.Save(); err != nil {
		return err
	}
	if err := os.Remove(undoSidecarPath(path)); err != nil {
		return err
	}
	fmt.Printf("restored %s!%s\n", snapshot.SheetTitle, snapshot.Range)
	return nil
}

func runForecast(cmd *cobra.Command, args []string) error {
	wb, err := workbook.Open(args[0])
	if err != nil {
		return err
	}
	defer wb.Close()
	descriptor, err := wb.Describe(sheetFlag)
	if err != nil {
		return err
	}
	columnIndex := -1
	for i, header := range descriptor.Headers {
		if strings.EqualFold(strings.TrimSpace(header), strings.TrimSpace(columnFlag)) {
			columnIndex = i
			break
		}
	}
	if columnIndex < 0 {
		return fmt.Errorf("column %q not found", columnFlag)
	}
	letter := string(rune('A' + columnIndex))
	grid, err := wb.ReadRange(descriptor.SheetTitle, fmt.Sprintf("%s2:%s1000", letter, letter))
	if err != nil {
		return err
	}
	cells := make([]string, 0, len(grid))
	for _, row := range grid {
		if len(row) > 0 {
			cells = append(cells, row[0])
		}
	}
	result, err := forecast.Column(descriptor.Headers[columnIndex], cells, periodsFlag)
	if err != nil {
		return err
	}
	return printJSON(result)
}

// providerConfig resolves the OpenAI key and model the same way the engine
// does: the encrypted store under the data dir, with OPENAI_API_KEY as a
// fallback for the key.
func providerConfig() (apiKey, model string, err error) {
	dataDir, err := appdirs.DataDir()
	if err != nil {
		return "", "", err
	}
	store := secrets.NewStore(filepath.Join(dataDir, "secrets.enc"), filepath.Join(dataDir, "master.key"))
	apiKey, err = store.GetOpenAIKey()
	if err != nil {
		return "", "", err
	}
	if strings.TrimSpace(apiKey) == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if apiKey == "" {
		return "", "", errors.New("no api key configured: run the engine's ProvidersSetApiKey or set OPENAI_API_KEY")
	}
	settingsData, err := settings.NewStore(filepath.Join(dataDir, "settings.json")).Load()
	if err != nil {
		return "", "", err
	}
	model = settingsData.Providers[settings.ProviderOpenAI].ModelID
	if strings.TrimSpace(model) == "" {
		return "", "", fmt.Errorf("no model configured for provider %s", settings.ProviderOpenAI)
	}
	return apiKey, model, nil
}

func undoSidecarPath(path string) string {
	return path + undoSidecarSuffix
}

func writeUndoSidecar(path string, snapshot undo.Snapshot) error {
	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(undoSidecarPath(path), raw, 0o644)
}

func readUndoSidecar(path string) (undo.Snapshot, error) {
	raw, err := os.ReadFile(undoSidecarPath(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return undo.Snapshot{}, errors.New("nothing to undo")
		}
		return undo.Snapshot{}, err
	}
	var snapshot undo.Snapshot
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return undo.Snapshot{}, err
	}
	return snapshot, nil
}
