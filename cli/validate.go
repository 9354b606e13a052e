package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalboard/workflow"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow file without running it",
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	def, diags, err := loadDefinitionFile(filePath)
	if err != nil {
		return err
	}
	if def != nil {
		diags = def.Validate()
	}

	if format == "json" {
		printDiagnosticsJSON(out, diags)
	} else {
		printDiagnosticsText(out, diags)
	}

	hasErrs := workflow.HasErrors(diags)
	hasWarns := len(workflow.Warnings(diags)) > 0

	if hasErrs || (strict && hasWarns) {
		return exitError(exitValidation, "validation failed")
	}

	return nil
}

// loadDefinitionFile reads and parses a workflow definition from a JSON or
// YAML file. Parse failures come back as diagnostics rather than errors, so
// the caller can print them in the requested format.
func loadDefinitionFile(filePath string) (*workflow.Definition, []workflow.Diagnostic, error) {
	data, err := os.ReadFile(filePath) // #nosec G304 -- path from user CLI arg
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, exitError(exitFileNotFound, "file not found: %s", filePath)
		}
		return nil, nil, fmt.Errorf("reading file: %w", err)
	}

	jsonData, err := yamlToJSONIfNeeded(data, filePath)
	if err != nil {
		return nil, []workflow.Diagnostic{{
			Code:     "WF-000",
			Severity: workflow.SeverityError,
			Message:  fmt.Sprintf("Failed to parse file: %v", err),
		}}, nil
	}

	var def workflow.Definition
	if err := json.Unmarshal(jsonData, &def); err != nil {
		return nil, []workflow.Diagnostic{{
			Code:     "WF-000",
			Severity: workflow.SeverityError,
			Message:  fmt.Sprintf("Failed to parse workflow definition: %v", err),
		}}, nil
	}

	return &def, nil, nil
}

// printDiagnosticsText writes diagnostics as formatted text lines followed by
// a summary. Used by both the validate and compile commands.
func printDiagnosticsText(w io.Writer, diags []workflow.Diagnostic) {
	for _, d := range diags {
		sev := strings.ToUpper(d.Severity)
		if d.Path != "" {
			fmt.Fprintf(w, "%s [%s]: %s (at %s)\n", sev, d.Code, d.Message, d.Path)
		} else {
			fmt.Fprintf(w, "%s [%s]: %s\n", sev, d.Code, d.Message)
		}
	}

	errs := workflow.Errors(diags)
	warns := workflow.Warnings(diags)

	switch {
	case len(errs) == 0 && len(warns) == 0:
		fmt.Fprintln(w, "Valid!")
	case len(errs) == 0 && len(warns) > 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", len(warns), pluralize("warning", len(warns)))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n",
			len(errs), pluralize("error", len(errs)),
			len(warns), pluralize("warning", len(warns)))
	}
}

func printDiagnosticsJSON(w io.Writer, diags []workflow.Diagnostic) {
	// Output an empty array rather than null when there are no diagnostics.
	if diags == nil {
		diags = []workflow.Diagnostic{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(diags)
}

// yamlToJSONIfNeeded converts YAML data to JSON if the file path indicates a
// YAML file. JSON files are returned as-is.
func yamlToJSONIfNeeded(data []byte, path string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		var raw any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
		return json.Marshal(raw)
	}
	return data, nil
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
