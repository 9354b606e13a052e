package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalboard/workflow"
)

// NewCompileCmd creates the "compile" subcommand.
func NewCompileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compile <file>",
		Short: "Compile a workflow file to its orchestrator program",
		Args:  cobra.ExactArgs(1),
		RunE:  runCompile,
	}

	cmd.Flags().StringP("output", "o", "", "Output file path (default: stdout)")
	cmd.Flags().Bool("json", false, "Emit program and step numbering as JSON")
	cmd.Flags().Bool("validate-only", false, "Only validate, don't compile")

	return cmd
}

// runCompile implements the compile pipeline:
//
//	read file → parse definition → validate
//	→ (if --validate-only: print "Valid" and exit 0)
//	→ compile program → write output
func runCompile(cmd *cobra.Command, args []string) error {
	filePath := args[0]
	stderr := cmd.ErrOrStderr()
	stdout := cmd.OutOrStdout()

	asJSON, _ := cmd.Flags().GetBool("json")
	validateOnly, _ := cmd.Flags().GetBool("validate-only")
	outputPath, _ := cmd.Flags().GetString("output")

	def, parseDiags, err := loadDefinitionFile(filePath)
	if err != nil {
		return err
	}
	if def == nil {
		printDiagnosticsText(stderr, parseDiags)
		return exitError(exitValidation, "parsing workflow failed")
	}

	diags := def.Validate()
	if workflow.HasErrors(diags) {
		printDiagnosticsText(stderr, workflow.Errors(diags))
		return exitError(exitValidation, "workflow validation failed with %d error(s)", len(workflow.Errors(diags)))
	}

	if validateOnly {
		fmt.Fprintln(stdout, "Valid")
		return nil
	}

	program, orderIndex := def.Program()

	var out []byte
	if asJSON {
		out, err = json.MarshalIndent(compileOutput{
			Program:    program,
			OrderIndex: orderIndex,
		}, "", "  ")
		if err != nil {
			return exitError(exitValidation, "serializing program: %s", err)
		}
		out = append(out, '\n')
	} else {
		out = []byte(program)
		if program != "" {
			out = append(out, '\n')
		}
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, out, 0600); err != nil {
			return fmt.Errorf("writing output file: %w", err)
		}
	} else {
		if _, err := stdout.Write(out); err != nil {
			return fmt.Errorf("writing to stdout: %w", err)
		}
	}

	return nil
}

type compileOutput struct {
	Program    string         `json:"program"`
	OrderIndex map[string]int `json:"order_index"`
}
