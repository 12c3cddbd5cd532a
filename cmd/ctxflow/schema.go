package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	kschema "github.com/ormasoftchile/ctxflow/pkg/kernel/schema"
)

var schemaOut string

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Export the JSON Schema of process documents",
	Args:  cobra.NoArgs,
	RunE:  runSchema,
}

func init() {
	schemaCmd.Flags().StringVarP(&schemaOut, "out", "o", "", "write the schema to a file instead of stdout")
}

func runSchema(cmd *cobra.Command, args []string) error {
	data, err := kschema.GenerateProcessJSONSchema()
	if err != nil {
		return err
	}
	if schemaOut == "" {
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	if err := os.WriteFile(schemaOut, append(data, '\n'), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ schema written to %s\n", schemaOut)
	return nil
}
