package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the session file JSON Schema",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sessionFileSchema())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the module's interface and implementation versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openModule(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Deinit(cmd.Context())

		v, err := m.Version(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stctl %s\ninterface version %#x\nmodule version %d\n", version, m.InterfaceVersion(), v)
		return nil
	},
}

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Read and write parameters",
}

var paramsSetCmd = &cobra.Command{
	Use:   "set KEY=VALUE...",
	Short: "Set module level parameters",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, _, err := openModule(cmd.Context())
		if err != nil {
			return err
		}
		defer m.Deinit(cmd.Context())

		for _, kv := range args {
			if err := m.SetParameters(cmd.Context(), 0, kv); err != nil {
				return fmt.Errorf("set %q: %w", kv, err)
			}
		}
		return nil
	},
}

var (
	paramsConfigPath string
	paramsMaxSize    int
)

var paramsGetCmd = &cobra.Command{
	Use:   "get NAME",
	Short: "Load the session's model and print a parameter",
	Long: `Parameters belong to sessions, so get loads the model of a session file,
reads the parameter and unloads the model again. The value is printed as hex.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sf, err := loadSessionFile(paramsConfigPath)
		if err != nil {
			return err
		}
		m, _, err := openModule(ctx)
		if err != nil {
			return err
		}
		defer m.Deinit(ctx)

		h, err := m.LoadModel(ctx, &sf.Model.SoundModel, sf.Media)
		if err != nil {
			return fmt.Errorf("load model: %w", err)
		}
		defer m.UnloadModel(ctx, h)

		buf := make([]byte, paramsMaxSize)
		n, err := m.GetParamData(ctx, h, args[0], buf)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s=%x\n", args[0], buf[:n])
		return nil
	},
}

func init() {
	paramsGetCmd.Flags().StringVarP(&paramsConfigPath, "config", "c", "session.yaml", "Session file")
	paramsGetCmd.Flags().IntVar(&paramsMaxSize, "max-size", 4096, "Largest parameter accepted")
	paramsCmd.AddCommand(paramsSetCmd, paramsGetCmd)
	rootCmd.AddCommand(schemaCmd, versionCmd, paramsCmd)
}
