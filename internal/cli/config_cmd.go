package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"scenesplit/internal/config"
	"scenesplit/internal/faults"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate scenesplit configuration",
	}

	var format string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			switch format {
			case "json":
				data, err = json.MarshalIndent(root.cfg, "", "  ")
				data = append(data, '\n')
			case "yaml":
				data, err = yaml.Marshal(root.cfg)
			default:
				return faults.Validation("config", "--format must be json or yaml, got %q", format)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(root.stdout, "# %s\n", root.configFile())
			_, err = root.stdout.Write(data)
			return err
		},
	}
	showCmd.Flags().StringVar(&format, "format", "yaml", "output format (json|yaml)")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration and backend availability",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.cfg.Validate(); err != nil {
				return faults.Wrap(faults.ErrValidation, "config", "", root.configFile(), err)
			}
			if _, err := root.cfg.MemoryBudget(); err != nil {
				return faults.Wrap(faults.ErrValidation, "config", "", root.configFile(), err)
			}
			if _, err := root.registry.Resolve(root.cfg.Backends.Order(), root.log); err != nil {
				return err
			}
			root.log.Info("configuration validation", "status", "valid", "file", root.configFile())
			fmt.Fprintf(root.stdout, "configuration is valid: %s\n", root.configFile())
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func (r *Root) configFile() string {
	if r.configPath != "" {
		return r.configPath
	}
	return config.Path()
}
