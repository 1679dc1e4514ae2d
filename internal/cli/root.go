package cli

import (
	"fmt"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/nerdneilsfield/go-selection-translator/internal/config"
)

// NewRootCommand 创建根命令
func NewRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "selectrans",
		Short: "selectrans translates selected parts of HTML pages in place",
		Long: `selectrans translates the visible text of a selection inside an HTML page,
replaces it in place with marked wrappers that can be reverted, and shows
the result in a popup hosted by the top-level page.

Built-in providers:
  - echo:    returns the source text unchanged
  - reverse: reverses every line (useful for demos and tests)
  - openai:  OpenAI chat models`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", "", "Config file (default $HOME/.selectrans.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(NewTranslateCommand())
	rootCmd.AddCommand(NewProvidersCommand())
	rootCmd.AddCommand(NewConfigCommand())

	return rootCmd
}

// NewProvidersCommand 列出内置提供商及其能力
func NewProvidersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List the available translation providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			registry, err := newRegistry(cfg, nil)
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Provider", "Batch", "Max Text", "API Key", "Default"})
			for _, name := range registry.List() {
				p, err := registry.Get(name)
				if err != nil {
					return err
				}
				caps := p.GetCapabilities()
				maxText := "-"
				if caps.MaxTextLength > 0 {
					maxText = formatNumber(int64(caps.MaxTextLength))
				}
				def := ""
				if name == cfg.Provider {
					def = "*"
				}
				tw.AppendRow(table.Row{name, yesNo(caps.SupportsBatch), maxText, yesNo(caps.RequiresAPIKey), def})
			}
			tw.SetStyle(table.StyleLight)
			tw.Render()
			return nil
		},
	}
}

// NewConfigCommand 显示或初始化配置
func NewConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or initialise the configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			settings := cfg.ToMap()
			settings["openai.api_key"] = maskKey(cfg.OpenAI.APIKey)
			settings["libretranslate.api_key"] = maskKey(cfg.LibreTranslate.APIKey)
			keys := make([]string, 0, len(settings))
			for key := range settings {
				keys = append(keys, key)
			}
			sort.Strings(keys)

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Key", "Value"})
			for _, key := range keys {
				tw.AppendRow(table.Row{key, settings[key]})
			}
			tw.SetStyle(table.StyleLight)
			tw.Render()
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "init [path]",
		Short: "Write a default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.SaveConfig(config.NewDefaultConfig(), path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration written")
			return nil
		},
	})

	return configCmd
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func maskKey(key string) string {
	if len(key) <= 8 {
		if key == "" {
			return ""
		}
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
