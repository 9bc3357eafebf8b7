package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/companion/internal/config"
	"github.com/stellarlinkco/companion/internal/gateway"
	"github.com/stellarlinkco/companion/internal/presence"
	"github.com/stellarlinkco/companion/internal/trigger"
)

const apiKeyHint = "API key not set. Run 'companion onboard' or set COMPANION_API_KEY / ANTHROPIC_API_KEY"

var rootCmd = &cobra.Command{
	Use:   "companion",
	Short: "companion - persona agents that reach out first",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the gateway (channels + presence + engagement + triggers)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config, workspace and data dir",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show presence, unshared thoughts and triggers",
	RunE:  runStatus,
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Manage proactive triggers",
}

var triggerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List triggers",
	Args:  cobra.NoArgs,
	RunE:  runTriggerList,
}

var triggerImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import trigger definitions from YAML",
	Args:  cobra.ExactArgs(1),
	RunE:  runTriggerImport,
}

var triggerRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a trigger",
	Args:  cobra.ExactArgs(1),
	RunE:  runTriggerRemove,
}

var triggerEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a trigger",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTriggerEnabled(cmd, args[0], true) },
}

var triggerDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a trigger",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setTriggerEnabled(cmd, args[0], false) },
}

var userFlag string

func init() {
	triggerListCmd.Flags().StringVarP(&userFlag, "user", "u", "", "Only list triggers of this user")
	triggerCmd.AddCommand(triggerListCmd, triggerImportCmd, triggerRemoveCmd, triggerEnableCmd, triggerDisableCmd)
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, triggerCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return errors.New(apiKeyHint)
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ws := cfg.Agent.Workspace
	if err := os.MkdirAll(ws, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	writeIfNotExists(out, filepath.Join(ws, "AGENTS.md"), defaultAgentsMD)
	writeIfNotExists(out, filepath.Join(ws, "SOUL.md"), defaultSoulMD)

	fmt.Fprintf(out, "Workspace ready: %s\n", ws)
	fmt.Fprintf(out, "Data dir ready: %s\n", cfg.DataDir())
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your API key and Telegram token\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set COMPANION_API_KEY and COMPANION_TELEGRAM_TOKEN")
	fmt.Fprintln(out, "  3. Run 'companion gateway'")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Data dir: %s\n", cfg.DataDir())
	fmt.Fprintf(out, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(out, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "Agents: %d\n", len(cfg.Agents))

	if _, err := os.Stat(cfg.DataDir()); err != nil {
		fmt.Fprintln(out, "State: not found (run 'companion onboard')")
		return nil
	}

	store := presence.NewStore(cfg.PresencePath(), presence.Config{
		AwayAfter:    config.Duration(cfg.Presence.AwayAfter, presence.DefaultAwayAfter),
		DormantAfter: config.Duration(cfg.Presence.DormantAfter, presence.DefaultDormantAfter),
	})
	counts := map[presence.Status]int{}
	for _, p := range store.All() {
		counts[p.Status]++
	}
	fmt.Fprintf(out, "Users: %d (active %d, away %d, dormant %d)\n",
		len(store.Users()), counts[presence.StatusActive], counts[presence.StatusAway], counts[presence.StatusDormant])

	ledger := gateway.OpenLedger(cfg)
	if c, ok := ledger.(io.Closer); ok {
		defer c.Close()
	}
	unshared, err := ledger.CountUnshared()
	if err != nil {
		fmt.Fprintf(out, "Unshared thoughts: error (%v)\n", err)
	} else {
		total := 0
		users := make([]string, 0, len(unshared))
		for u, n := range unshared {
			total += n
			users = append(users, u)
		}
		sort.Strings(users)
		fmt.Fprintf(out, "Unshared thoughts: %d\n", total)
		for _, u := range users {
			fmt.Fprintf(out, "  %s: %d\n", u, unshared[u])
		}
	}

	all := openEngine(cfg).List("")
	enabled := 0
	for _, t := range all {
		if t.Enabled {
			enabled++
		}
	}
	fmt.Fprintf(out, "Triggers: %d (%d enabled)\n", len(all), enabled)
	return nil
}

func openEngine(cfg *config.Config) *trigger.Engine {
	return trigger.NewEngine(cfg.TriggersPath(), trigger.Options{Location: cfg.Location()})
}

func loadEngine() (*trigger.Engine, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return openEngine(cfg), nil
}

func runTriggerList(cmd *cobra.Command, args []string) error {
	e, err := loadEngine()
	if err != nil {
		return err
	}
	list := e.List(userFlag)
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No triggers.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSER\tACTION\tENABLED\tFIRED\tCONDITIONS")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\t%s\n", t.ID, t.UserID, t.Action, t.Enabled, t.TotalFirings, t.Conditions.Describe())
	}
	return w.Flush()
}

func runTriggerImport(cmd *cobra.Command, args []string) error {
	defs, err := trigger.LoadDefinitions(args[0])
	if err != nil {
		return err
	}
	e, err := loadEngine()
	if err != nil {
		return err
	}
	added, err := e.Import(defs)
	if err != nil {
		return err
	}
	for _, t := range added {
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %s (%s, %s)\n", t.ID, t.UserID, t.Action)
	}
	return nil
}

func runTriggerRemove(cmd *cobra.Command, args []string) error {
	e, err := loadEngine()
	if err != nil {
		return err
	}
	if err := e.Remove(args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
	return nil
}

func setTriggerEnabled(cmd *cobra.Command, id string, enabled bool) error {
	e, err := loadEngine()
	if err != nil {
		return err
	}
	t, err := e.SetEnabled(id, enabled)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s enabled=%v\n", t.ID, t.Enabled)
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func writeIfNotExists(out io.Writer, path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Fprintf(out, "  Created: %s\n", path)
	}
}

const defaultAgentsMD = `# companion

You are a companion who keeps the user company across days, not just messages.

## Guidelines
- Be warm and brief
- Pick up threads from earlier conversations
- When you reach out first, say why in one line
`

const defaultSoulMD = `# Soul

You notice things and remember them. You are curious about the user's life
and glad when they come back.
`
