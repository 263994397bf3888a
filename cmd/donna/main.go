package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/donna/internal/config"
	"github.com/kestrelworks/donna/internal/gateway"
	"github.com/kestrelworks/donna/internal/queue"
	"github.com/kestrelworks/donna/internal/remote/googletasks"
	"github.com/kestrelworks/donna/internal/task"
	"github.com/kestrelworks/donna/internal/tasksync"
)

const oneShotTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "donna",
	Short: "donna - capture commands and keep them in sync with Google Tasks",
}

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the daemon (channels + queue + sync poller + cron)",
	RunE:  runGateway,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show donna status",
	RunE:  runStatus,
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Work with the synced task list",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "Fetch and print the task list",
	RunE:  runTasksList,
}

var tasksAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTasksAdd,
}

var tasksDoneCmd = &cobra.Command{
	Use:   "done <task-id>",
	Short: "Mark a task completed",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksDone,
}

var tasksUndoneCmd = &cobra.Command{
	Use:   "undone <task-id>",
	Short: "Mark a task as needing action again",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksUndone,
}

var tasksRmCmd = &cobra.Command{
	Use:   "rm <task-id>",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksRm,
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect the local command queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured commands",
	RunE:  runQueueList,
}

var (
	notesFlag       string
	dueFlag         string
	queueStatusFlag string
	queueLimitFlag  int
)

func init() {
	tasksAddCmd.Flags().StringVar(&notesFlag, "notes", "", "Task notes")
	tasksAddCmd.Flags().StringVar(&dueFlag, "due", "", "Due date (RFC3339 or YYYY-MM-DD)")
	queueListCmd.Flags().StringVar(&queueStatusFlag, "status", "", "Filter by status (queued, recorded, transcribing, processing, completed, failed)")
	queueListCmd.Flags().IntVar(&queueLimitFlag, "limit", 20, "Maximum commands to show")

	tasksCmd.AddCommand(tasksListCmd, tasksAddCmd, tasksDoneCmd, tasksUndoneCmd, tasksRmCmd)
	queueCmd.AddCommand(queueListCmd)
	rootCmd.AddCommand(gatewayCmd, onboardCmd, statusCmd, tasksCmd, queueCmd)
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

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

// newSyncer builds a one-shot syncer for CLI task commands.
func newSyncer(cfg *config.Config) *tasksync.Syncer {
	gate := googletasks.NewGate(cfg.Tasks.ClientPath, cfg.Tasks.TokenPath)
	return tasksync.NewSyncer(gate, cfg.Tasks.ListID)
}

func withSyncer(fn func(ctx context.Context, s *tasksync.Syncer) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), oneShotTimeout)
	defer cancel()

	return fn(ctx, newSyncer(cfg))
}

func runTasksList(cmd *cobra.Command, args []string) error {
	return withSyncer(func(ctx context.Context, s *tasksync.Syncer) error {
		if err := s.Refresh(ctx); err != nil {
			return err
		}
		st := s.State()
		if len(st.Tasks) == 0 {
			fmt.Println("No tasks.")
			return nil
		}
		for _, tk := range st.Tasks {
			marker := "[ ]"
			if tk.Status == task.StatusCompleted {
				marker = "[x]"
			}
			line := fmt.Sprintf("%s %s  %s", marker, tk.ID, tk.Title)
			if !tk.Due.IsZero() {
				line += "  (due " + tk.Due.Format("2006-01-02") + ")"
			}
			fmt.Println(line)
		}
		return nil
	})
}

func runTasksAdd(cmd *cobra.Command, args []string) error {
	title := strings.Join(args, " ")

	var due time.Time
	if dueFlag != "" {
		parsed, err := parseDue(dueFlag)
		if err != nil {
			return err
		}
		due = parsed
	}

	return withSyncer(func(ctx context.Context, s *tasksync.Syncer) error {
		created, err := s.CreateTask(ctx, title, notesFlag, due)
		if err != nil {
			return err
		}
		fmt.Printf("Added: %s (%s)\n", created.Title, created.ID)
		return nil
	})
}

func runTasksDone(cmd *cobra.Command, args []string) error {
	return withSyncer(func(ctx context.Context, s *tasksync.Syncer) error {
		if err := s.CompleteTask(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Completed: %s\n", args[0])
		return nil
	})
}

func runTasksUndone(cmd *cobra.Command, args []string) error {
	return withSyncer(func(ctx context.Context, s *tasksync.Syncer) error {
		if err := s.UncompleteTask(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Reopened: %s\n", args[0])
		return nil
	})
}

func runTasksRm(cmd *cobra.Command, args []string) error {
	return withSyncer(func(ctx context.Context, s *tasksync.Syncer) error {
		if err := s.DeleteTask(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted: %s\n", args[0])
		return nil
	})
}

func parseDue(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid due %q: want RFC3339 or YYYY-MM-DD", s)
}

func runQueueList(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := queue.Open(cfg.Queue.DBPath)
	if err != nil {
		return fmt.Errorf("open command queue: %w", err)
	}
	defer store.Close()

	cmds, err := store.List(queueStatusFlag, queueLimitFlag)
	if err != nil {
		return err
	}
	if len(cmds) == 0 {
		fmt.Println("No commands.")
		return nil
	}
	for _, c := range cmds {
		line := fmt.Sprintf("%s  %-12s %s", c.CreatedAt.Local().Format("2006-01-02 15:04"), c.Status, truncate(c.EffectiveText(), 60))
		if c.ActionNeeded {
			line += "  [action needed]"
		}
		if c.ErrorMessage != "" {
			line += "  (" + truncate(c.ErrorMessage, 60) + ")"
		}
		fmt.Println(line)
	}
	return nil
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, _ := config.LoadConfig()
	if err := os.MkdirAll(filepath.Join(cfg.Agent.Workspace, "media"), 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	fmt.Printf("Workspace ready: %s\n", cfg.Agent.Workspace)

	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Put your Google OAuth client JSON at %s\n", cfg.Tasks.ClientPath)
	fmt.Printf("  2. Put an authorized token JSON at %s\n", cfg.Tasks.TokenPath)
	fmt.Printf("  3. Set the Telegram bot token in %s or DONNA_TELEGRAM_TOKEN\n", cfgPath)
	fmt.Println("  4. Run 'donna tasks list' to verify the connection")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("Config: error (%v)\n", err)
		return nil
	}

	fmt.Printf("Config: %s\n", config.ConfigPath())
	fmt.Printf("Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	fmt.Printf("Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Printf("API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Println("API Key: set")
	} else {
		fmt.Println("API Key: not set (commands keep their raw text as title)")
	}
	fmt.Printf("Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)

	if cfg.Tasks.ListID != "" {
		fmt.Printf("Task list: %s\n", cfg.Tasks.ListID)
	} else {
		fmt.Println("Task list: (first list, resolved on connect)")
	}
	fmt.Printf("Poll interval: %s\n", cfg.Tasks.PollIntervalDuration())

	fmt.Printf("Google credentials: %s\n", credentialsDisplay(cfg.Tasks))

	store, err := queue.Open(cfg.Queue.DBPath)
	if err != nil {
		fmt.Printf("Queue: error (%v)\n", err)
		return nil
	}
	defer store.Close()

	failed, _ := store.List(queue.StatusFailed, 100)
	actionNeeded := 0
	for _, c := range failed {
		if c.ActionNeeded {
			actionNeeded++
		}
	}
	fmt.Printf("Queue: %s (%d failed, %d need attention)\n", cfg.Queue.DBPath, len(failed), actionNeeded)

	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func credentialsDisplay(tc config.TasksConfig) string {
	if _, err := os.Stat(tc.ClientPath); err != nil {
		return "client JSON missing (run 'donna onboard')"
	}
	if _, err := os.Stat(tc.TokenPath); err != nil {
		return "token JSON missing"
	}
	return "present"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
