package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/dispatch/task"
)

var listFlags struct {
	state string
	owner string
	caps  string
	limit int
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "list tasks",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		q := url.Values{}
		if listFlags.state != "" {
			q.Set("state", listFlags.state)
		}
		if listFlags.owner != "" {
			q.Set("owner", listFlags.owner)
		}
		if listFlags.caps != "" {
			q.Set("capabilities", listFlags.caps)
		}
		if listFlags.limit > 0 {
			q.Set("limit", strconv.Itoa(listFlags.limit))
		}
		path := "/api/tasks"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var tasks []*task.Task
		if err := cli.get(path, &tasks); err != nil {
			return err
		}
		printTasks(tasks)
		return nil
	},
}

func printTasks(tasks []*task.Task) {
	if len(tasks) == 0 {
		fmt.Println("no tasks")
		return
	}
	fmt.Printf("%-6s %-14s %-28s %-22s %-8s %-4s %-16s\n", "ID", "CODE", "NAME", "STATE", "PRIORITY", "FAIL", "OWNER")
	fmt.Println(strings.Repeat("-", 104))
	for _, t := range tasks {
		fmt.Printf("%-6d %-14s %-28s %-22s %-8.1f %-4d %-16s\n",
			t.ID,
			truncate(t.Code, 13),
			truncate(t.Name, 27),
			humanize(string(t.State)),
			t.PriorityScore,
			t.FailureCount,
			t.Owner,
		)
	}
}

func printTask(t *task.Task) {
	fmt.Printf("id:           %d\n", t.ID)
	fmt.Printf("code:         %s\n", t.Code)
	fmt.Printf("name:         %s\n", t.Name)
	fmt.Printf("state:        %s\n", humanize(string(t.State)))
	fmt.Printf("priority:     %.1f\n", t.PriorityScore)
	fmt.Printf("failures:     %d\n", t.FailureCount)
	if t.Owner != "" {
		fmt.Printf("owner:        %s\n", t.Owner)
	}
	if len(t.RequiredCapabilities) > 0 {
		fmt.Printf("capabilities: %s\n", strings.Join(t.RequiredCapabilities, ", "))
	}
	if len(t.DependsOn) > 0 {
		deps := make([]string, len(t.DependsOn))
		for i, d := range t.DependsOn {
			deps[i] = strconv.FormatInt(d, 10)
		}
		fmt.Printf("depends on:   %s\n", strings.Join(deps, ", "))
	}
}

var createFlags struct {
	name        string
	description string
	priority    float64
	caps        []string
	dependsOn   []int64
	parent      int64
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "work with a single task",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <code>",
	Short: "create a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		nt := task.NewTask{
			Code:                 args[0],
			Name:                 createFlags.name,
			Description:          createFlags.description,
			RequiredCapabilities: createFlags.caps,
			DependsOn:            createFlags.dependsOn,
		}
		if nt.Name == "" {
			nt.Name = args[0]
		}
		if cmd.Flags().Changed("priority") {
			nt.PriorityScore = &createFlags.priority
		}
		if createFlags.parent > 0 {
			nt.ParentTaskID = &createFlags.parent
		}
		var t task.Task
		if err := cli.post("/api/tasks", nt, &t); err != nil {
			return err
		}
		fmt.Printf("created task %d (%s)\n", t.ID, t.Code)
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <id|code>",
	Short: "show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		path := "/api/tasks/" + args[0]
		if _, err := strconv.ParseInt(args[0], 10, 64); err != nil {
			path = "/api/tasks/code/" + url.PathEscape(args[0])
		}
		var t task.Task
		if err := cli.get(path, &t); err != nil {
			return err
		}
		printTask(&t)
		return nil
	},
}

var actAs string

// taskAction posts to /api/tasks/{id}/{action} with an optional text field.
func taskAction(action, field string) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, args []string) error {
		body := map[string]any{}
		if actAs != "" {
			body["worker"] = actAs
		}
		if field != "" && len(args) > 1 {
			body[field] = strings.Join(args[1:], " ")
		}
		var t task.Task
		if err := cli.post("/api/tasks/"+args[0]+"/"+action, body, &t); err != nil {
			return err
		}
		fmt.Printf("task %d: %s", t.ID, humanize(string(t.State)))
		if t.Owner != "" {
			fmt.Printf(" (owner %s)", t.Owner)
		}
		if t.FailureCount > 0 {
			fmt.Printf(", %d failures", t.FailureCount)
		}
		fmt.Println()
		return nil
	}
}

var taskStateCmd = &cobra.Command{
	Use:   "state <id> <state>",
	Short: "request a state change",
	Args:  cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		var t task.Task
		if err := cli.post("/api/tasks/"+args[0]+"/state", map[string]string{"state": args[1]}, &t); err != nil {
			return err
		}
		fmt.Printf("task %d: %s\n", t.ID, humanize(string(t.State)))
		return nil
	},
}

var resetFailures bool

var taskUnquarantineCmd = &cobra.Command{
	Use:   "unquarantine <id>",
	Short: "return a quarantined task to the pool (admin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var t task.Task
		if err := cli.post("/api/tasks/"+args[0]+"/unquarantine", map[string]bool{"reset_failures": resetFailures}, &t); err != nil {
			return err
		}
		fmt.Printf("task %d: %s, %d failures\n", t.ID, humanize(string(t.State)), t.FailureCount)
		return nil
	},
}

var discoverFlags struct {
	caps    []string
	specs   []string
	limit   int
	timeout time.Duration
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "wait for claimable work",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		body := map[string]any{
			"timeout_seconds": discoverFlags.timeout.Seconds(),
			"limit":           discoverFlags.limit,
		}
		if actAs != "" {
			body["worker"] = actAs
		}
		if len(discoverFlags.caps) > 0 {
			body["capabilities"] = discoverFlags.caps
		}
		if len(discoverFlags.specs) > 0 {
			body["specializations"] = discoverFlags.specs
		}
		var res struct {
			Status string       `json:"status"`
			Tasks  []*task.Task `json:"tasks"`
			Action *struct {
				Kind      string `json:"kind"`
				PackageID string `json:"package_id"`
				Message   string `json:"message"`
			} `json:"action"`
			WaitedMS int64 `json:"waited_ms"`
		}
		ctx, cancel := context.WithTimeout(context.Background(), discoverFlags.timeout+30*time.Second)
		defer cancel()
		if err := cli.do(ctx, http.MethodPost, "/api/discover", body, &res); err != nil {
			return err
		}
		switch res.Status {
		case "action_required":
			fmt.Printf("action required: %s (%s %s)\n", res.Action.Message, res.Action.Kind, res.Action.PackageID)
		case "no_tasks":
			fmt.Printf("no tasks available after %s\n", time.Duration(res.WaitedMS)*time.Millisecond)
		default:
			printTasks(res.Tasks)
		}
		return nil
	},
}

func init() {
	tasksCmd.Flags().StringVar(&listFlags.state, "state", "", "comma-separated states")
	tasksCmd.Flags().StringVar(&listFlags.owner, "owner", "", "owner worker")
	tasksCmd.Flags().StringVar(&listFlags.caps, "capabilities", "", "comma-separated capabilities the tasks must fit")
	tasksCmd.Flags().IntVar(&listFlags.limit, "limit", 0, "maximum tasks")

	taskCreateCmd.Flags().StringVar(&createFlags.name, "name", "", "task name (defaults to the code)")
	taskCreateCmd.Flags().StringVar(&createFlags.description, "description", "", "task description")
	taskCreateCmd.Flags().Float64Var(&createFlags.priority, "priority", task.DefaultPriority, "priority score, 0 to 10")
	taskCreateCmd.Flags().StringSliceVar(&createFlags.caps, "capability", nil, "required capability (repeatable)")
	taskCreateCmd.Flags().Int64SliceVar(&createFlags.dependsOn, "depends-on", nil, "task id this task waits for (repeatable)")
	taskCreateCmd.Flags().Int64Var(&createFlags.parent, "parent", 0, "parent task id")

	taskUnquarantineCmd.Flags().BoolVar(&resetFailures, "reset-failures", false, "also zero the failure count")

	discoverCmd.Flags().StringSliceVar(&discoverFlags.caps, "capability", nil, "capability (repeatable, registered set when omitted)")
	discoverCmd.Flags().StringSliceVar(&discoverFlags.specs, "specialization", nil, "specialization (repeatable)")
	discoverCmd.Flags().IntVar(&discoverFlags.limit, "limit", 0, "maximum tasks")
	discoverCmd.Flags().DurationVar(&discoverFlags.timeout, "timeout", 30*time.Second, "longest wait")

	rootCmd.PersistentFlags().StringVar(&actAs, "as", "", "worker to act as (admin tokens only)")

	taskCmd.AddCommand(
		taskCreateCmd,
		taskGetCmd,
		taskStateCmd,
		&cobra.Command{Use: "claim <id>", Short: "claim a task", Args: cobra.ExactArgs(1), RunE: taskAction("claim", "")},
		&cobra.Command{Use: "release <id> [reason]", Short: "release a claimed task", Args: cobra.MinimumNArgs(1), RunE: taskAction("release", "reason")},
		&cobra.Command{Use: "progress <id> [note]", Short: "report progress", Args: cobra.MinimumNArgs(1), RunE: taskAction("progress", "note")},
		&cobra.Command{Use: "fail <id> [reason]", Short: "report a failure", Args: cobra.MinimumNArgs(1), RunE: taskAction("failures", "reason")},
		&cobra.Command{Use: "quarantine <id> [reason]", Short: "quarantine a task", Args: cobra.MinimumNArgs(1), RunE: taskAction("quarantine", "reason")},
		taskUnquarantineCmd,
	)
	rootCmd.AddCommand(tasksCmd, taskCmd, discoverCmd)
}
