package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/handoff"
	"github.com/GoCodeAlone/dispatch/task"
)

var handoffsCmd = &cobra.Command{
	Use:   "handoffs",
	Short: "list open handoff packages",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		var pkgs []*handoff.Package
		if err := cli.get("/api/handoffs", &pkgs); err != nil {
			return err
		}
		if len(pkgs) == 0 {
			fmt.Println("no open handoffs")
			return nil
		}
		fmt.Printf("%-36s %-14s %-16s %-14s %-5s %-30s\n", "ID", "TASK", "FROM", "STATUS", "CONF", "SUMMARY")
		fmt.Println(strings.Repeat("-", 120))
		for _, p := range pkgs {
			fmt.Printf("%-36s %-14s %-16s %-14s %-5.2f %-30s\n",
				p.ID, truncate(p.TaskCode, 13), truncate(p.FromWorker, 15),
				humanize(string(p.Status)), p.Confidence, truncate(p.Summary, 29))
		}
		return nil
	},
}

var handoffFlags struct {
	target      string
	confidence  float64
	limitations []string
	nextSteps   []string
	artifacts   []string
}

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "hand work to another worker",
}

var handoffCreateCmd = &cobra.Command{
	Use:   "create <task-id> <summary>",
	Short: "park a claimed task with a handoff package",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid task id %q", args[0])
		}
		body := map[string]any{
			"task_id":           id,
			"worker":            actAs,
			"target_capability": handoffFlags.target,
			"summary":           strings.Join(args[1:], " "),
			"confidence":        handoffFlags.confidence,
			"limitations":       handoffFlags.limitations,
			"next_steps":        handoffFlags.nextSteps,
			"artifacts":         handoffFlags.artifacts,
		}
		var pkg handoff.Package
		if err := cli.post("/api/handoffs", body, &pkg); err != nil {
			return err
		}
		fmt.Printf("handoff %s: %s\n", pkg.ID, humanize(string(pkg.Status)))
		return nil
	},
}

var handoffCompleteCmd = &cobra.Command{
	Use:   "complete <package-id>",
	Short: "take over the task of a pending package",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var t task.Task
		if err := cli.post("/api/handoffs/"+args[0]+"/complete", map[string]string{"worker": actAs}, &t); err != nil {
			return err
		}
		fmt.Printf("task %d (%s) is now owned by %s\n", t.ID, t.Code, t.Owner)
		return nil
	},
}

var handoffRejectCmd = &cobra.Command{
	Use:   "reject <package-id> [note]",
	Short: "send a package back to its author",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		body := map[string]string{"worker": actAs, "note": strings.Join(args[1:], " ")}
		var t task.Task
		if err := cli.post("/api/handoffs/"+args[0]+"/reject", body, &t); err != nil {
			return err
		}
		fmt.Printf("task %d returned to %s\n", t.ID, t.Owner)
		return nil
	},
}

var reviewApprove bool

var handoffReviewCmd = &cobra.Command{
	Use:   "review <package-id> [note]",
	Short: "approve or reject a low-confidence package (admin)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		body := map[string]any{"approve": reviewApprove, "note": strings.Join(args[1:], " ")}
		var pkg handoff.Package
		if err := cli.post("/api/handoffs/"+args[0]+"/review", body, &pkg); err != nil {
			return err
		}
		fmt.Printf("handoff %s: %s\n", pkg.ID, humanize(string(pkg.Status)))
		return nil
	},
}

var workersCmd = &cobra.Command{
	Use:   "workers",
	Short: "list registered workers",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		var workers []*agent.Info
		if err := cli.get("/api/workers", &workers); err != nil {
			return err
		}
		if len(workers) == 0 {
			fmt.Println("no workers")
			return nil
		}
		fmt.Printf("%-20s %-10s %-8s %-30s %-20s\n", "ID", "STATUS", "TASK", "CAPABILITIES", "LAST HEARTBEAT")
		fmt.Println(strings.Repeat("-", 92))
		for _, w := range workers {
			cur := ""
			if w.CurrentTask != 0 {
				cur = strconv.FormatInt(w.CurrentTask, 10)
			}
			fmt.Printf("%-20s %-10s %-8s %-30s %-20s\n",
				truncate(w.ID, 19), humanize(string(w.Status)), cur,
				truncate(strings.Join(w.Capabilities, ","), 29),
				w.LastHeartbeat.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var watchTask string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "stream coordination events",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		q := url.Values{"token": {cli.Token}}
		if watchTask != "" {
			q.Set("task", watchTask)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, cli.BaseURL+"/events?"+q.Encode(), nil)
		if err != nil {
			return err
		}
		resp, err := cli.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer resp.Body.Close() //nolint:errcheck
		if resp.StatusCode != http.StatusOK {
			return &APIError{Status: resp.StatusCode, Message: resp.Status}
		}
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
				fmt.Println(data)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		return sc.Err()
	},
}

func init() {
	handoffCreateCmd.Flags().StringVar(&handoffFlags.target, "target", "", "capability the receiver needs")
	handoffCreateCmd.Flags().Float64Var(&handoffFlags.confidence, "confidence", 1, "confidence in the work so far, 0 to 1")
	handoffCreateCmd.Flags().StringSliceVar(&handoffFlags.limitations, "limitation", nil, "known limitation (repeatable)")
	handoffCreateCmd.Flags().StringSliceVar(&handoffFlags.nextSteps, "next", nil, "next step (repeatable)")
	handoffCreateCmd.Flags().StringSliceVar(&handoffFlags.artifacts, "artifact", nil, "artifact reference (repeatable)")
	handoffReviewCmd.Flags().BoolVar(&reviewApprove, "approve", false, "approve instead of rejecting")
	watchCmd.Flags().StringVar(&watchTask, "task", "", "only events of this task code")

	handoffCmd.AddCommand(handoffCreateCmd, handoffCompleteCmd, handoffRejectCmd, handoffReviewCmd)
	rootCmd.AddCommand(handoffsCmd, handoffCmd, workersCmd, watchCmd)
}
