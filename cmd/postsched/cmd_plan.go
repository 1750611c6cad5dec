package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"postsched/internal/app"
	"postsched/internal/planner"
	"postsched/internal/postsched"
	logx "postsched/pkg/logx"
)

var (
	planNow   string
	planQueue bool
	caption   string

	windowRegion string
	windowCount  int
	windowNow    string
)

var planCmd = &cobra.Command{
	Use:   "plan <platform>[,<platform>...]",
	Short: "Print the next send time per platform",
	Long: `Print the next send time per platform as JSON, using the configured windows.

Examples:
  postsched plan linkedin,x
  postsched plan instagram --now 2024-01-01T00:00:00Z
  postsched plan facebook linkedin --queue --caption "launch day"
`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

var windowsCmd = &cobra.Command{
	Use:   "windows <window>",
	Short: "List upcoming openings of one window",
	Long: `List the next openings of a window in a region, in UTC.

Example:
  postsched windows "Tue 08:00-10:00" --region America/Vancouver -n 3
`,
	Args: cobra.ExactArgs(1),
	RunE: runWindows,
}

func init() {
	planCmd.Flags().StringVar(&planNow, "now", "", "reference time (RFC 3339); default is the wall clock")
	planCmd.Flags().BoolVar(&planQueue, "queue", false, "persist the posts to the configured storage")
	planCmd.Flags().StringVar(&caption, "caption", "", "caption stored with queued posts")

	windowsCmd.Flags().StringVar(&windowRegion, "region", string(postsched.RegionVancouver), "IANA timezone the window is read in")
	windowsCmd.Flags().IntVarP(&windowCount, "count", "n", 5, "number of openings")
	windowsCmd.Flags().StringVar(&windowNow, "now", "", "reference time (RFC 3339); default is the wall clock")
}

func runPlan(cmd *cobra.Command, args []string) error {
	// stdout carries the JSON result.
	logx.SetStdout(os.Stderr)

	now, err := parseNow(planNow)
	if err != nil {
		return err
	}
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Stop(context.Background(), app.StopAppStop)

	var platforms []string
	for _, arg := range args {
		platforms = append(platforms, strings.Split(arg, ",")...)
	}
	req := planner.Request{Caption: caption, Platforms: platforms, Now: now}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	var res planner.Result
	if planQueue {
		res, err = a.Planner().Plan(ctx, req)
	} else {
		res, err = a.Planner().Preview(ctx, req)
	}
	if err != nil {
		return err
	}

	out := map[string]any{"now": res.Now.UTC(), "schedule": res.Schedule}
	if planQueue {
		out["posts"] = res.Posts
	}
	return printJSON(out)
}

func runWindows(cmd *cobra.Command, args []string) error {
	w, err := postsched.ParseWindow(args[0])
	if err != nil {
		return err
	}
	now, err := parseNow(windowNow)
	if err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now()
	}
	region := postsched.Region(windowRegion)
	times, err := postsched.Upcoming(w, region, now, windowCount)
	if err != nil {
		return err
	}
	for i := range times {
		times[i] = times[i].UTC()
	}
	return printJSON(map[string]any{
		"window":      w.String(),
		"region":      region,
		"cron":        w.CronSpec(region),
		"occurrences": times,
	})
}

func parseNow(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --now: %w", err)
	}
	return t, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
