package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"agentdispatch/pkg/client"
)

// clientFlags are shared by the subcommands that talk to a running gateway.
type clientFlags struct {
	addr  string
	token string
	json  bool
}

func (f *clientFlags) register(fs *flag.FlagSet) {
	addr := os.Getenv("AGENTD_URL")
	if addr == "" {
		addr = "http://127.0.0.1:7420"
	}
	fs.StringVar(&f.addr, "addr", addr, "gateway URL")
	fs.StringVar(&f.token, "token", os.Getenv("AGENTD_TOKEN"), "bearer token")
	fs.BoolVar(&f.json, "json", false, "print raw JSON")
}

func (f *clientFlags) client() *client.Client {
	return client.New(f.addr, client.WithToken(f.token))
}

// taskArg joins the positional arguments into the task text.
func taskArg(fs *flag.FlagSet) (string, error) {
	task := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if task == "" {
		return "", errors.New("missing task text")
	}
	return task, nil
}

func splitCaps(s string) []string {
	var out []string
	for _, c := range strings.Split(s, ",") {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runRoute(args []string) error {
	fs := flag.NewFlagSet("route", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	mode := fs.String("mode", "auto", "routing mode")
	agent := fs.String("agent", "", "agent id")
	caps := fs.String("caps", "", "comma-separated capabilities")
	if err := fs.Parse(args); err != nil {
		return err
	}
	task, err := taskArg(fs)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	rt, err := cf.client().Route(ctx, client.RouteRequest{
		Task:         task,
		Mode:         *mode,
		AgentID:      *agent,
		Capabilities: splitCaps(*caps),
	})
	if err != nil {
		return err
	}
	if cf.json {
		return printJSON(rt)
	}
	fmt.Printf("agent:      %s (%s)\n", rt.Agent.ID, rt.Agent.Name)
	fmt.Printf("strategy:   %s\n", rt.Strategy)
	fmt.Printf("confidence: %.2f\n", rt.Confidence)
	fmt.Printf("reasoning:  %s\n", rt.Reasoning)
	return nil
}

func runExec(args []string) error {
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	agent := fs.String("agent", "", "agent id")
	caps := fs.String("caps", "", "comma-separated capabilities")
	taskCtx := fs.String("context", "", "extra context for the agent")
	wait := fs.Duration("wait", 5*time.Minute, "wait ceiling")
	poll := fs.Duration("poll", 2*time.Second, "poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}
	task, err := taskArg(fs)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	c := cf.client()
	exec, err := c.Execute(ctx, client.ExecuteRequest{
		Task:    task,
		Context: *taskCtx,
		Options: client.TaskOptions{AgentID: *agent, Capabilities: splitCaps(*caps)},
	})
	if err != nil {
		return err
	}
	if !cf.json {
		fmt.Fprintf(os.Stderr, "task %s -> %s (%s)\n", exec.TaskID, exec.Routing.Agent.ID, exec.Routing.Strategy)
	}

	result, err := c.Wait(ctx, exec.TaskID, client.WaitOptions{
		PollInterval: *poll,
		Ceiling:      *wait,
		OnEvent: func(ev client.Event) {
			if cf.json {
				fmt.Println(string(ev.Raw))
				return
			}
			printEvent(ev)
		},
	})
	if errors.Is(err, client.ErrWaitTimeout) {
		return fmt.Errorf("%w; task %s is still running (agentd exec does not cancel it)", err, exec.TaskID)
	}
	if errors.Is(err, context.Canceled) {
		cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer ccancel()
		if _, cerr := c.Cancel(cctx, exec.TaskID); cerr != nil {
			return fmt.Errorf("interrupted; cancel failed: %w", cerr)
		}
		return errors.New("interrupted; task cancelled")
	}
	if err != nil {
		return err
	}

	if !cf.json {
		if result.Warning != "" {
			fmt.Fprintln(os.Stderr, "warning:", result.Warning)
		}
		if result.Result != "" {
			fmt.Println(result.Result)
		}
	}
	if result.Status != client.StatusCompleted {
		msg := result.Error
		if result.Reason != "" {
			msg = result.Reason + ": " + msg
		}
		return fmt.Errorf("task %s: %s", result.Status, msg)
	}
	return nil
}

func printEvent(ev client.Event) {
	switch {
	case ev.Final:
	case ev.Tool != "":
		fmt.Fprintf(os.Stderr, "  [%d/%d] tool %s\n", ev.Progress.Current, ev.Progress.Total, ev.Tool)
	case ev.Delta != "":
		fmt.Fprint(os.Stderr, ev.Delta)
	case ev.Progress.Message != "":
		fmt.Fprintf(os.Stderr, "  [%d/%d] %s\n", ev.Progress.Current, ev.Progress.Total, ev.Progress.Message)
	}
}

func runAgents(args []string) error {
	fs := flag.NewFlagSet("agents", flag.ContinueOnError)
	var cf clientFlags
	cf.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	agents, err := cf.client().Agents(ctx)
	if err != nil {
		return err
	}
	if cf.json {
		return printJSON(agents)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tCAPABILITIES\tACTIVE\tROUTED")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", a.ID, a.Name, strings.Join(a.Capabilities, ","), a.Active, a.TotalRouted)
	}
	return tw.Flush()
}
