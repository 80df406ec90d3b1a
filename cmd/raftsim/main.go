package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"raftsim/cluster"
	"raftsim/config"
	"raftsim/logging"
)

type options struct {
	configPath  string
	interactive bool
	logs        bool
	step        bool
	settle      time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "YAML or JSON configuration file (default configuration when empty)")
	flag.BoolVar(&opts.interactive, "interactive", false, "Ask for node count and network parameters")
	flag.BoolVar(&opts.logs, "logs", false, "Print detailed logs and every node's activity trace")
	flag.BoolVar(&opts.step, "step", false, "Wait for ENTER between steps")
	flag.DurationVar(&opts.settle, "settle", 2*time.Second, "Time given to the cluster after each step")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ok, err := run(ctx, opts, os.Stdin, os.Stdout)
	if err != nil {
		log.Fatalf("raftsim: %v", err)
	}
	if !ok {
		os.Exit(1)
	}
}

// run walks a cluster through the partition scenario and reports whether
// every node ended up with the final value.
func run(ctx context.Context, opts options, in io.Reader, out io.Writer) (bool, error) {
	input := bufio.NewReader(in)
	logger := logging.NewConsoleLogger(opts.logs)

	header(out, "RAFT CONSENSUS SIMULATION")
	fmt.Fprintln(out, "This simulation shows how Raft reaches consensus in a")
	fmt.Fprintln(out, "distributed system, even while the network is partitioned.")
	fmt.Fprintln(out)

	cfg, err := loadConfig(opts, input, out, logger)
	if err != nil {
		return false, err
	}

	c, err := cluster.New(cfg, logger)
	if err != nil {
		return false, err
	}
	defer c.Stop()

	stepTitle(out, "CREATING NODES")
	for _, n := range c.Nodes() {
		fmt.Fprintf(out, "Node %d created.\n", n.ID())
	}
	pause(opts, input, out, "start the simulation")

	stepTitle(out, "CONNECTING NODES")
	c.Connect()
	for _, n := range c.Nodes() {
		for _, peer := range n.Neighbors() {
			fmt.Fprintf(out, "Node %d connected to Node %d\n", n.ID(), peer)
		}
	}

	stepTitle(out, "STARTING NODES")
	c.Start()
	for _, n := range c.Nodes() {
		fmt.Fprintf(out, "Node %d started.\n", n.ID())
	}

	fmt.Fprintln(out, "\nWaiting for a leader to be elected...")
	electCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	leader, err := c.WaitForLeader(electCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		fmt.Fprintln(out, "\nERROR: no leader was elected.")
		return false, nil
	}
	fmt.Fprintf(out, "\nLEADER ELECTED: Node %d is leader in term %d\n", leader.ID(), leader.CurrentTerm())
	pause(opts, input, out, "run the scenario")

	header(out, "TEST SCENARIO")
	for _, step := range c.Scenario() {
		stepTitle(out, step.Title)
		if step.Description != "" {
			fmt.Fprintln(out, step.Description)
		}
		step.Run()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(opts.settle):
		}
		printStatus(out, c)
		pause(opts, input, out, "continue")
	}

	// the last value may still be on its way to the healed node
	finalCtx, cancel := context.WithTimeout(ctx, opts.settle)
	converged := c.WaitForValue(finalCtx, 3) == nil
	cancel()

	stepTitle(out, "FINAL STATE")
	printStatus(out, c)
	if converged {
		fmt.Fprintln(out, "\nSUCCESS: every node reached consensus on value 3.")
	} else {
		fmt.Fprintln(out, "\nFAILURE: the nodes did not agree on value 3.")
	}

	if opts.logs {
		header(out, "DETAILED LOGS")
		for _, n := range c.Nodes() {
			fmt.Fprintf(out, "\nLogs of Node %d:\n\n", n.ID())
			fmt.Fprintln(out, strings.Join(n.RetrieveLog(), "\n"))
			pause(opts, input, out, "continue")
		}
	}

	stepTitle(out, "ENDING SIMULATION")
	fmt.Fprintln(out, "Stopping all nodes and the network simulator...")
	if err := c.Stop(); err != nil {
		return converged, err
	}
	stats := c.Simulator().Stats()
	fmt.Fprintf(out, "Messages: %d sent, %d delivered, %d lost, %d blocked by partitions, %d dropped on delivery\n",
		stats.Attempted, stats.Delivered, stats.Lost, stats.Blocked, stats.DroppedAtDelivery)

	header(out, "SIMULATION COMPLETE")
	return converged, nil
}

func loadConfig(opts options, input *bufio.Reader, out io.Writer, logger logging.Logger) (config.Config, error) {
	switch {
	case opts.configPath != "":
		cfg := config.LoadOrDefault(opts.configPath, logger)
		fmt.Fprintf(out, "Using %d nodes, latency %d-%d ms, loss %.2f\n",
			len(cfg.NodeIds), cfg.MinLatencyMs, cfg.MaxLatencyMs, cfg.MessageLossRate)
		return cfg, nil
	case opts.interactive:
		return config.Prompt(input, out)
	default:
		return config.Default(), nil
	}
}

func printStatus(out io.Writer, c *cluster.Cluster) {
	fmt.Fprintln(out, "\nCurrent state:")
	for _, line := range c.Status() {
		fmt.Fprintln(out, line)
	}
}

func pause(opts options, input *bufio.Reader, out io.Writer, what string) {
	if !opts.step {
		return
	}
	fmt.Fprintf(out, "\nPress ENTER to %s...", what)
	_, _ = input.ReadString('\n')
}

func header(out io.Writer, title string) {
	fmt.Fprintln(out, "\n==================================================")
	fmt.Fprintf(out, "  %s\n", title)
	fmt.Fprintln(out, "==================================================")
}

func stepTitle(out io.Writer, title string) {
	fmt.Fprintf(out, "\n>>> %s\n", title)
}
