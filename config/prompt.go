package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	minPromptNodes = 1
	maxPromptNodes = 10
)

// Prompt asks for the node count and the network parameters on in, writing
// questions to out. Empty answers keep the defaults.
func Prompt(in io.Reader, out io.Writer) (Config, error) {
	cfg := Default()
	scanner := bufio.NewScanner(in)

	readLine := func(question string) (string, error) {
		fmt.Fprint(out, question)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return "", err
			}
			return "", io.ErrUnexpectedEOF
		}
		return strings.TrimSpace(scanner.Text()), nil
	}

	fmt.Fprintln(out, "\nEnter node configuration:")

	var count int
	for {
		line, err := readLine(fmt.Sprintf("Enter number of nodes (%d-%d): ", minPromptNodes, maxPromptNodes))
		if err != nil {
			return Config{}, err
		}
		n, err := strconv.Atoi(line)
		if err == nil && n >= minPromptNodes && n <= maxPromptNodes {
			count = n
			break
		}
		fmt.Fprintf(out, "Please enter a valid number between %d and %d\n", minPromptNodes, maxPromptNodes)
	}
	cfg.NodeIds = make([]int, count)
	for i := range cfg.NodeIds {
		cfg.NodeIds[i] = i + 1
	}

	fmt.Fprintln(out, "\nNetwork simulation parameters (press Enter for defaults):")

	line, err := readLine(fmt.Sprintf("Minimum latency in ms (default: %d): ", cfg.MinLatencyMs))
	if err != nil {
		return Config{}, err
	}
	if v, err := strconv.Atoi(line); err == nil {
		cfg.MinLatencyMs = max(1, v)
	}

	line, err = readLine(fmt.Sprintf("Maximum latency in ms (default: %d): ", cfg.MaxLatencyMs))
	if err != nil {
		return Config{}, err
	}
	if v, err := strconv.Atoi(line); err == nil {
		cfg.MaxLatencyMs = max(cfg.MinLatencyMs+1, v)
	}
	// a raised minimum drags the default maximum along
	if cfg.MaxLatencyMs < cfg.MinLatencyMs {
		cfg.MaxLatencyMs = cfg.MinLatencyMs + 1
	}

	line, err = readLine(fmt.Sprintf("Message loss rate (0.0-1.0, default: %.2f): ", cfg.MessageLossRate))
	if err != nil {
		return Config{}, err
	}
	if v, err := strconv.ParseFloat(line, 64); err == nil {
		cfg.MessageLossRate = min(1, max(0, v))
	}

	return cfg, nil
}
