package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// LogEntry matches the Zap JSON structure
type LogEntry struct {
	Level       string  `json:"level"`
	Msg         string  `json:"msg"`
	TaskID      string  `json:"task_id"`
	Version     int64   `json:"version"`
	Assignments int     `json:"assignments"`
	Violations  int     `json:"violations"`
	Makespan    float64 `json:"makespan"`
	Category    string  `json:"category"`
	Factor      float64 `json:"factor"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorPurple = "\033[35m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"
)

func main() {
	fmt.Println(colorCyan + "🚀 Scheduling Engine Activity Monitor Starting..." + colorReset)
	fmt.Println(colorGray + "Listening for pass and calibration events from the engine service..." + colorReset)
	fmt.Println("-------------------------------------------------------------------------")

	// Use docker service logs with follow and tail
	cmd := exec.Command("docker", "service", "logs", "-f", "task-scheduler_engine")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		fmt.Printf("Error creating stdout pipe: %v\n", err)
		return
	}

	if err := cmd.Start(); err != nil {
		fmt.Printf("Error starting docker logs command: %v\n", err)
		return
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()

		// Docker service logs format: "service_name.instance.id | {JSON}"
		parts := strings.SplitN(line, "|", 2)
		if len(parts) < 2 {
			continue
		}

		jsonPayload := strings.TrimSpace(parts[1])

		var entry LogEntry
		if err := json.Unmarshal([]byte(jsonPayload), &entry); err != nil {
			// Not a JSON log or different format, ignore
			continue
		}

		prettify(entry)
	}

	if err := cmd.Wait(); err != nil {
		fmt.Printf("Docker command exited: %v\n", err)
	}
}

func prettify(entry LogEntry) {
	msg := entry.Msg

	switch {
	case strings.Contains(msg, "schedule snapshot swapped"):
		tint := colorGreen
		if entry.Violations > 0 {
			tint = colorYellow
		}
		fmt.Printf("📋 "+tint+"Schedule v%d"+colorReset+" (%d placed, %d unschedulable, makespan %.0fs)\n",
			entry.Version, entry.Assignments, entry.Violations, entry.Makespan)
	case strings.Contains(msg, "task added"):
		fmt.Printf("📥 "+colorBlue+"Task Added:"+colorReset+" %s\n", entry.TaskID)
	case strings.Contains(msg, "calibration updated"):
		fmt.Printf("🎯 "+colorPurple+"Calibration:"+colorReset+" %s -> %.2fx\n", entry.Category, entry.Factor)
	case strings.Contains(msg, "scheduling pass failed"):
		fmt.Printf("❌ "+colorRed+"Pass Failed:"+colorReset+" %s\n", msg)
	case entry.Level == "error":
		fmt.Printf("❌ "+colorRed+"ERROR:"+colorReset+" %s\n", msg)
	}
}
