package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/tasksync/internal/config"
	"github.com/basket/tasksync/internal/doctor"
)

var statusStyles = map[string]lipgloss.Style{
	doctor.StatusPass: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	doctor.StatusFail: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	doctor.StatusWarn: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	doctor.StatusSkip: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
}

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: tasksync doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// Keep going; the checks say what is wrong.
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	printDiagnosis(os.Stdout, diag)
	if diag.Failed() {
		return 1
	}
	return 0
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(w, "tasksync doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")
	for _, res := range diag.Results {
		label := fmt.Sprintf("%-4s", res.Status)
		if style, ok := statusStyles[res.Status]; ok {
			label = style.Render(label)
		}
		fmt.Fprintf(w, "%s %-12s %s\n", label, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "     %s\n", res.Detail)
		}
	}
}
