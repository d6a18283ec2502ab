package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/basket/agentcore/internal/config"
	"github.com/basket/agentcore/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(out, "Error loading config: %v\n", err)
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr)
	if jsonOutput {
		writeJSON(out, diag)
	} else {
		printDiagnosis(out, diag)
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func printDiagnosis(out io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(out, "agentcore doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(out, "---")
	for _, res := range diag.Results {
		fmt.Fprintf(out, "[%s] %-12s %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "       %s\n", res.Detail)
		}
	}
}
