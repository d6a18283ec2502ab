package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basket/agentcore/internal/approval"
)

func main() {
	ctx := context.Background()
	p, err := approval.LoadPolicy(filepath.Join(os.TempDir(), "agentcore-missing-policy.yaml"))
	if err != nil {
		fmt.Printf("load_error=%v\n", err)
		os.Exit(1)
	}

	ok := true
	check := func(name string, got, want bool) {
		fmt.Printf("%s=%v\n", name, got)
		if got != want {
			ok = false
		}
	}

	// No callback: the default chain must settle only safe tools.
	engine := approval.NewEngine(p, nil, approval.Options{})
	check("default_allow_unsafe", engine.Decide(ctx, approval.Request{Tool: "shell"}).Decision.Allowed(), false)
	check("default_allow_safe", engine.Decide(ctx, approval.Request{Tool: "task_add", Safe: true}).Decision.Allowed(), true)
	check("default_allow_readonly", engine.Decide(ctx, approval.Request{Tool: "task_list", ReadOnly: true}).Decision.Allowed(), false)

	dir, err := os.MkdirTemp("", "agentcore-policy-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	policyPath := filepath.Join(dir, "policy.yaml")
	valid := "auto_approve:\n  - delegate\n"
	if err := os.WriteFile(policyPath, []byte(valid), 0o644); err != nil {
		fmt.Printf("write_valid_error=%v\n", err)
		os.Exit(1)
	}
	initial, err := approval.LoadPolicy(policyPath)
	if err != nil {
		fmt.Printf("load_valid_error=%v\n", err)
		os.Exit(1)
	}
	live := approval.NewLivePolicy(initial, policyPath)
	engine = approval.NewEngine(live, approval.DenyAll{}, approval.Options{})

	invalid := "auto_approve:\n  - \"\"\n"
	if err := os.WriteFile(policyPath, []byte(invalid), 0o644); err != nil {
		fmt.Printf("write_invalid_error=%v\n", err)
		os.Exit(1)
	}
	reloadErr := approval.ReloadFromFile(live, policyPath)
	check("reload_error_present", reloadErr != nil, true)
	check("retain_previous_auto_approve", engine.Decide(ctx, approval.Request{Tool: "delegate"}).Decision.Allowed(), true)
	check("deny_unlisted", engine.Decide(ctx, approval.Request{Tool: "shell"}).Decision.Allowed(), false)

	if err := live.DisableTool("delegate"); err != nil {
		fmt.Printf("disable_error=%v\n", err)
		os.Exit(1)
	}
	check("disable_beats_auto_approve", engine.Decide(ctx, approval.Request{Tool: "delegate"}).Decision.Allowed(), false)

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
