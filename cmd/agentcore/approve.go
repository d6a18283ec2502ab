package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/basket/agentcore/internal/approval"
	"github.com/basket/agentcore/internal/bus"
)

// parseDecision accepts the short forms typed at the approval prompt.
func parseDecision(s string) (approval.Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes", "once", "allow_once":
		return approval.AllowOnce, nil
	case "a", "always", "session", "allow_session":
		return approval.AllowSession, nil
	case "n", "no", "deny":
		return approval.Deny, nil
	}
	return "", fmt.Errorf("unknown decision %q (use once, session or deny)", s)
}

// parseResponse splits "<id> <decision>" or a bare "<decision>", which
// applies to the most recent request.
func parseResponse(line, latest string) (string, approval.Decision, error) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 1:
		if latest == "" {
			return "", "", fmt.Errorf("no pending approval")
		}
		d, err := parseDecision(fields[0])
		return latest, d, err
	case 2:
		d, err := parseDecision(fields[1])
		return fields[0], d, err
	}
	return "", "", fmt.Errorf("expected \"<id> <decision>\" or \"<decision>\"")
}

// approvalPrompt prints approval requests to out and answers them from
// lines read on in until ctx ends or in is exhausted.
func approvalPrompt(ctx context.Context, in io.Reader, out io.Writer, eventBus *bus.Bus, cb *approval.Interactive) {
	sub := eventBus.Subscribe("approval:")
	defer eventBus.Unsubscribe(sub)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	latest := ""
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Ch():
			switch p := ev.Payload.(type) {
			case approval.PendingRequest:
				latest = p.ID
				fmt.Fprintf(out, "approval %s: %s requested by %s [once/session/deny]\n",
					p.ID, p.Request.Tool, threadLabel(p.Request.ThreadID))
			case approval.ResolvedRequest:
				if p.ID == latest {
					latest = ""
				}
				fmt.Fprintf(out, "approval %s: %s -> %s\n", p.ID, p.Tool, p.Decision)
			}
		case line, ok := <-lines:
			if !ok {
				return
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			id, d, err := parseResponse(line, latest)
			if err == nil {
				err = cb.Respond(id, d)
			}
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func threadLabel(id string) string {
	if id == "" {
		return rootThreadID
	}
	return id
}
