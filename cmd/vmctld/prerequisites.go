package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

type diagnosticCheck struct {
	ID          string
	Description string
	Run         func(context.Context) error
}

var (
	diagnosticChecks = []diagnosticCheck{
		{
			ID:          "qemu-binary",
			Description: "Have a qemu-system-* binary for this host's architecture on PATH",
			Run: func(ctx context.Context) error {
				bin := "qemu-system-" + qemuArchName(runtime.GOARCH)
				if _, err := exec.LookPath(bin); err != nil {
					return fmt.Errorf("could not locate %q on PATH: %w", bin, err)
				}
				return nil
			},
		},
		{
			ID:          "qemu-img",
			Description: "Have qemu-img on PATH for overlay creation and volume prep",
			Run: func(ctx context.Context) error {
				if _, err := exec.LookPath("qemu-img"); err != nil {
					return fmt.Errorf("could not locate qemu-img on PATH: %w", err)
				}
				return nil
			},
		},
	}
	diagnosticCheckMap = map[string]diagnosticCheck{}
)

func init() {
	for _, check := range diagnosticChecks {
		diagnosticCheckMap[check.ID] = check
	}
}

func qemuArchName(goarch string) string {
	switch goarch {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	default:
		return goarch
	}
}

func verifyPrerequisites(ctx context.Context, checkIDs ...string) error {
	failures := map[string]string{}
	for _, checkID := range checkIDs {
		check, ok := diagnosticCheckMap[checkID]
		if !ok {
			failures[checkID] = "unrecognized prerequisite check ID"
			continue
		}
		if err := check.Run(ctx); err != nil {
			failures[check.ID] = check.Description
			slog.ErrorContext(ctx, "diagnosticCheck failed", "name", check.Description, "error", err)
		} else {
			slog.InfoContext(ctx, "diagnosticCheck passed", "name", check.Description)
		}
	}
	if len(failures) == 0 {
		return nil
	}
	errs := []error{}
	slog.ErrorContext(ctx, "prerequisite check(s) failed", "failures", failures)
	for id, description := range failures {
		errs = append(errs, fmt.Errorf("check failed %q: %s", id, description))
	}
	return errors.Join(errs...)
}
