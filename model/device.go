package model

import (
	"fmt"
	"strconv"
	"strings"
)

// ResolveDevice validates a configured device string and resolves "auto".
// Handlers in this process call out to external runtimes, so the device is
// placement metadata passed through to them, not something probed locally;
// "auto" therefore resolves to "cpu".
func ResolveDevice(requested string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(requested))
	switch {
	case d == "" || d == "auto":
		return "cpu", nil
	case d == "cpu" || d == "mps" || d == "cuda":
		return d, nil
	case strings.HasPrefix(d, "cuda:"):
		idx := strings.TrimPrefix(d, "cuda:")
		if n, err := strconv.Atoi(idx); err != nil || n < 0 {
			return "", fmt.Errorf("invalid cuda device index %q", idx)
		}
		return d, nil
	default:
		return "", fmt.Errorf("unsupported device %q (expected auto, cpu, cuda, cuda:N or mps)", requested)
	}
}
