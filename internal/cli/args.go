package cli

import (
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/PipeOpsHQ/airgen-go/state"
)

type flags map[string]string

// parseArgs splits --key=value and bare --key flags from positional arguments.
// Everything after a lone "--" is positional.
func parseArgs(args []string) (flags, []string) {
	f := flags{}
	positional := make([]string, 0, len(args))
	for i, arg := range args {
		if arg == "--" {
			positional = append(positional, args[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "--") || len(arg) == 2 {
			positional = append(positional, arg)
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		if !ok {
			value = "true"
		}
		f[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return f, positional
}

func (f flags) str(key, fallback string) string {
	if v, ok := f[key]; ok && v != "" {
		return v
	}
	return fallback
}

func (f flags) flag(key string) bool {
	v, ok := f[key]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

func (f flags) count(key string, fallback int) (int, error) {
	v, ok := f[key]
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("--%s must be a non-negative integer, got %q", key, v)
	}
	return n, nil
}

func closeStore(store state.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		log.Printf("state store close failed: %v", err)
	}
}
