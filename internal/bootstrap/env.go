// Package bootstrap prepares a running instance and launches the model
// server: it builds the server environment, links the checkpoint directory
// into the application root and spawns the server without waiting for it.
package bootstrap

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrIncompleteEnv is returned when a required environment value is empty.
var ErrIncompleteEnv = errors.New("incomplete runtime environment")

// RuntimeEnv is the environment handed to the server process.
type RuntimeEnv struct {
	// ModelFolder holds the base model weights (MODEL_FOLDER).
	ModelFolder string
	// Config is the server configuration file (CONFIG).
	Config string
	// VisibleDevices selects the accelerators (CUDA_VISIBLE_DEVICES).
	VisibleDevices string
	// Compile enables ahead-of-time model compilation (DO_COMPILE).
	Compile bool

	// Extra holds additional variables. They cannot override the fixed ones.
	Extra map[string]string
}

// Validate reports ErrIncompleteEnv for any missing value.
func (e RuntimeEnv) Validate() error {
	var missing []string
	if strings.TrimSpace(e.ModelFolder) == "" {
		missing = append(missing, "MODEL_FOLDER")
	}
	if strings.TrimSpace(e.Config) == "" {
		missing = append(missing, "CONFIG")
	}
	if strings.TrimSpace(e.VisibleDevices) == "" {
		missing = append(missing, "CUDA_VISIBLE_DEVICES")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s not set", ErrIncompleteEnv, strings.Join(missing, ", "))
	}
	for k := range e.Extra {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("%w: invalid variable name %q", ErrIncompleteEnv, k)
		}
	}
	return nil
}

// Vars returns the record as sorted KEY=VALUE pairs.
func (e RuntimeEnv) Vars() []string {
	vars := make(map[string]string, len(e.Extra)+4)
	for k, v := range e.Extra {
		vars[k] = v
	}
	vars["MODEL_FOLDER"] = e.ModelFolder
	vars["CONFIG"] = e.Config
	vars["CUDA_VISIBLE_DEVICES"] = e.VisibleDevices
	vars["DO_COMPILE"] = strconv.FormatBool(e.Compile)

	pairs := make([]string, 0, len(vars))
	for k, v := range vars {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return pairs
}

// Environ layers the record over base, replacing any inherited values of
// the same names.
func (e RuntimeEnv) Environ(base []string) []string {
	vars := e.Vars()
	set := make(map[string]bool, len(vars))
	for _, kv := range vars {
		k, _, _ := strings.Cut(kv, "=")
		set[k] = true
	}

	out := make([]string, 0, len(base)+len(vars))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if !set[k] {
			out = append(out, kv)
		}
	}
	return append(out, vars...)
}
