package imagespec

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	// ErrInvalidSpec is wrapped by every validation failure.
	ErrInvalidSpec = errors.New("invalid build specification")

	// ErrStepOrder reports a step placed before one it must follow.
	ErrStepOrder = fmt.Errorf("%w: step order", ErrInvalidSpec)

	// ErrToolkitUnavailable reports a native build without a compiler-bearing
	// toolkit installed by an earlier step.
	ErrToolkitUnavailable = fmt.Errorf("%w: accelerator toolkit unavailable", ErrInvalidSpec)
)

// Validate checks the specification and its ordering policy.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.Tag) == "" {
		return fmt.Errorf("%w: tag is required", ErrInvalidSpec)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("%w: at least one step is required", ErrInvalidSpec)
	}

	var phase int
	var prev string
	var toolkit *Toolkit
	var sawBase, sawSource bool
	stepNames := make(map[string]bool)

	for i, step := range s.Steps {
		name := step.DisplayName(i)
		if stepNames[name] {
			return fmt.Errorf("%w: duplicate step name %q", ErrInvalidSpec, name)
		}
		stepNames[name] = true

		if err := step.validateBody(); err != nil {
			return fmt.Errorf("step %q: %w", name, err)
		}

		if sawSource {
			return fmt.Errorf("%w: %q follows the source snapshot, which must be the final step", ErrStepOrder, name)
		}

		if step.Kind == KindNative && (toolkit == nil || !toolkit.HasCompiler()) {
			if toolkit == nil {
				return fmt.Errorf("%w: %q runs before the base image installs the toolkit", ErrToolkitUnavailable, name)
			}
			return fmt.Errorf("%w: %q needs a devel toolkit, base has %q", ErrToolkitUnavailable, name, toolkit.Flavor)
		}

		if p := step.Kind.Phase(); p > 0 {
			if p < phase {
				return fmt.Errorf("%w: %s step %q must come before %q", ErrStepOrder, step.Kind, name, prev)
			}
			phase = p
			prev = name
		}

		switch step.Kind {
		case KindBase:
			if sawBase {
				return fmt.Errorf("%w: more than one base step", ErrInvalidSpec)
			}
			sawBase = true
			tk := step.Base.Toolkit
			toolkit = &tk
		case KindSource:
			sawSource = true
		}
	}

	if s.Steps[0].Kind != KindBase {
		if !sawBase {
			return fmt.Errorf("%w: a base step is required", ErrInvalidSpec)
		}
		return fmt.Errorf("%w: the base step must be first", ErrStepOrder)
	}

	return nil
}

func (s Step) validateBody() error {
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: unknown step kind %q", ErrInvalidSpec, s.Kind)
	}

	switch s.Kind {
	case KindBase:
		if s.Base == nil || s.Base.Image == "" {
			return fmt.Errorf("%w: base.image is required", ErrInvalidSpec)
		}
		tk := s.Base.Toolkit
		if tk.Version == "" || tk.Flavor == "" || tk.OS == "" {
			return fmt.Errorf("%w: base.toolkit needs version, flavor and os", ErrInvalidSpec)
		}
	case KindPackages:
		if len(s.Packages) == 0 {
			return fmt.Errorf("%w: packages must not be empty", ErrInvalidSpec)
		}
	case KindLock:
		if s.Lock == nil || s.Lock.Manifest == "" || s.Lock.LockFile == "" {
			return fmt.Errorf("%w: lock.manifest and lock.lockFile are required", ErrInvalidSpec)
		}
	case KindPip, KindNative:
		if s.Pip == nil || len(s.Pip.Packages) == 0 {
			return fmt.Errorf("%w: pip.packages must not be empty", ErrInvalidSpec)
		}
	case KindEnv:
		if len(s.Env) == 0 {
			return fmt.Errorf("%w: env must not be empty", ErrInvalidSpec)
		}
	case KindDownload:
		d := s.Download
		if d == nil || d.Artifact == "" {
			return fmt.Errorf("%w: download.artifact is required", ErrInvalidSpec)
		}
		if d.Store != StoreHub && d.Store != StoreS3 {
			return fmt.Errorf("%w: unknown download store %q", ErrInvalidSpec, d.Store)
		}
		if !path.IsAbs(d.Dest) {
			return fmt.Errorf("%w: download.dest must be absolute, got %q", ErrInvalidSpec, d.Dest)
		}
	case KindSource:
		if s.Source == nil || s.Source.LocalDir == "" {
			return fmt.Errorf("%w: source.localDir is required", ErrInvalidSpec)
		}
		if !path.IsAbs(s.Source.RemotePath) {
			return fmt.Errorf("%w: source.remotePath must be absolute, got %q", ErrInvalidSpec, s.Source.RemotePath)
		}
	}
	return nil
}
