// Package imagespec defines the Build Specification: an ordered, declarative
// list of image construction steps and the ordering policy that keeps its
// cache layers meaningful.
package imagespec

import "fmt"

// StepKind identifies what a step contributes to the image.
type StepKind string

const (
	// KindBase pulls the OS + accelerator toolkit base image.
	KindBase StepKind = "base"
	// KindPackages installs OS packages.
	KindPackages StepKind = "packages"
	// KindLock installs ecosystem dependencies from a frozen lock file.
	KindLock StepKind = "lock"
	// KindPip installs additional ecosystem packages.
	KindPip StepKind = "pip"
	// KindNative compiles a native extension against the toolkit.
	KindNative StepKind = "native"
	// KindEnv sets image environment variables.
	KindEnv StepKind = "env"
	// KindDownload fetches a remote artifact into the image.
	KindDownload StepKind = "download"
	// KindSource snapshots the local source tree into the image.
	KindSource StepKind = "source"
)

// Phase returns the ordering phase of a step kind. Steps must appear with
// non-decreasing phases; env steps return 0 and inherit the previous phase.
func (k StepKind) Phase() int {
	switch k {
	case KindBase:
		return 1
	case KindPackages:
		return 2
	case KindLock, KindPip:
		return 3
	case KindNative:
		return 4
	case KindDownload:
		return 5
	case KindSource:
		return 6
	default:
		return 0
	}
}

// Valid reports whether k is a known step kind.
func (k StepKind) Valid() bool {
	return k.Phase() > 0 || k == KindEnv
}

// Store identifies the remote artifact store a download comes from.
type Store string

const (
	// StoreHub downloads with the model hub CLI inside the image.
	StoreHub Store = "hub"
	// StoreS3 fetches from an S3-compatible bucket on the build host.
	StoreS3 Store = "s3"
)

// Spec is a Build Specification.
type Spec struct {
	// Tag is the reference the finished image is published under.
	Tag string `yaml:"tag" json:"tag"`

	// Steps are applied in order, one cache layer each.
	Steps []Step `yaml:"steps" json:"steps"`
}

// Step is one declarative build step. Exactly the field matching Kind is set.
type Step struct {
	Name string   `yaml:"name,omitempty" json:"name,omitempty"`
	Kind StepKind `yaml:"kind" json:"kind"`

	// GPU requests accelerator access while the step runs.
	GPU string `yaml:"gpu,omitempty" json:"gpu,omitempty"`

	Base     *Base             `yaml:"base,omitempty" json:"base,omitempty"`
	Packages []string          `yaml:"packages,omitempty" json:"packages,omitempty"`
	Lock     *Lock             `yaml:"lock,omitempty" json:"lock,omitempty"`
	Pip      *Pip              `yaml:"pip,omitempty" json:"pip,omitempty"`
	Env      map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Download *Download         `yaml:"download,omitempty" json:"download,omitempty"`
	Source   *Source           `yaml:"source,omitempty" json:"source,omitempty"`
}

// DisplayName returns the step name, falling back to its kind and position.
func (s Step) DisplayName(index int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("%s#%d", s.Kind, index+1)
}

// Base describes the base image.
type Base struct {
	// Image is the repository without tag, e.g. nvidia/cuda.
	Image   string  `yaml:"image" json:"image"`
	Toolkit Toolkit `yaml:"toolkit" json:"toolkit"`

	// Python is the interpreter version added on top of the base image.
	Python string `yaml:"python,omitempty" json:"python,omitempty"`

	// ClearEntrypoint resets the base image entrypoint.
	ClearEntrypoint bool `yaml:"clearEntrypoint,omitempty" json:"clearEntrypoint,omitempty"`
}

// Toolkit pins the accelerator toolkit carried by the base image.
type Toolkit struct {
	Version string `yaml:"version" json:"version"`
	// Flavor is runtime, base or devel. Only devel ships the compiler.
	Flavor string `yaml:"flavor" json:"flavor"`
	OS     string `yaml:"os" json:"os"`
}

// HasCompiler reports whether the toolkit ships the device compiler needed
// by native extension builds.
func (t Toolkit) HasCompiler() bool {
	return t.Flavor == "devel"
}

// Tag returns the base image tag, e.g. 12.8.1-devel-ubuntu22.04.
func (t Toolkit) Tag() string {
	return fmt.Sprintf("%s-%s-%s", t.Version, t.Flavor, t.OS)
}

// Reference returns the full base image reference.
func (b Base) Reference() string {
	return b.Image + ":" + b.Toolkit.Tag()
}

// Lock describes a locked dependency install.
type Lock struct {
	// ProjectDir is the local directory holding Manifest and LockFile.
	ProjectDir string `yaml:"projectDir" json:"projectDir"`
	Manifest   string `yaml:"manifest" json:"manifest"`
	LockFile   string `yaml:"lockFile" json:"lockFile"`

	// Frozen installs exactly what the lock file records and never
	// re-resolves versions.
	Frozen bool `yaml:"frozen" json:"frozen"`
}

// Pip describes an ecosystem package install. Native steps use the same
// shape with ExtraOptions such as --no-build-isolation.
type Pip struct {
	Packages     []string `yaml:"packages" json:"packages"`
	ExtraOptions []string `yaml:"extraOptions,omitempty" json:"extraOptions,omitempty"`
}

// Download maps one remote artifact to a local path inside the image.
type Download struct {
	Store Store `yaml:"store" json:"store"`

	// Artifact is the hub repository id, or bucket/prefix for s3.
	Artifact string   `yaml:"artifact" json:"artifact"`
	Files    []string `yaml:"files,omitempty" json:"files,omitempty"`
	Revision string   `yaml:"revision,omitempty" json:"revision,omitempty"`
	Dest     string   `yaml:"dest" json:"dest"`

	// NoSymlinks materializes files instead of linking into a hub cache.
	NoSymlinks bool `yaml:"noSymlinks,omitempty" json:"noSymlinks,omitempty"`
}

// Source snapshots a local directory into the image.
type Source struct {
	LocalDir   string   `yaml:"localDir" json:"localDir"`
	RemotePath string   `yaml:"remotePath" json:"remotePath"`
	Ignore     []string `yaml:"ignore,omitempty" json:"ignore,omitempty"`
}
