// Package langreg is the language registry (spec §4.C): a read-only
// mapping from a language key to the build/run command templates and
// chroot image the sandbox launcher needs. The core never mutates it.
package langreg

import "fmt"

// Descriptor is immutable reference data describing one language.
type Descriptor struct {
	// Key is the registry lookup key, e.g. "python3".
	Key string

	// RootDir is the directory chrooted into for this language; it
	// must contain the toolchain and its runtime libraries under the
	// same layout the sandbox launcher expects (see internal/sandbox).
	RootDir string

	// BuildCmd, if non-empty, is run once before RunCmd inside the
	// jail; its argv[0] is resolved relative to RootDir. A language
	// with no compile step (e.g. an interpreter) leaves this nil.
	BuildCmd []string

	// RunCmd is the argv used to execute the program (or, when
	// CustomRunner is supplied in the request, the registry's default
	// is overridden by that script instead).
	RunCmd []string

	// SourceFile is the filename the submitted code is written to
	// inside the scratch directory before BuildCmd/RunCmd run.
	SourceFile string

	// Env holds extra environment bindings applied on top of a
	// minimal base environment.
	Env []string
}

// Registry is the contract component D consumes. The default
// implementation is a static map; nothing in the engine requires more.
type Registry interface {
	Lookup(key string) (Descriptor, bool)
}

type staticRegistry map[string]Descriptor

func (r staticRegistry) Lookup(key string) (Descriptor, bool) {
	d, ok := r[key]
	return d, ok
}

// Default returns the registry shipped with judged: a representative
// set of languages, not an exhaustive one (spec.md §1 treats the full
// command table as an external collaborator out of this core's scope).
func Default() Registry {
	return staticRegistry{
		"cat": {
			Key:        "cat",
			RootDir:    "/var/lib/judged/roots/cat",
			SourceFile: "input.txt",
			RunCmd:     []string{"/bin/cat"},
		},
		"python3": {
			Key:        "python3",
			RootDir:    "/var/lib/judged/roots/python3",
			SourceFile: "main.py",
			RunCmd:     []string{"/usr/bin/python3", "main.py"},
			Env:        []string{"PYTHONDONTWRITEBYTECODE=1"},
		},
		"node": {
			Key:        "node",
			RootDir:    "/var/lib/judged/roots/node",
			SourceFile: "main.js",
			RunCmd:     []string{"/usr/bin/node", "main.js"},
		},
		"c": {
			Key:        "c",
			RootDir:    "/var/lib/judged/roots/c",
			SourceFile: "main.c",
			BuildCmd:   []string{"/usr/bin/cc", "-O2", "-o", "main", "main.c"},
			RunCmd:     []string{"./main"},
		},
	}
}

// Lookup is a convenience wrapper around r.Lookup that turns a missing
// key into an error.
func Lookup(r Registry, key string) (Descriptor, error) {
	d, ok := r.Lookup(key)
	if !ok {
		return Descriptor{}, fmt.Errorf("unknown language %q", key)
	}
	return d, nil
}
