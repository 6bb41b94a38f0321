/*
Package transform defines the byte-transform capability used by the
response pipeline and the worker pool that executes transforms off the
I/O path.

Transformers are pluggable: the pipeline owns a handle to the pool, the
pool owns the Transformer implementations. Built-in baseline transformers
cover the structural rewrites the proxy itself owns; heavier compilers
can be registered in their place.
*/
package transform

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a response body for transform dispatch.
type Kind string

// Content kinds.
const (
	KindJS    Kind = "js"
	KindCSS   Kind = "css"
	KindHTML  Kind = "html"
	KindImage Kind = "image"
	KindOther Kind = "other"
)

// Transformable reports whether bodies of this kind go through the pool.
func (k Kind) Transformable() bool {
	switch k {
	case KindJS, KindCSS, KindHTML:
		return true
	}
	return false
}

// Flags carries the active transform options into a transformer and into
// the cache fingerprint.
type Flags struct {
	JS              bool
	CSS             bool
	HTML            bool
	BundleESModules bool
	EmulateSW       bool
	InjectPolyfills bool
	SpoofUAInJS     bool
	Targets         []string
}

// Bitset packs the boolean flags for cache fingerprinting. Targets are
// not part of the bitset and do not enter the cache key.
func (f Flags) Bitset() uint32 {
	var b uint32
	set := func(bit uint32, on bool) {
		if on {
			b |= 1 << bit
		}
	}
	set(0, f.JS)
	set(1, f.CSS)
	set(2, f.HTML)
	set(3, f.BundleESModules)
	set(4, f.EmulateSW)
	set(5, f.InjectPolyfills)
	set(6, f.SpoofUAInJS)
	return b
}

// Transformer rewrites a body of a given kind. Implementations must be
// safe for concurrent use; the pool calls them from multiple workers.
type Transformer interface {
	Transform(kind Kind, body []byte, url string, flags Flags) ([]byte, error)
}

// TransformerFunc adapts a function to the Transformer interface.
type TransformerFunc func(kind Kind, body []byte, url string, flags Flags) ([]byte, error)

// Transform implements Transformer.
func (f TransformerFunc) Transform(kind Kind, body []byte, url string, flags Flags) ([]byte, error) {
	return f(kind, body, url, flags)
}

// IgnorableError marks a transform failure as benign: the pipeline
// returns the original bytes without logging a warning.
type IgnorableError struct {
	Err error
}

func (e *IgnorableError) Error() string { return e.Err.Error() }
func (e *IgnorableError) Unwrap() error { return e.Err }

// Ignorable wraps err as an IgnorableError.
func Ignorable(err error) error {
	return &IgnorableError{Err: err}
}

// benignPatterns are parse-error fragments known to come from code that
// already runs fine untransformed.
var benignPatterns = []string{
	"has already been declared",
	"duplicate declaration",
	"identifier already declared",
}

// IsIgnorable reports whether a transform error should be swallowed.
// Errors explicitly wrapped as IgnorableError always qualify; otherwise
// the message is matched against known benign parse-error patterns.
func IsIgnorable(err error) bool {
	if err == nil {
		return false
	}
	var ig *IgnorableError
	if errors.As(err, &ig) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, p := range benignPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Registry maps content kinds to transformers.
type Registry struct {
	byKind map[Kind]Transformer
}

// NewRegistry returns a registry preloaded with the built-in baseline
// transformers for js, css, and html.
func NewRegistry() *Registry {
	return &Registry{
		byKind: map[Kind]Transformer{
			KindJS:   TransformerFunc(downlevelJS),
			KindCSS:  TransformerFunc(prefixCSS),
			KindHTML: TransformerFunc(passHTML),
		},
	}
}

// Register replaces the transformer for kind.
func (r *Registry) Register(kind Kind, t Transformer) {
	r.byKind[kind] = t
}

// Lookup returns the transformer for kind, or an error when none is
// registered.
func (r *Registry) Lookup(kind Kind) (Transformer, error) {
	t, ok := r.byKind[kind]
	if !ok {
		return nil, fmt.Errorf("no transformer registered for kind %q", kind)
	}
	return t, nil
}
