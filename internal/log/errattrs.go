package log

import (
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

const (
	errKey = "err"
	// bounds error_chain for deeply wrapped or joined errors
	maxChainLen = 32
)

// errorLink is one entry of error_links: a message and, when the error
// recorded one, where it was created
type errorLink struct {
	Msg  string `json:"msg"`
	Func string `json:"func,omitempty"`
	File string `json:"file,omitempty"`
	Line int    `json:"line,omitempty"`
}

// errorAttrs describes err for an Error record
func (s *slogLogger) errorAttrs(err error) []any {
	surface, root := errorTypes(err)
	kv := []any{errKey, err, "error_type", surface, "cause_type", root}
	if chain := errorChain(err); len(chain) > 0 {
		kv = append(kv, "error_chain", chain)
	}
	if s.errorLinks {
		kv = append(kv, "error_links", errorLinks(err, s.maxErrorLinks))
	}
	return kv
}

// errorTypes returns the first type in the chain that is not a plain wrapper
// (xerrors or fmt.Errorf %w) and the type of the innermost error
func errorTypes(err error) (surface, root string) {
	for e := err; e != nil; e = errors.Unwrap(e) {
		root = fmt.Sprintf("%T", e)
		if surface == "" && !wrapperType(e) {
			surface = root
		}
	}
	if surface == "" && err != nil {
		surface = fmt.Sprintf("%T", err)
	}
	return surface, root
}

func wrapperType(e error) bool {
	t := reflect.TypeOf(e)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	pkg := t.PkgPath()
	return strings.HasSuffix(pkg, "/internal/xerrors") || (pkg == "fmt" && t.Name() == "wrapError")
}

// errorChain lists distinct messages walking down the chain, descending into
// every branch of a joined error
func errorChain(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		for e != nil && len(out) < maxChainLen {
			if msg := e.Error(); len(out) == 0 || out[len(out)-1] != msg {
				out = append(out, msg)
			}
			if j, ok := e.(interface{ Unwrap() []error }); ok {
				for _, inner := range j.Unwrap() {
					walk(inner)
				}
				return
			}
			e = errors.Unwrap(e)
		}
	}
	walk(err)
	return out
}

// errorLinks walks at most max links (unbounded when max <= 0). The first
// link is always kept, later ones only when they recorded a location.
func errorLinks(err error, max int) []errorLink {
	var links []errorLink
	depth := 0
	for e := err; e != nil && (max <= 0 || depth < max); e = errors.Unwrap(e) {
		link := errorLink{Msg: e.Error()}
		if fr, ok := origin(e); ok {
			link.Func, link.File, link.Line = fr.Function, fr.File, fr.Line
			links = append(links, link)
		} else if depth == 0 {
			links = append(links, link)
		}
		depth++
	}
	return links
}

// origin is where e was created: the single PC recorded by Wrap, or the first
// application frame of a captured stack
func origin(e error) (runtime.Frame, bool) {
	switch c := e.(type) {
	case pcCarrier:
		if c.PC() == 0 {
			return runtime.Frame{}, false
		}
		fr, _ := runtime.CallersFrames([]uintptr{c.PC()}).Next()
		return fr, true
	case stackCarrier:
		return firstAppFrame(c.StackPCs())
	}
	return runtime.Frame{}, false
}
