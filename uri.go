package relais

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// CompositeURI is a wrapping URI such as
// `failover:(tcp://a:61616,tcp://b:61616)?failover.maxReconnectAttempts=3`.
type CompositeURI struct {
	Scheme     string
	Components []*url.URL
	Params     url.Values
}

// ParseCompositeURI splits a composite URI into its components. The
// parenthesis around the components are optional when there is only one.
func ParseCompositeURI(raw string) (*CompositeURI, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrInvalidURI, raw)
	}

	var inner, query string
	if strings.HasPrefix(rest, "(") {
		end := matchingParen(rest)
		if end < 0 {
			return nil, fmt.Errorf("%w: unbalanced parenthesis in %q", ErrInvalidURI, raw)
		}
		inner = rest[1:end]
		query = strings.TrimPrefix(rest[end+1:], "?")
	} else {
		// without parenthesis the query belongs to the component.
		inner = rest
	}

	comp := &CompositeURI{Scheme: strings.ToLower(scheme)}
	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	comp.Params = params

	for _, part := range splitComponents(inner) {
		if part == "" {
			continue
		}
		u, err := ParseURI(part)
		if err != nil {
			return nil, err
		}
		comp.Components = append(comp.Components, u)
	}
	return comp, nil
}

func matchingParen(s string) int {
	depth := 0
	for i, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func splitComponents(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i, c := range s {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(s[start:i]))
				start = i + 1
			}
		}
	}
	return append(parts, strings.TrimSpace(s[start:]))
}

// String renders the composite URI back.
func (comp *CompositeURI) String() string {
	parts := make([]string, len(comp.Components))
	for i, u := range comp.Components {
		parts[i] = u.String()
	}
	s := comp.Scheme + ":(" + strings.Join(parts, ",") + ")"
	if len(comp.Params) > 0 {
		s += "?" + comp.Params.Encode()
	}
	return s
}

// ParseURI parses a single candidate address.
func ParseURI(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: %q has no scheme", ErrInvalidURI, raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

// FilterOptions returns the parameters starting with `prefix`, with the
// prefix stripped, and the parameters which did not match.
func FilterOptions(params url.Values, prefix string) (matched, rest url.Values) {
	matched = make(url.Values)
	rest = make(url.Values)
	for key, vals := range params {
		if after, ok := strings.CutPrefix(key, prefix); ok {
			matched[after] = append(matched[after], vals...)
		} else {
			rest[key] = append(rest[key], vals...)
		}
	}
	return matched, rest
}

// ApplyParameters returns a copy of `u` with `params` added to its query.
// Parameters already present on `u` win.
func ApplyParameters(u *url.URL, params url.Values) *url.URL {
	cloned := *u
	if len(params) == 0 {
		return &cloned
	}
	query := cloned.Query()
	for key, vals := range params {
		if _, has := query[key]; has {
			continue
		}
		query[key] = append([]string(nil), vals...)
	}
	cloned.RawQuery = query.Encode()
	return &cloned
}

// NormalizeURI is the identity of a candidate: scheme and host, lowercase,
// query and fragment dropped.
func NormalizeURI(u *url.URL) string {
	if u == nil {
		return ""
	}
	if u.Opaque != "" {
		return strings.ToLower(u.Scheme + ":" + u.Opaque)
	}
	return strings.ToLower(u.Scheme + "://" + u.Host + strings.TrimSuffix(u.Path, "/"))
}

// Options reads typed values out of URI query parameters and records every
// malformed one.
type Options struct {
	values url.Values
	used   map[string]struct{}
	errs   []error
}

// NewOptions wraps `values`.
func NewOptions(values url.Values) *Options {
	if values == nil {
		values = make(url.Values)
	}
	return &Options{values: values, used: make(map[string]struct{})}
}

func (opts *Options) lookup(key string) (string, bool) {
	opts.used[key] = struct{}{}
	vals, ok := opts.values[key]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[len(vals)-1], true
}

func (opts *Options) invalid(key, val string, err error) {
	opts.errs = append(opts.errs, fmt.Errorf("%w: option %s=%q: %w", ErrInvalidCfg, key, val, err))
}

func (opts *Options) String(key, def string) string {
	if val, ok := opts.lookup(key); ok {
		return val
	}
	return def
}

func (opts *Options) Int(key string, def int) int {
	val, ok := opts.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		opts.invalid(key, val, err)
		return def
	}
	return n
}

func (opts *Options) Float(key string, def float64) float64 {
	val, ok := opts.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		opts.invalid(key, val, err)
		return def
	}
	return f
}

func (opts *Options) Bool(key string, def bool) bool {
	val, ok := opts.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		opts.invalid(key, val, err)
		return def
	}
	return b
}

// Duration accepts a Go duration (`1.5s`) or a bare number of
// milliseconds.
func (opts *Options) Duration(key string, def time.Duration) time.Duration {
	val, ok := opts.lookup(key)
	if !ok {
		return def
	}
	if ms, err := strconv.ParseInt(val, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		opts.invalid(key, val, err)
		return def
	}
	return d
}

// Unused lists the keys no getter asked for, sorted.
func (opts *Options) Unused() []string {
	var unused []string
	for key := range opts.values {
		if _, ok := opts.used[key]; !ok {
			unused = append(unused, key)
		}
	}
	sort.Strings(unused)
	return unused
}

// Err joins every malformed option.
func (opts *Options) Err() error {
	return errors.Join(opts.errs...)
}
