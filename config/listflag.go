package config

import (
	"fmt"
	"strings"
)

// ListFlag is a flag.Value that parses a separator-delimited list,
// optionally restricted to a fixed allowed set. It backs -backends,
// the CLI shortcut for specifying an initial backend pool without a
// --config file.
type ListFlag struct {
	sep     string
	allowed map[string]bool
	value   string
	values  []string
}

func newListFlag(sep string, allowed ...string) *ListFlag {
	lf := &ListFlag{
		sep:     sep,
		allowed: make(map[string]bool),
	}

	for _, a := range allowed {
		lf.allowed[a] = true
	}

	return lf
}

// CommaListFlag builds a ListFlag split on commas, optionally restricted
// to allowed values (no restriction when none are given).
func CommaListFlag(allowed ...string) *ListFlag {
	return newListFlag(",", allowed...)
}

func (lf *ListFlag) Set(value string) error {
	if lf == nil {
		return nil
	}

	if value == "" {
		lf.value = ""
		lf.values = nil
	} else {
		lf.value = value
		lf.values = strings.Split(value, lf.sep)
	}

	return lf.validate()
}

func (lf *ListFlag) UnmarshalYAML(unmarshal func(any) error) error {
	var values []string
	if err := unmarshal(&values); err != nil {
		return err
	}

	lf.value = strings.Join(values, lf.sep)
	lf.values = values

	return lf.validate()
}

func (lf *ListFlag) validate() error {
	if len(lf.allowed) == 0 {
		return nil
	}

	for _, v := range lf.values {
		if !lf.allowed[v] {
			return fmt.Errorf("value not allowed: %s", v)
		}
	}
	return nil
}

func (lf ListFlag) String() string { return lf.value }

// Values returns the parsed list, or nil if Set/UnmarshalYAML was never
// called or was called with an empty value.
func (lf ListFlag) Values() []string { return lf.values }
