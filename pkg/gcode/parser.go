// Console command parsing
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package gcode

import (
	"regexp"
	"strconv"
	"strings"

	"zalign/pkg/errors"
	"zalign/pkg/pool"
)

var reParenComment = regexp.MustCompile(`\([^)]*\)`)

// Command is one parsed console command. Args holds both extended
// KEY=VALUE arguments and Marlin-style single-letter arguments, keys
// uppercased. The map is borrowed from a pool; call Release when done.
type Command struct {
	Name string
	Args map[string]string
	Raw  string
}

// Release returns the argument map to the pool.
func (c *Command) Release() {
	if c != nil && c.Args != nil {
		pool.PutArgsMap(c.Args)
		c.Args = nil
	}
}

// Parse splits a console line into a command name and arguments.
// Semicolon and parenthesis comments are stripped; empty and
// comment-only lines return nil. Fields containing '=' are KEY=VALUE
// arguments; other fields split Marlin-style into a single-letter key
// and the remainder as value ("I5" is I=5, bare "E" is a flag).
func Parse(line string) (*Command, error) {
	ln := strings.TrimSpace(line)
	if ln == "" {
		return nil, nil
	}
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = strings.TrimSpace(ln[:idx])
	}
	if ln == "" {
		return nil, nil
	}
	if strings.IndexByte(ln, '(') >= 0 {
		ln = strings.TrimSpace(reParenComment.ReplaceAllString(ln, " "))
		if ln == "" {
			return nil, nil
		}
	}

	fields := strings.Fields(ln)
	if strings.Contains(fields[0], "=") {
		return nil, errors.CommandParseError(line, "line starts with an assignment")
	}
	name := strings.ToUpper(fields[0])

	args := pool.GetArgsMap()
	for _, f := range fields[1:] {
		if k, v, ok := strings.Cut(f, "="); ok {
			k = strings.ToUpper(strings.TrimSpace(k))
			if k != "" {
				args[k] = strings.TrimSpace(v)
			}
			continue
		}
		if len(f) == 1 {
			args[strings.ToUpper(f)] = ""
			continue
		}
		args[strings.ToUpper(f[:1])] = strings.TrimSpace(f[1:])
	}
	return &Command{Name: name, Args: args, Raw: line}, nil
}

// Has reports whether the argument is present, with or without a value.
func (c *Command) Has(key string) bool {
	_, ok := c.Args[key]
	return ok
}

// Str returns a string argument, or def when absent.
func (c *Command) Str(key, def string) string {
	if v, ok := c.Args[key]; ok {
		return v
	}
	return def
}

// Float returns a float argument. Absent or valueless arguments yield
// def; an unparsable value is a command parameter error.
func (c *Command) Float(key string, def float64) (float64, error) {
	raw, ok := c.Args[key]
	if !ok || raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def, errors.CommandParamError(c.Name, key, raw, "not a number")
	}
	return f, nil
}

// Int returns an integer argument. Absent or valueless arguments yield
// def; an unparsable value is a command parameter error.
func (c *Command) Int(key string, def int) (int, error) {
	raw, ok := c.Args[key]
	if !ok || raw == "" {
		return def, nil
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		return def, errors.CommandParamError(c.Name, key, raw, "not an integer")
	}
	return i, nil
}

// Bool returns a boolean argument. A bare flag ("E") is true; "0",
// "1", "false" and "true" are accepted values; absent yields def.
func (c *Command) Bool(key string, def bool) (bool, error) {
	raw, ok := c.Args[key]
	if !ok {
		return def, nil
	}
	switch strings.ToLower(raw) {
	case "":
		return true, nil
	case "1", "true":
		return true, nil
	case "0", "false":
		return false, nil
	}
	return def, errors.CommandParamError(c.Name, key, raw, "not a boolean")
}

// RequireFloat returns a float argument that must be present with a
// value.
func (c *Command) RequireFloat(key string) (float64, error) {
	raw, ok := c.Args[key]
	if !ok || raw == "" {
		return 0, errors.MissingParameterError(c.Name, key)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.CommandParamError(c.Name, key, raw, "not a number")
	}
	return f, nil
}

// RequireInt returns an integer argument that must be present with a
// value.
func (c *Command) RequireInt(key string) (int, error) {
	raw, ok := c.Args[key]
	if !ok || raw == "" {
		return 0, errors.MissingParameterError(c.Name, key)
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.CommandParamError(c.Name, key, raw, "not an integer")
	}
	return i, nil
}
