// Package parser turns drop-in service-definition files into
// *record.Record values.
//
// Line grammar:
//
//	KIND [RUNLEVELS] [OPTION...] /path/to/binary [arg...] [-- description]
//	inetd ADDR [RUNLEVELS] [OPTION...] /path/to/binary [arg...] [-- description]
//
// KIND is one of service|task|run|sysv|inetd. For inetd, ADDR immediately
// follows the keyword and is a "network://address" pair passed to
// net.Listen by internal/inetd (e.g. "tcp://:2121", "unix:///run/echo.sock").
// RUNLEVELS is a bracketed digit/S run (e.g. [2345], [S]); absent means "all
// of 2-5". OPTION is one of:
//
//	nowait                 (inetd only) don't serialize connections
//	log                     tee stdout/stderr to syslog
//	sighup                  reloadable via SIGHUP instead of restart
//	user=NAME               run as NAME
//	group=NAME              run as group NAME (defaults to NAME's primary)
//	cond=NAME               require condition NAME to be ON
//	cond=!NAME              require condition NAME to be OFF
//
// Blank lines and lines starting with '#' are ignored.
package parser

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-initd/initd/internal/record"
)

var kindWords = map[string]record.Kind{
	"service": record.SERVICE,
	"task":    record.TASK,
	"run":     record.RUN,
	"sysv":    record.SYSV,
	"inetd":   record.INETD,
}

// ParseDir parses mainFile plus every *.conf file in dropinDir (dropinDir
// may not exist; that is not an error), in deterministic name order so
// drop-ins have predictable precedence for duplicate-looking entries.
func ParseDir(mainFile, dropinDir string) ([]*record.Record, error) {
	var out []*record.Record

	if mainFile != "" {
		recs, err := ParseFile(mainFile)
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}

	entries, err := os.ReadDir(dropinDir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".conf") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		recs, err := ParseFile(filepath.Join(dropinDir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, recs...)
	}
	return out, nil
}

// ParseFile parses a single config file.
func ParseFile(path string) ([]*record.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Parse(f, path)
}

// Parse reads lines from r, tagging errors with sourceName.
func Parse(r io.Reader, sourceName string) ([]*record.Record, error) {
	var out []*record.Record
	seen := map[string]int{} // command -> next instance id, for auto-numbering repeats

	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", sourceName, lineno, err)
		}
		id := seen[rec.Key.Command] + 1
		seen[rec.Key.Command] = id
		rec.Key.ID = id
		out = append(out, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseLine(line string) (*record.Record, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty line")
	}

	kind, ok := kindWords[fields[0]]
	if !ok {
		return nil, fmt.Errorf("unknown service kind %q", fields[0])
	}
	rest := fields[1:]

	rec := &record.Record{Kind: kind}

	if kind == record.INETD {
		if len(rest) == 0 {
			return nil, fmt.Errorf("inetd requires a listen address")
		}
		rec.ListenAddr = rest[0]
		rest = rest[1:]
	}

	if len(rest) > 0 && strings.HasPrefix(rest[0], "[") && strings.HasSuffix(rest[0], "]") {
		rec.Runlevels = parseRunlevels(rest[0])
		rest = rest[1:]
	} else {
		rec.Runlevels = record.NewRunlevelSet(2, 3, 4, 5)
	}

	for len(rest) > 0 {
		tok := rest[0]
		isOption := true
		switch {
		case tok == "nowait":
			rec.NoWait = true
		case tok == "log":
			rec.LogToSyslog = true
		case tok == "sighup":
			rec.SighupReloadable = true
		case strings.HasPrefix(tok, "user="):
			rec.User = strings.TrimPrefix(tok, "user=")
		case strings.HasPrefix(tok, "group="):
			rec.Group = strings.TrimPrefix(tok, "group=")
		case strings.HasPrefix(tok, "cond="):
			ref := strings.TrimPrefix(tok, "cond=")
			negate := strings.HasPrefix(ref, "!")
			rec.Conditions = append(rec.Conditions, record.CondRef{
				Name:   strings.TrimPrefix(ref, "!"),
				Negate: negate,
			})
		default:
			isOption = false
		}
		if !isOption {
			break
		}
		rest = rest[1:]
	}
	if len(rest) == 0 {
		return nil, fmt.Errorf("missing command path")
	}
	rec.Key.Command = rest[0]

	argv := rest
	description := ""
	for i, tok := range rest {
		if tok == "--" {
			argv = rest[:i]
			if i+1 <= len(rest) {
				description = strings.Join(rest[i+1:], " ")
			}
			break
		}
	}
	rec.Argv = append([]string(nil), argv...)
	rec.Description = description

	return rec, nil
}

// parseRunlevels decodes a bracketed run like "[2345S]" into a set.
func parseRunlevels(tok string) record.RunlevelSet {
	inner := strings.TrimSuffix(strings.TrimPrefix(tok, "["), "]")
	var levels []int
	for _, c := range inner {
		switch {
		case c >= '0' && c <= '9':
			levels = append(levels, int(c-'0'))
		case c == 'S' || c == 's':
			levels = append(levels, record.Bootstrap)
		}
	}
	return record.NewRunlevelSet(levels...)
}
