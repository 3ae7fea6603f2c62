// Package unitfile reads and writes systemd style unit files as an ordered
// list of options.
//
// Format: sections open with a "[Name]" line, "#" starts a comment line,
// options are "name=value" lines inside a section, and a trailing backslash
// continues a value on the next line. Options may repeat within a section,
// which is why a map based INI parser cannot be used.
package unitfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cnelson/go-fleet/fleeterr"
)

// Option is a single option in a unit file.
type Option struct {
	Section string `json:"section" yaml:"section"`
	Name    string `json:"name" yaml:"name"`
	Value   string `json:"value" yaml:"value"`
}

func (o Option) String() string {
	return fmt.Sprintf("[%s] %s=%s", o.Section, o.Name, o.Value)
}

// maxLineLength bounds a single physical line.
const maxLineLength = 1024 * 1024

// Parse reads unit file text and returns its options in file order.
// Malformed input yields a *fleeterr.FormatError carrying the 1-based
// line number of the offending line.
func Parse(r io.Reader) ([]Option, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)

	var (
		options   []Option
		section   string
		lineNo    int
		startLine int      // first physical line of the logical line being built
		fragments []string // pieces of a continued logical line
	)

	flush := func() error {
		if len(fragments) == 0 {
			return nil
		}
		line := strings.Join(fragments, " ")
		fragments = nil
		opt, err := parseOption(section, line, startLine)
		if err != nil {
			return err
		}
		options = append(options, opt)
		return nil
	}

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		continuing := len(fragments) > 0

		if line == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}

		if !continuing {
			if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
				name := strings.TrimSpace(line[1 : len(line)-1])
				if name == "" {
					return nil, &fleeterr.FormatError{Line: lineNo, Input: line, Reason: "unable to parse unit file; empty section name"}
				}
				section = name
				continue
			}
			if section == "" {
				return nil, &fleeterr.FormatError{Line: lineNo, Input: line, Reason: "unable to parse unit file; unexpected line outside of a section"}
			}
			startLine = lineNo
		}

		if strings.HasSuffix(line, `\`) {
			fragments = append(fragments, strings.TrimSpace(strings.TrimSuffix(line, `\`)))
			continue
		}
		fragments = append(fragments, line)
		if err := flush(); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read unit file: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return options, nil
}

func parseOption(section, line string, lineNo int) (Option, error) {
	name, value, ok := strings.Cut(line, "=")
	if !ok {
		return Option{}, &fleeterr.FormatError{
			Line:   lineNo,
			Input:  line,
			Reason: fmt.Sprintf("unable to parse unit file; malformed line in section %s", section),
		}
	}
	return Option{Section: section, Name: name, Value: value}, nil
}

// ParseString parses unit file text held in a string.
func ParseString(s string) ([]Option, error) {
	return Parse(strings.NewReader(s))
}

// ParseFile parses the unit file at path.
func ParseFile(path string) ([]Option, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open unit file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Serialize renders options as unit file text. Options are grouped by
// section; sections appear in first-seen order and options keep their
// relative order within a section. Lines are joined with "\n" and there is
// no trailing newline.
func Serialize(options []Option) string {
	var sections []string
	bySection := make(map[string][]Option)
	for _, opt := range options {
		if _, ok := bySection[opt.Section]; !ok {
			sections = append(sections, opt.Section)
		}
		bySection[opt.Section] = append(bySection[opt.Section], opt)
	}

	var lines []string
	for _, s := range sections {
		lines = append(lines, "["+s+"]")
		for _, opt := range bySection[s] {
			lines = append(lines, opt.Name+"="+opt.Value)
		}
	}
	return strings.Join(lines, "\n")
}
