// Package notify loads the host notification command and decides which
// /notify requests may run it.
package notify

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// CommandKey is the aider config key holding the notification command.
const CommandKey = "notifications-command"

// ArgsPlaceholder, as the last token, appends the client's arguments.
const ArgsPlaceholder = "{args}"

// DefaultConfigPath returns ~/.aider.conf.yml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home directory not found: %w", err)
	}
	return filepath.Join(home, ".aider.conf.yml"), nil
}

// LoadCommand reads the notification command from the YAML file at path.
func LoadCommand(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	argv, err := ParseCommand(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return argv, nil
}

// ParseCommand extracts notifications-command from a YAML document. The value
// may be a string, split like a shell would, or a sequence of strings.
func ParseCommand(data []byte) ([]string, error) {
	content := strings.TrimRight(string(data), " \t\r\n")
	// Some helpers append a literal \n to the file.
	content = strings.TrimSuffix(content, `\n`)

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	node, ok := doc[CommandKey]
	if !ok {
		return nil, errors.New(CommandKey + " not found")
	}

	switch node.Kind {
	case yaml.ScalarNode:
		argv := SplitArgs(node.Value)
		if len(argv) == 0 {
			return nil, errors.New(CommandKey + " parsed to an empty command")
		}
		return argv, nil
	case yaml.SequenceNode:
		argv := make([]string, 0, len(node.Content))
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode || item.Tag == "!!null" {
				return nil, errors.New(CommandKey + " must be a sequence of strings")
			}
			argv = append(argv, item.Value)
		}
		if len(argv) == 0 {
			return nil, errors.New(CommandKey + " is empty")
		}
		return argv, nil
	}
	return nil, errors.New(CommandKey + " must be a string or sequence")
}

// SplitArgs splits s on unquoted whitespace. Single and double quotes group
// words and are removed; there are no escapes. An empty quoted pair yields an
// empty argument.
func SplitArgs(s string) []string {
	var (
		out      []string
		cur      strings.Builder
		quoted   bool
		inSingle bool
		inDouble bool
	)
	for _, r := range s {
		switch {
		case r == '\'' && !inDouble:
			inSingle = !inSingle
			quoted = true
		case r == '"' && !inSingle:
			inDouble = !inDouble
			quoted = true
		case unicode.IsSpace(r) && !inSingle && !inDouble:
			if cur.Len() > 0 || quoted {
				out = append(out, cur.String())
				cur.Reset()
				quoted = false
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 || quoted {
		out = append(out, cur.String())
	}
	return out
}
