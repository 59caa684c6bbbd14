package config

import (
	"fmt"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"
)

// ChatMap resolves owner aliases to Telegram chat ids. Loaded from a file like
//
//	chats:
//	  me: 123456789
//	  family: -1001234567890
type ChatMap map[string]int64

type chatMapFile struct {
	Chats map[string]int64 `yaml:"chats"`
}

// LoadChatMap reads and validates a chat map file
func LoadChatMap(path string) (ChatMap, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chat map: %w", err)
	}
	return ParseChatMap(b)
}

// ParseChatMap decodes YAML chat map content. Aliases are case-insensitive.
func ParseChatMap(b []byte) (ChatMap, error) {
	var f chatMapFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse chat map: %w", err)
	}

	m := make(ChatMap, len(f.Chats))
	for alias, id := range f.Chats {
		key := strings.ToLower(strings.TrimSpace(alias))
		if key == "" {
			return nil, fmt.Errorf("parse chat map: empty alias")
		}
		if id == 0 {
			return nil, fmt.Errorf("parse chat map: alias %q has no chat id", alias)
		}
		m[key] = id
	}
	return m, nil
}

// Lookup returns the chat id for alias
func (m ChatMap) Lookup(alias string) (int64, bool) {
	id, ok := m[strings.ToLower(strings.TrimSpace(alias))]
	return id, ok
}
