package telegram

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"
)

// knownChat is one entry of the chat file
type knownChat struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name,omitempty"`
}

// chatStore persists the chats the bot takes part in, so a restarted
// client can announce commands to them before they speak again
type chatStore struct {
	mu   sync.Mutex
	path string
}

func (s *chatStore) load() ([]knownChat, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chat file: %w", err)
	}

	var chats []knownChat
	if err := yaml.Unmarshal(data, &chats); err != nil {
		return nil, fmt.Errorf("failed to parse chat file %s: %w", s.path, err)
	}
	return chats, nil
}

func (s *chatStore) save(chats []knownChat) error {
	slices.SortFunc(chats, func(a, b knownChat) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	data, err := yaml.Marshal(chats)
	if err != nil {
		return fmt.Errorf("failed to marshal chats: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create chat file directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write chat file: %w", err)
	}
	return nil
}
