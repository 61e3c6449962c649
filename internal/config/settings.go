// Package config holds the user preferences record from
// .replypilot/settings.json. The record is the only configuration surface:
// it is always read, merged over defaults and written back as a whole, so an
// invalid or partial record is never persisted.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Tone selects the register of generated replies.
type Tone string

const (
	ToneProfessional Tone = "professional"
	TonePolite       Tone = "polite"
	ToneFriendly     Tone = "friendly"
	ToneConcise      Tone = "concise"
)

// Action is what happens with an accepted reply.
type Action string

const (
	ActionInsert Action = "insert"
	ActionCopy   Action = "copy"
)

// Bounds enforced by Validate.
const (
	MinMaxLength = 100
	MaxMaxLength = 1000
	MinLimit     = 1
	MaxLimit     = 10000
)

// Settings is the user preferences record (the "synced" storage scope).
type Settings struct {
	// Credential is the API key for the text generator. Empty means the
	// generation workflow is not configured yet.
	Credential string `json:"credential,omitempty"`

	// Tone of generated replies.
	Tone Tone `json:"tone"`

	// MaxLength caps generated reply length in characters, [100,1000].
	MaxLength int `json:"max_length"`

	// DefaultAction for an accepted reply: insert into the input surface
	// or hand it to the copy affordance.
	DefaultAction Action `json:"default_action"`

	// Limit is the rate-limit ceiling per usage window, [1,10000].
	Limit int `json:"limit"`

	// PacedInsertion switches insertion from immediate to character-paced.
	PacedInsertion bool `json:"paced_insertion"`
}

// DefaultSettings returns the record used on first run.
func DefaultSettings() Settings {
	return Settings{
		Tone:           ToneProfessional,
		MaxLength:      500,
		DefaultAction:  ActionInsert,
		Limit:          50,
		PacedInsertion: false,
	}
}

// Validate checks the whole record. A record that fails validation must not
// be persisted.
func (s Settings) Validate() error {
	switch s.Tone {
	case ToneProfessional, TonePolite, ToneFriendly, ToneConcise:
	default:
		return fmt.Errorf("invalid tone: %q", s.Tone)
	}
	switch s.DefaultAction {
	case ActionInsert, ActionCopy:
	default:
		return fmt.Errorf("invalid default action: %q", s.DefaultAction)
	}
	if s.MaxLength < MinMaxLength || s.MaxLength > MaxMaxLength {
		return fmt.Errorf("max_length %d out of range [%d,%d]", s.MaxLength, MinMaxLength, MaxMaxLength)
	}
	if s.Limit < MinLimit || s.Limit > MaxLimit {
		return fmt.Errorf("limit %d out of range [%d,%d]", s.Limit, MinLimit, MaxLimit)
	}
	return nil
}

// mergeDefaults fills zero-valued fields from the defaults so records written
// by older versions keep loading.
func (s Settings) mergeDefaults() Settings {
	def := DefaultSettings()
	if s.Tone == "" {
		s.Tone = def.Tone
	}
	if s.MaxLength == 0 {
		s.MaxLength = def.MaxLength
	}
	if s.DefaultAction == "" {
		s.DefaultAction = def.DefaultAction
	}
	if s.Limit == 0 {
		s.Limit = def.Limit
	}
	return s
}

// Store reads and writes the settings record under a state directory.
type Store struct {
	path string
}

// NewStore creates a store rooted at the given state directory.
func NewStore(stateDir string) *Store {
	return &Store{path: filepath.Join(stateDir, "settings.json")}
}

// Path returns the backing file path.
func (st *Store) Path() string {
	return st.path
}

// Load reads the settings record, merging missing fields over defaults.
// A missing file yields the defaults. The REPLYPILOT_API_KEY environment
// variable overrides the persisted credential without being written back.
func (st *Store) Load() (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnvCredential(s), nil
		}
		return s, fmt.Errorf("failed to read settings: %w", err)
	}

	if err := json.Unmarshal(data, &s); err != nil {
		return DefaultSettings(), fmt.Errorf("failed to parse settings: %w", err)
	}

	return applyEnvCredential(s.mergeDefaults()), nil
}

// Save validates the whole record and persists it atomically.
func (st *Store) Save(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(st.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	// Write-then-rename so a crash never leaves a torn record.
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

func applyEnvCredential(s Settings) Settings {
	if key := os.Getenv("REPLYPILOT_API_KEY"); key != "" {
		s.Credential = key
	}
	return s
}

// DefaultStateDir returns the .replypilot directory to use: the first parent
// of the working directory that already has one, else $HOME/.replypilot.
func DefaultStateDir() string {
	if dir, err := os.Getwd(); err == nil {
		for {
			candidate := filepath.Join(dir, ".replypilot")
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".replypilot"
	}
	return filepath.Join(home, ".replypilot")
}
