// Package vstore defines the persistent key-value store
// that holds validation state and client settings across restarts.
//
// Implementations live in subpackages,
// and [vstoretest] holds the compliance tests they must pass.
package vstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flipsession/vsession/vstate"
	"golang.org/x/text/language"
)

// ErrNotFound is returned by [Store.Get] when the key has no value.
var ErrNotFound = errors.New("not found")

// ErrCorrupt is wrapped by load errors for values that exist but cannot be decoded.
var ErrCorrupt = errors.New("corrupt value")

// Keys used by the session client.
const (
	KeyValidation = "validation"
	KeySettings   = "settings"
)

// Store is a durable mapping from string keys to opaque values.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value for key, or an error wrapping [ErrNotFound].
	Get(ctx context.Context, key string) ([]byte, error)

	// Put sets the value for key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// LoadValidation returns the persisted validation state.
// If none was persisted, it returns [vstate.Initial] and a nil error.
// An undecodable value is reported with an error wrapping [ErrCorrupt].
func LoadValidation(ctx context.Context, s Store) (vstate.State, error) {
	b, err := s.Get(ctx, KeyValidation)
	if errors.Is(err, ErrNotFound) {
		return vstate.Initial(), nil
	}
	if err != nil {
		return vstate.State{}, fmt.Errorf("failed to load validation state: %w", err)
	}

	var st vstate.State
	if err := json.Unmarshal(b, &st); err != nil {
		return vstate.State{}, fmt.Errorf("failed to decode validation state: %w: %w", ErrCorrupt, err)
	}
	return st, nil
}

func SaveValidation(ctx context.Context, s Store, st vstate.State) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to encode validation state: %w", err)
	}
	if err := s.Put(ctx, KeyValidation, b); err != nil {
		return fmt.Errorf("failed to save validation state: %w", err)
	}
	return nil
}

// Settings are the client preferences.
type Settings struct {
	// Language is a BCP 47 tag from [SupportedLanguages].
	Language string `json:"language"`
}

// SupportedLanguages are the languages the client has translations for.
// The first entry is the default.
var SupportedLanguages = []language.Tag{language.English, language.Russian}

var languageMatcher = language.NewMatcher(SupportedLanguages)

// MatchLanguage returns the supported language closest to the requested tag,
// or the default when nothing matches.
func MatchLanguage(requested string) string {
	tags, _, err := language.ParseAcceptLanguage(requested)
	if err != nil || len(tags) == 0 {
		return SupportedLanguages[0].String()
	}
	_, idx, conf := languageMatcher.Match(tags...)
	if conf == language.No {
		return SupportedLanguages[0].String()
	}
	return SupportedLanguages[idx].String()
}

// DefaultSettings are returned when no settings were saved.
func DefaultSettings() Settings {
	return Settings{Language: SupportedLanguages[0].String()}
}

func LoadSettings(ctx context.Context, s Store) (Settings, error) {
	b, err := s.Get(ctx, KeySettings)
	if errors.Is(err, ErrNotFound) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to load settings: %w", err)
	}

	var set Settings
	if err := json.Unmarshal(b, &set); err != nil {
		return Settings{}, fmt.Errorf("failed to decode settings: %w", err)
	}
	set.Language = MatchLanguage(set.Language)
	return set, nil
}

// SaveSettings normalizes the language of set and persists it,
// returning the settings as saved.
func SaveSettings(ctx context.Context, s Store, set Settings) (Settings, error) {
	set.Language = MatchLanguage(set.Language)

	b, err := json.Marshal(set)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := s.Put(ctx, KeySettings, b); err != nil {
		return Settings{}, fmt.Errorf("failed to save settings: %w", err)
	}
	return set, nil
}
