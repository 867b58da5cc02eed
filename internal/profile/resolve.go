package profile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/matheus3301/streakchat/internal/config"
)

// DefaultName is used when neither a flag nor config.toml names a profile.
const DefaultName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ErrInvalidName is wrapped by ValidateName failures.
var ErrInvalidName = errors.New("invalid profile name")

// ValidateName checks that name can be used as a directory under profiles/.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("%w %q: must match %s", ErrInvalidName, name, nameRegexp)
	}
	return nil
}

// Resolve picks the active profile: the flag, then config.toml's
// default_profile, then DefaultName. The result is validated. A config.toml
// that exists but cannot be parsed is an error rather than a silent default.
func Resolve(flagOverride string) (string, error) {
	name := flagOverride
	if name == "" {
		cfg, err := config.Load(ConfigPath())
		switch {
		case err == nil && cfg.DefaultProfile != "":
			name = cfg.DefaultProfile
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("read %s: %w", ConfigPath(), err)
		default:
			name = DefaultName
		}
	}
	if err := ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// List returns the profiles that have a directory, sorted by name.
func List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(BaseDir(), "profiles"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
