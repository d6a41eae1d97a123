// Package branch holds the branch reference data and the nearest-branch
// locators used for routing.
package branch

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Branch is a physical office that can receive routed leads.
type Branch struct {
	Key       string  `yaml:"key"`
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
	Active    bool    `yaml:"-"`
}

// Match is the nearest active branch and its great-circle distance.
type Match struct {
	Key        string
	DistanceKM float64
}

// Locator finds the nearest active branch to a point. A nil Match with a nil
// error means there is no active branch.
type Locator interface {
	Nearest(ctx context.Context, lat, lon float64) (*Match, error)
}

// Lister returns the active branches.
type Lister interface {
	ListActive(ctx context.Context) ([]Branch, error)
}

type seedFile struct {
	Branches []struct {
		Branch `yaml:",inline"`
		Active *bool `yaml:"active"`
	} `yaml:"branches"`
}

// LoadSeed reads branch reference data from a YAML file. Branches are active
// unless the file says otherwise.
func LoadSeed(path string) ([]Branch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "branch: read seed %s", path)
	}
	return ParseSeed(data)
}

// ParseSeed parses and validates branch seed YAML. Keys are lowercased so
// they match the routing config, whose map keys viper folds.
func ParseSeed(data []byte) ([]Branch, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "branch: parse seed")
	}

	out := make([]Branch, 0, len(f.Branches))
	for _, sb := range f.Branches {
		b := sb.Branch
		b.Key = strings.ToLower(strings.TrimSpace(b.Key))
		b.Active = sb.Active == nil || *sb.Active
		out = append(out, b)
	}
	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks keys are present and unique and coordinates are in range.
func Validate(branches []Branch) error {
	if len(branches) == 0 {
		return eris.New("branch: no branches defined")
	}
	seen := make(map[string]bool, len(branches))
	for i, b := range branches {
		if b.Key == "" {
			return eris.Errorf("branch: entry %d has no key", i)
		}
		if seen[b.Key] {
			return eris.Errorf("branch: duplicate key %q", b.Key)
		}
		seen[b.Key] = true
		if b.Latitude < -90 || b.Latitude > 90 || b.Longitude < -180 || b.Longitude > 180 {
			return eris.Errorf("branch: %q has out-of-range coordinates (%f, %f)", b.Key, b.Latitude, b.Longitude)
		}
	}
	return nil
}
