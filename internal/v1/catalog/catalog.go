// Package catalog loads and validates the space catalog: the static
// configuration listing every valid space, its capacity, and the robots
// authorized to embody it. The catalog is read once at startup and
// immutable afterwards.
package catalog

import (
	"fmt"
	"regexp"

	"github.com/spf13/viper"

	"github.com/portalbot/server/internal/v1/types"
)

const (
	// MinParticipants and MaxParticipants bound a space's configured capacity.
	MinParticipants = 2
	MaxParticipants = 10

	defaultImageURL = "/images/default-space.jpg"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Space is a single immutable catalog entry.
type Space struct {
	ID              types.SpaceIDType `mapstructure:"id" json:"id"`
	DisplayName     string            `mapstructure:"display_name" json:"display_name"`
	Description     string            `mapstructure:"description" json:"description"`
	ImageURL        string            `mapstructure:"image_url" json:"image_url"`
	MaxParticipants int               `mapstructure:"max_participants" json:"max_participants"`
	Enabled         bool              `mapstructure:"enabled" json:"enabled"`
	RobotIDs        []string          `mapstructure:"robot_ids" json:"-"`
}

// AllowsRobot reports whether robotID is in the space's authorized list.
func (s *Space) AllowsRobot(robotID types.RobotIDType) bool {
	for _, id := range s.RobotIDs {
		if id == string(robotID) {
			return true
		}
	}
	return false
}

// Catalog is the root configuration containing all spaces.
type Catalog struct {
	Version         string  `mapstructure:"version" json:"version"`
	DefaultImageURL string  `mapstructure:"default_image_url" json:"-"`
	Spaces          []Space `mapstructure:"spaces" json:"spaces"`

	byID map[types.SpaceIDType]*Space
}

// Load reads and validates the space catalog from a YAML file.
// A missing or invalid catalog is a startup-fatal error.
func Load(path string) (*Catalog, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read space catalog %s: %w", path, err)
	}

	var cat Catalog
	if err := v.Unmarshal(&cat); err != nil {
		return nil, fmt.Errorf("invalid space catalog %s: %w", path, err)
	}

	if err := cat.validate(); err != nil {
		return nil, fmt.Errorf("invalid space catalog %s: %w", path, err)
	}

	return &cat, nil
}

// New builds a catalog from in-memory entries. Used by tests and embedded
// callers; applies the same validation as Load.
func New(version string, spaces []Space) (*Catalog, error) {
	cat := &Catalog{Version: version, Spaces: spaces}
	if err := cat.validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

func (c *Catalog) validate() error {
	if c.Version == "" {
		return fmt.Errorf("version is required")
	}
	if len(c.Spaces) == 0 {
		return fmt.Errorf("at least one space is required")
	}
	if c.DefaultImageURL == "" {
		c.DefaultImageURL = defaultImageURL
	}

	c.byID = make(map[types.SpaceIDType]*Space, len(c.Spaces))
	for i := range c.Spaces {
		s := &c.Spaces[i]
		if !idPattern.MatchString(string(s.ID)) {
			return fmt.Errorf("space id %q must contain only alphanumeric characters, hyphens, and underscores", s.ID)
		}
		if _, dup := c.byID[s.ID]; dup {
			return fmt.Errorf("duplicate space id %q", s.ID)
		}
		if s.DisplayName == "" {
			return fmt.Errorf("space %q: display_name is required", s.ID)
		}
		if s.MaxParticipants < MinParticipants || s.MaxParticipants > MaxParticipants {
			return fmt.Errorf("space %q: max_participants must be between %d and %d (got %d)",
				s.ID, MinParticipants, MaxParticipants, s.MaxParticipants)
		}
		if s.ImageURL == "" {
			s.ImageURL = c.DefaultImageURL
		}
		c.byID[s.ID] = s
	}
	return nil
}

// SpaceByID returns the catalog entry for spaceID, or nil if unknown.
func (c *Catalog) SpaceByID(spaceID types.SpaceIDType) *Space {
	return c.byID[spaceID]
}

// EnabledSpaces returns the subset of spaces currently available.
func (c *Catalog) EnabledSpaces() []Space {
	var enabled []Space
	for _, s := range c.Spaces {
		if s.Enabled {
			enabled = append(enabled, s)
		}
	}
	return enabled
}

// Response is the serialized shape returned by GET /spaces.
type Response struct {
	Version string  `json:"version"`
	Spaces  []Space `json:"spaces"`
}

// ToResponse converts the catalog for API responses.
func (c *Catalog) ToResponse() Response {
	return Response{Version: c.Version, Spaces: c.Spaces}
}
