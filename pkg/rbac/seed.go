package rbac

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/pacsgate/pkg/observability"
)

// Seed is a declarative policy file: the directory entries, conditions and
// bindings a deployment starts from, plus optional study trees.
type Seed struct {
	Users       []SeedUser       `yaml:"users"`
	Projects    []SeedProject    `yaml:"projects"`
	Roles       []SeedRole       `yaml:"roles"`
	Memberships []SeedMembership `yaml:"memberships"`
	Conditions  []SeedCondition  `yaml:"conditions"`
	Studies     []SeedStudy      `yaml:"studies"`
}

type SeedUser struct {
	Username string `yaml:"username"`
	Email    string `yaml:"email"`
}

type SeedProject struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type SeedRole struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// SeedMembership adds a user to a project. A membership without roles still
// makes the user a member.
type SeedMembership struct {
	User    string   `yaml:"user"`
	Project string   `yaml:"project"`
	Roles   []string `yaml:"roles"`
}

// SeedBinding attaches a condition to a named role or project.
type SeedBinding struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`
}

// SeedCondition declares a condition and where it is bound. Conditions are
// matched on content, so reapplying a seed does not duplicate them.
type SeedCondition struct {
	ResourceLevel string        `yaml:"resource_level"`
	DicomTag      string        `yaml:"dicom_tag"`
	Operator      string        `yaml:"operator"`
	Value         string        `yaml:"value"`
	ConditionType string        `yaml:"condition_type"`
	Description   string        `yaml:"description"`
	Roles         []SeedBinding `yaml:"roles"`
	Projects      []SeedBinding `yaml:"projects"`
}

// SeedStudy registers a study tree under a named project.
type SeedStudy struct {
	Project     string `yaml:"project"`
	StudyRecord `yaml:",inline"`
}

// SeedSummary counts what ApplySeed touched.
type SeedSummary struct {
	Users       int `json:"users"`
	Projects    int `json:"projects"`
	Roles       int `json:"roles"`
	Memberships int `json:"memberships"`
	Conditions  int `json:"conditions"`
	Bindings    int `json:"bindings"`
	Studies     int `json:"studies"`
}

// LoadSeedFile reads and parses a seed file.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a seed document. Unknown keys are rejected.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	return &seed, nil
}

func (sc SeedCondition) condition() (*AccessCondition, error) {
	level, err := ParseResourceLevel(sc.ResourceLevel)
	if err != nil {
		return nil, err
	}
	ctype, err := ParseConditionType(sc.ConditionType)
	if err != nil {
		return nil, err
	}

	c := &AccessCondition{
		ResourceType:  "DICOM",
		ResourceLevel: level,
		Operator:      strings.TrimSpace(sc.Operator),
		ConditionType: ctype,
		Description:   sc.Description,
	}
	if tag := strings.TrimSpace(sc.DicomTag); tag != "" {
		c.DicomTag = &tag
	}
	if sc.Value != "" {
		value := sc.Value
		c.Value = &value
	}
	if c.Operator == "" {
		c.Operator = "EQ"
	}
	return c, c.Validate()
}

// ApplySeed creates or refreshes everything in seed. It is idempotent.
func ApplySeed(ctx context.Context, store *Store, seed *Seed, logger *observability.Logger) (*SeedSummary, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, io.Discard)
	}

	summary := &SeedSummary{}
	users := map[string]int64{}
	projects := map[string]int64{}
	roles := map[string]int64{}

	for _, u := range seed.Users {
		id, err := store.EnsureUser(ctx, u.Username, u.Email)
		if err != nil {
			return nil, fmt.Errorf("seed user %q: %w", u.Username, err)
		}
		users[u.Username] = id
		summary.Users++
	}
	for _, p := range seed.Projects {
		id, err := store.EnsureProject(ctx, p.Name, p.Description)
		if err != nil {
			return nil, fmt.Errorf("seed project %q: %w", p.Name, err)
		}
		projects[p.Name] = id
		summary.Projects++
	}
	for _, r := range seed.Roles {
		id, err := store.EnsureRole(ctx, r.Name, r.Description)
		if err != nil {
			return nil, fmt.Errorf("seed role %q: %w", r.Name, err)
		}
		roles[r.Name] = id
		summary.Roles++
	}

	lookup := func(kind string, ids map[string]int64, name string) (int64, error) {
		id, ok := ids[name]
		if !ok {
			return 0, validationErrorf("seed references unknown %s %q", kind, name)
		}
		return id, nil
	}

	for _, m := range seed.Memberships {
		userID, err := lookup("user", users, m.User)
		if err != nil {
			return nil, err
		}
		projectID, err := lookup("project", projects, m.Project)
		if err != nil {
			return nil, err
		}
		if len(m.Roles) == 0 {
			if err := store.AddMember(ctx, userID, projectID, nil); err != nil {
				return nil, err
			}
		}
		for _, name := range m.Roles {
			roleID, err := lookup("role", roles, name)
			if err != nil {
				return nil, err
			}
			if err := store.AddMember(ctx, userID, projectID, &roleID); err != nil {
				return nil, err
			}
		}
		summary.Memberships++
	}

	for i, sc := range seed.Conditions {
		c, err := sc.condition()
		if err != nil {
			return nil, fmt.Errorf("seed condition %d: %w", i, err)
		}
		existing, err := store.FindCondition(ctx, c)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			c = existing
		} else if err := store.CreateCondition(ctx, c); err != nil {
			return nil, fmt.Errorf("seed condition %d: %w", i, err)
		} else {
			summary.Conditions++
		}

		for _, b := range sc.Roles {
			roleID, err := lookup("role", roles, b.Name)
			if err != nil {
				return nil, err
			}
			if _, err := store.BindRoleCondition(ctx, roleID, c.ID, b.Priority); err != nil {
				return nil, err
			}
			summary.Bindings++
		}
		for _, b := range sc.Projects {
			projectID, err := lookup("project", projects, b.Name)
			if err != nil {
				return nil, err
			}
			if _, err := store.BindProjectCondition(ctx, projectID, c.ID, b.Priority); err != nil {
				return nil, err
			}
			summary.Bindings++
		}
	}

	for _, st := range seed.Studies {
		projectID, err := lookup("project", projects, st.Project)
		if err != nil {
			return nil, err
		}
		if _, err := store.RegisterStudy(ctx, projectID, st.StudyRecord); err != nil {
			return nil, fmt.Errorf("seed study %q: %w", st.UID, err)
		}
		summary.Studies++
	}

	logger.WithFields(map[string]interface{}{
		"users":       summary.Users,
		"projects":    summary.Projects,
		"roles":       summary.Roles,
		"memberships": summary.Memberships,
		"conditions":  summary.Conditions,
		"bindings":    summary.Bindings,
		"studies":     summary.Studies,
	}).Info("policy seed applied")

	return summary, nil
}

// FindCondition returns a stored condition with the same level, predicate
// and type as c, or nil.
func (s *Store) FindCondition(ctx context.Context, c *AccessCondition) (*AccessCondition, error) {
	args := []interface{}{c.ResourceLevel, c.ConditionType, c.Operator}
	where := []string{"ac.resource_level = $1", "ac.condition_type = $2", "ac.operator = $3"}

	optional := func(column string, v *string) {
		if v == nil {
			where = append(where, "ac."+column+" IS NULL")
			return
		}
		args = append(args, *v)
		where = append(where, fmt.Sprintf("ac.%s = $%d", column, len(args)))
	}
	optional("dicom_tag", c.DicomTag)
	optional("value", c.Value)

	query := `SELECT ` + conditionColumns + ` FROM security_access_condition ac WHERE ` + strings.Join(where, " AND ") + ` ORDER BY ac.id LIMIT 1`

	var found AccessCondition
	err := scanCondition(s.pools.Primary().QueryRowContext(ctx, query, args...), &found)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("find access condition", err)
	}
	return &found, nil
}
