// Package catalog loads description catalog files. A catalog lists the
// descriptions one host owns; it is synchronized into the store at startup.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/validation"
	"github.com/rendis/procman/pkg/schema"
)

// Catalog is the set of descriptions registered by one host.
type Catalog struct {
	Host         string
	Descriptions []*orchestration.Description
}

type fileDoc struct {
	Host         string     `yaml:"host"`
	Descriptions []entryDoc `yaml:"descriptions"`
}

type entryDoc struct {
	Name                    string    `yaml:"name"`
	Version                 int       `yaml:"version"`
	FunctionName            string    `yaml:"function_name"`
	CanBeScheduled          bool      `yaml:"can_be_scheduled"`
	IsDurableFunction       bool      `yaml:"is_durable_function"`
	RecurringCronExpression string    `yaml:"recurring_cron_expression"`
	ParameterSchema         any       `yaml:"parameter_schema"`
	Steps                   []stepDoc `yaml:"steps"`
}

type stepDoc struct {
	Sequence     int    `yaml:"sequence"`
	Description  string `yaml:"description"`
	CanBeSkipped bool   `yaml:"can_be_skipped"`
}

// Loader parses catalogs and validates every description they contain.
type Loader struct {
	validator *validation.JSONSchemaValidator
}

// NewLoader creates a Loader.
func NewLoader(v *validation.JSONSchemaValidator) *Loader {
	return &Loader{validator: v}
}

// LoadFile reads and parses one catalog file. YAML and JSON are both accepted.
func (l *Loader) LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	c, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return c, nil
}

// LoadFiles loads every path and merges catalogs of the same host, keeping the
// order in which hosts first appear.
func (l *Loader) LoadFiles(paths []string) ([]*Catalog, error) {
	var out []*Catalog
	byHost := make(map[string]*Catalog)
	for _, p := range paths {
		c, err := l.LoadFile(p)
		if err != nil {
			return nil, err
		}
		existing, ok := byHost[c.Host]
		if !ok {
			byHost[c.Host] = c
			out = append(out, c)
			continue
		}
		for _, d := range c.Descriptions {
			if existing.find(d.UniqueName) != nil {
				return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest,
					"description %s is declared twice for host %s", d.UniqueName, c.Host)
			}
			existing.Descriptions = append(existing.Descriptions, d)
		}
	}
	return out, nil
}

// Parse decodes a catalog document. The raw document is checked against the
// catalog schema first, then each description is validated like a registration.
func (l *Loader) Parse(data []byte) (*Catalog, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidRequest, "catalog is not valid YAML or JSON").WithCause(err)
	}
	if err := l.validator.ValidateCatalog(raw); err != nil {
		return nil, err
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeInvalidRequest, "decode catalog").WithCause(err)
	}

	c := &Catalog{Host: doc.Host}
	result := &schema.ValidationResult{}
	for i, e := range doc.Descriptions {
		d, err := e.toDescription()
		if err != nil {
			return nil, err
		}
		prefix := fmt.Sprintf("descriptions[%d].", i)
		if c.find(d.UniqueName) != nil {
			result.AddError(prefix+"name", schema.IssueDuplicate,
				fmt.Sprintf("description %s is declared twice", d.UniqueName))
		}
		r := l.validator.ValidateDescription(d)
		for _, issue := range r.Errors {
			result.AddError(prefix+issue.Path, issue.Code, issue.Message)
		}
		for _, issue := range r.Warnings {
			result.AddWarning(prefix+issue.Path, issue.Code, issue.Message)
		}
		c.Descriptions = append(c.Descriptions, d)
	}
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) find(name orchestration.UniqueName) *orchestration.Description {
	for _, d := range c.Descriptions {
		if d.UniqueName == name {
			return d
		}
	}
	return nil
}

func (e entryDoc) toDescription() (*orchestration.Description, error) {
	d := orchestration.NewDescription(orchestration.UniqueName{Name: e.Name, Version: e.Version}, e.FunctionName)
	d.CanBeScheduled = e.CanBeScheduled
	d.IsDurableFunction = e.IsDurableFunction
	d.RecurringCronExpression = e.RecurringCronExpression
	if e.ParameterSchema != nil {
		raw, err := json.Marshal(e.ParameterSchema)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest,
				"parameter schema of %s is not representable as JSON", d.UniqueName).WithCause(err)
		}
		d.ParameterSchema = raw
	}
	for i, s := range e.Steps {
		seq := s.Sequence
		if seq == 0 {
			seq = i + 1
		}
		d.Steps = append(d.Steps, orchestration.StepDescription{
			Sequence:     seq,
			Description:  s.Description,
			CanBeSkipped: s.CanBeSkipped,
		})
	}
	return d, nil
}
