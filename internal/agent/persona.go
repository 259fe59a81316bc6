package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona defines an agent's identity and personality.
type Persona struct {
	Name              string `json:"name" yaml:"name"`
	Persona           string `json:"persona" yaml:"persona"`
	IsExpert          bool   `json:"is_expert" yaml:"is_expert"`
	DialogueStyle     string `json:"dialogue_style" yaml:"dialogue_style"`
	DailyHabits       Text   `json:"daily_habits" yaml:"daily_habits"`
	MaxDialogueRounds int    `json:"max_dialogue_rounds" yaml:"max_dialogue_rounds"`
	KnowledgeBasePath string `json:"knowledge_base_path,omitempty" yaml:"knowledge_base_path"`
	DailyGoal         string `json:"daily_goal,omitempty" yaml:"daily_goal"`
}

// Role returns "expert" or "student".
func (p Persona) Role() string {
	if p.IsExpert {
		return RoleExpert
	}
	return RoleStudent
}

// Agent roles.
const (
	RoleExpert  = "expert"
	RoleStudent = "student"
)

// Validate checks required fields.
func (p Persona) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("persona: name is required")
	}
	if p.MaxDialogueRounds < 0 {
		return fmt.Errorf("persona %s: max_dialogue_rounds must be >= 0", p.Name)
	}
	return nil
}

// LoadPersona reads a persona file. .yaml and .yml files are parsed as YAML,
// everything else as JSON.
func LoadPersona(path string) (Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Persona{}, fmt.Errorf("read persona: %w", err)
	}
	var p Persona
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &p)
	default:
		err = json.Unmarshal(data, &p)
	}
	if err != nil {
		return Persona{}, fmt.Errorf("parse persona %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Persona{}, err
	}
	return p, nil
}

// Text is a persona field written either as one string or as a list of lines.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = Text(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("expected string or list of strings: %w", err)
	}
	*t = Text(strings.Join(list, "；"))
	return nil
}

func (t *Text) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*t = Text(strings.Join(list, "；"))
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	*t = Text(s)
	return nil
}
