package retrieval

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultLexicon is the built-in conflict vocabulary used by the
// conflict-directed pass. It is a tunable resource, not logic: override it
// with a YAML file via LoadLexicon.
func DefaultLexicon() []string {
	return []string{
		"conflict",
		"confrontation",
		"fight",
		"rivalry",
		"decision",
		"loss",
		"discovery",
		"betrayal",
		"victory",
		"defeat",
		"resolution",
	}
}

type lexiconFile struct {
	Terms []string `yaml:"terms"`
}

// LoadLexicon reads a conflict vocabulary from a YAML file of the form:
//
//	terms:
//	  - confrontation
//	  - reckoning
func LoadLexicon(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read lexicon file: %w", err)
	}

	var parsed lexiconFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse lexicon file: %w", err)
	}
	if len(parsed.Terms) == 0 {
		return nil, fmt.Errorf("lexicon file %s has no terms", path)
	}

	return parsed.Terms, nil
}
