package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/usecase"
)

var ErrDialectMismatch = errors.New("prompt dialect does not suit provider")

type dialectFile struct {
	Dialects []usecase.Dialect `yaml:"dialects"`
}

// LoadDialects reads extra prompt dialects from a YAML file and merges them
// over the built-in set. An empty path returns the built-ins.
//
//	dialects:
//	  - name: gemma
//	    user: {start: "<start_of_turn>user\n", end: "<end_of_turn>"}
//	    assistant: {start: "<start_of_turn>model\n", end: "<end_of_turn>"}
//	    separator: "\n"
func LoadDialects(path string) (map[string]usecase.Dialect, error) {
	out := make(map[string]usecase.Dialect, len(usecase.Dialects))
	for name, d := range usecase.Dialects {
		out[name] = d
	}
	if path == "" {
		return out, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dialects file: %w", err)
	}
	var file dialectFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse dialects file %s: %w", path, err)
	}
	for _, d := range file.Dialects {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("dialect %q: %w", d.Name, err)
		}
		out[d.Name] = d
	}
	return out, nil
}

// ResolveDialect picks name out of the merged dialect set.
func ResolveDialect(path, name string) (usecase.Dialect, error) {
	set, err := LoadDialects(path)
	if err != nil {
		return usecase.Dialect{}, err
	}
	d, ok := set[name]
	if !ok {
		return usecase.Dialect{}, fmt.Errorf("%w: %s", usecase.ErrUnknownDialect, name)
	}
	return d, nil
}

// CheckDialect rejects dialects the provider cannot consume. Gemini takes
// plain text, so model-specific control tokens would reach it verbatim.
func CheckDialect(provider string, d usecase.Dialect) error {
	if provider == ProviderGemini && d.SpecialTokens {
		return fmt.Errorf("%w: %s uses special tokens, %s takes plain text", ErrDialectMismatch, d.Name, provider)
	}
	return nil
}
