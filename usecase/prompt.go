package usecase

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/satriahrh/cocoa-fruit/guarded-chat/domain"
)

var ErrUnknownDialect = errors.New("unknown prompt dialect")

// DefaultPromptTemplate passes the formatted prompt through untouched.
const DefaultPromptTemplate = "{prompt}"

const assistantPreamble = "You are a helpful assistant. You do not respond as 'User' or pretend to be 'User'. You only respond once as 'Assistant'."

// Markers wrap a single message of one role.
type Markers struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// Dialect describes how a conversation is linearized for one model family.
type Dialect struct {
	Name      string  `yaml:"name"`
	Preamble  string  `yaml:"preamble"`
	User      Markers `yaml:"user"`
	Assistant Markers `yaml:"assistant"`
	// Separator is written between consecutive turns, including before the
	// trailing open assistant marker.
	Separator      string `yaml:"separator"`
	PromptTemplate string `yaml:"prompt_template"`
	// SpecialTokens marks dialects whose markers are control tokens of one
	// model family. Providers that take plain text must not be sent them.
	SpecialTokens bool `yaml:"special_tokens"`
}

// Dialects is the built-in dialect table.
var Dialects = map[string]Dialect{
	"llama3": {
		Name: "llama3",
		Preamble: "<|begin_of_text|><|start_header_id|>system<|end_header_id|>\n" +
			assistantPreamble + "<|eot_id|>\n",
		User:           Markers{Start: "<|start_header_id|>user<|end_header_id|>\n", End: "<|eot_id|>"},
		Assistant:      Markers{Start: "<|start_header_id|>assistant<|end_header_id|>\n", End: "<|eot_id|>"},
		Separator:      "\n",
		PromptTemplate: DefaultPromptTemplate,
		SpecialTokens:  true,
	},
	"arctic": {
		Name:           "arctic",
		User:           Markers{Start: "<|im_start|>user\n", End: "<|im_end|>"},
		Assistant:      Markers{Start: "<|im_start|>assistant\n", End: "<|im_end|>"},
		Separator:      "\n",
		PromptTemplate: DefaultPromptTemplate,
		SpecialTokens:  true,
	},
	"llama2": {
		Name:           "llama2",
		Preamble:       assistantPreamble + "\n\n",
		User:           Markers{Start: "User: ", End: "\n\n"},
		Assistant:      Markers{Start: "Assistant: ", End: "\n\n"},
		PromptTemplate: DefaultPromptTemplate,
	},
	// plain is a labelled transcript for chat APIs that tokenize for
	// themselves.
	"plain": {
		Name:           "plain",
		Preamble:       assistantPreamble + "\n\n",
		User:           Markers{Start: "User: ", End: "\n"},
		Assistant:      Markers{Start: "Assistant: ", End: "\n"},
		PromptTemplate: DefaultPromptTemplate,
	},
}

func LookupDialect(name string) (Dialect, error) {
	d, ok := Dialects[name]
	if !ok {
		return Dialect{}, fmt.Errorf("%w %q (known: %s)", ErrUnknownDialect, name, strings.Join(DialectNames(), ", "))
	}
	return d, nil
}

func DialectNames() []string {
	names := make([]string, 0, len(Dialects))
	for name := range Dialects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate rejects dialects that cannot delimit turns.
func (d Dialect) Validate() error {
	if d.Name == "" {
		return errors.New("dialect name is required")
	}
	if d.User.Start == "" || d.Assistant.Start == "" {
		return fmt.Errorf("dialect %q: user and assistant start markers are required", d.Name)
	}
	if d.User.Start == d.Assistant.Start {
		return fmt.Errorf("dialect %q: user and assistant start markers must differ", d.Name)
	}
	return nil
}

func (d Dialect) markers(role domain.Role) Markers {
	if role == domain.UserRole {
		return d.User
	}
	return d.Assistant
}

// Format renders history in order and leaves an assistant turn open at the end.
func (d Dialect) Format(history []domain.ChatMessage) string {
	var b strings.Builder
	b.WriteString(d.Preamble)
	for _, msg := range history {
		m := d.markers(msg.Role)
		b.WriteString(m.Start)
		b.WriteString(msg.Content)
		b.WriteString(m.End)
		b.WriteString(d.Separator)
	}
	b.WriteString(d.Assistant.Start)
	return b.String()
}

func (d Dialect) Template() string {
	if d.PromptTemplate == "" {
		return DefaultPromptTemplate
	}
	return d.PromptTemplate
}
