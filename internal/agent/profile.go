package agent

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ledgerbot/internal/domain"
)

//go:embed prompts/default.yaml
var defaultProfileYAML []byte

// Example is one few-shot pair shown to the classifier.
type Example struct {
	Input  string         `yaml:"input"`
	Output map[string]any `yaml:"output"`
}

// Profile holds the prompts and canned replies used around model calls.
type Profile struct {
	Persona             string    `yaml:"persona"`
	Rules               []string  `yaml:"rules"`
	Examples            []Example `yaml:"examples"`
	TranscriptionPrompt string    `yaml:"transcriptionPrompt"`
	ReceiptPrompt       string    `yaml:"receiptPrompt"`
	FallbackReply       string    `yaml:"fallbackReply"`
	ReceiptFailureReply string    `yaml:"receiptFailureReply"`
}

// DefaultProfile returns the embedded profile. It panics if the embedded
// file is broken, which only a bad build can cause.
func DefaultProfile() *Profile {
	p, err := ParseProfile(defaultProfileYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded profile: %v", err))
	}
	return p
}

// ParseProfile decodes a YAML profile. Fields left out are not filled in
// here; LoadProfile merges them with the defaults.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	if strings.TrimSpace(p.Persona) == "" {
		return nil, fmt.Errorf("profile: persona is required")
	}
	return &p, nil
}

// LoadProfile reads an external profile. An empty path returns the default.
func LoadProfile(path string) (*Profile, error) {
	if path == "" {
		return DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return nil, err
	}
	p.fillFrom(DefaultProfile())
	return p, nil
}

func (p *Profile) fillFrom(d *Profile) {
	if p.TranscriptionPrompt == "" {
		p.TranscriptionPrompt = d.TranscriptionPrompt
	}
	if p.ReceiptPrompt == "" {
		p.ReceiptPrompt = d.ReceiptPrompt
	}
	if p.FallbackReply == "" {
		p.FallbackReply = d.FallbackReply
	}
	if p.ReceiptFailureReply == "" {
		p.ReceiptFailureReply = d.ReceiptFailureReply
	}
	if len(p.Examples) == 0 {
		p.Examples = d.Examples
	}
}

// SystemPrompt renders the classifier instruction: persona, output shape,
// category vocabulary, rules and few-shot examples.
func (p *Profile) SystemPrompt() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.Persona))
	b.WriteString("\n\nResponda SEMPRE em JSON válido com a seguinte estrutura:\n")
	b.WriteString("{\n")
	fmt.Fprintf(&b, "    \"tipo\": %s,\n", quoteJoin(domain.IntentTags()))
	b.WriteString("    \"valor\": número ou null,\n")
	fmt.Fprintf(&b, "    \"categoria\": %s,\n", quoteJoin(domain.AllCategories()))
	b.WriteString("    \"descricao\": \"descrição curta\",\n")
	b.WriteString("    \"resposta\": \"mensagem amigável para o usuário\"\n")
	b.WriteString("}\n\n")

	fmt.Fprintf(&b, "Categorias para DESPESAS: %s\n", strings.Join(domain.ExpenseCategories, ", "))
	fmt.Fprintf(&b, "Categorias para RECEITAS: %s\n", strings.Join(domain.IncomeCategories, ", "))

	if len(p.Rules) > 0 {
		b.WriteString("\nRegras:\n")
		for _, r := range p.Rules {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}

	if len(p.Examples) > 0 {
		b.WriteString("\nExemplos:\n")
		for _, ex := range p.Examples {
			out, err := json.Marshal(ex.Output)
			if err != nil {
				continue
			}
			fmt.Fprintf(&b, "- %q → %s\n", ex.Input, out)
		}
	}

	b.WriteString("\nSempre retorne JSON válido, sem markdown ou texto adicional.")
	return b.String()
}

// ReceiptInstruction renders the receipt extraction instruction with the
// category vocabulary the receipt parser knows.
func (p *Profile) ReceiptInstruction() string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(p.ReceiptPrompt))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Categorias para DESPESAS: %s\n", strings.Join(domain.ExpenseCategories, ", "))
	fmt.Fprintf(&b, "Categorias para RECEITAS: %s\n", strings.Join(domain.IncomeCategories, ", "))
	fmt.Fprintf(&b, "Use apenas uma dessas categorias; na dúvida, use %q para despesas ou %q para receitas.",
		domain.DefaultExpenseCategory, domain.DefaultIncomeCategory)
	return b.String()
}

// UserPrompt wraps the utterance the way the examples present it.
func UserPrompt(utterance string) string {
	return "Mensagem do usuário: " + utterance
}

func quoteJoin(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = `"` + s + `"`
	}
	return strings.Join(quoted, " | ")
}
