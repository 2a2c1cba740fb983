package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"ledgerbot/internal/domain"
)

// ErrNoJSON is returned when model output holds no JSON object at all.
var ErrNoJSON = errors.New("no JSON object in model output")

// StripFences removes a leading ``` fence (with optional "json" tag) and a
// trailing ``` fence. Text without a leading fence is returned trimmed.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
		s = s[4:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractObject returns the JSON object in model output: the whole text
// after fence stripping, or the first balanced {...} inside it.
func extractObject(raw string) (string, error) {
	text := StripFences(raw)
	if json.Valid([]byte(text)) {
		return text, nil
	}
	if fixed := sanitizeJSONEscapes(text); json.Valid([]byte(fixed)) {
		return fixed, nil
	}
	start, end := findJSONBounds(text)
	if start < 0 {
		return "", ErrNoJSON
	}
	candidate := sanitizeJSONEscapes(text[start:end])
	if !json.Valid([]byte(candidate)) {
		return "", fmt.Errorf("invalid JSON in model output")
	}
	return candidate, nil
}

// findJSONBounds locates the first top-level JSON object in s.
// Returns the start index and end+1 index, or (-1, -1) if not found.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return -1, -1
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

// sanitizeJSONEscapes drops the backslash from escape sequences JSON does
// not allow (e.g. \% or \Y), which some models emit.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' && (i == 0 || s[i-1] != '\\') {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
				buf.WriteByte(s[i+1])
				i++
			}
			continue
		}
		buf.WriteByte(ch)
	}
	return buf.String()
}

// validateDocument checks text against schema. Numbers are kept as
// json.Number so large amounts are not rounded before validation.
func validateDocument(schema *jsonschema.Schema, text string) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return jsonschema.CompileString(name, string(data))
}

// categoryEnum lists every known category plus the empty and null values
// the model uses for intents that carry no category.
func categoryEnum() []any {
	out := []any{nil, ""}
	for _, c := range domain.AllCategories() {
		out = append(out, c)
	}
	return out
}

func nullable(typ string) map[string]any {
	return map[string]any{"type": []string{typ, "null"}}
}

// --- Intent records ---

type intentWire struct {
	Tipo      string           `json:"tipo"`
	Valor     *decimal.Decimal `json:"valor"`
	Categoria *string          `json:"categoria"`
	Descricao *string          `json:"descricao"`
	Resposta  *string          `json:"resposta"`
}

// IntentParser turns classifier output into a validated IntentRecord.
type IntentParser struct {
	schema *jsonschema.Schema
}

func NewIntentParser() (*IntentParser, error) {
	schema, err := compileSchema("intent.json", map[string]any{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"type":     "object",
		"required": []string{"tipo"},
		"properties": map[string]any{
			"tipo":      map[string]any{"enum": domain.IntentTags()},
			"valor":     nullable("number"),
			"categoria": map[string]any{"enum": categoryEnum()},
			"descricao": nullable("string"),
			"resposta":  nullable("string"),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("compile intent schema: %w", err)
	}
	return &IntentParser{schema: schema}, nil
}

// Parse strips fences, validates the document and maps it onto the closed
// intent and category vocabularies. Any mismatch is an error; callers fall
// back to an unrecognized record.
func (p *IntentParser) Parse(raw string) (domain.IntentRecord, error) {
	text, err := extractObject(raw)
	if err != nil {
		return domain.IntentRecord{}, err
	}
	if err := validateDocument(p.schema, text); err != nil {
		return domain.IntentRecord{}, err
	}

	var w intentWire
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		return domain.IntentRecord{}, fmt.Errorf("decode intent: %w", err)
	}

	kind, ok := domain.KindFromTag(w.Tipo)
	if !ok {
		return domain.IntentRecord{}, fmt.Errorf("unknown intent tag %q", w.Tipo)
	}

	rec := domain.IntentRecord{
		Kind:        kind,
		Description: strings.TrimSpace(deref(w.Descricao)),
		Reply:       strings.TrimSpace(deref(w.Resposta)),
	}
	if !kind.Creates() {
		return rec, nil
	}

	category, err := resolveCategory(kind, deref(w.Categoria))
	if err != nil {
		return domain.IntentRecord{}, err
	}
	rec.Category = category
	rec.Amount = w.Valor
	return rec, nil
}

// resolveCategory enforces the kind's closed set. An empty category takes
// the kind's default.
func resolveCategory(kind domain.IntentKind, category string) (string, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return kind.DefaultCategory(), nil
	}
	if !kind.AllowsCategory(category) {
		return "", fmt.Errorf("category %q not allowed for %s", category, kind)
	}
	return category, nil
}

// receiptCategory is resolveCategory without the rejection: a label read
// off a receipt that is outside the kind's set becomes the kind's default.
func receiptCategory(kind domain.IntentKind, category string) string {
	category, err := resolveCategory(kind, category)
	if err != nil {
		return kind.DefaultCategory()
	}
	return category
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// --- Receipt extraction ---

type receiptWire struct {
	Sucesso         bool             `json:"sucesso"`
	Tipo            string           `json:"tipo"`
	Valor           *decimal.Decimal `json:"valor"`
	Categoria       *string          `json:"categoria"`
	Descricao       *string          `json:"descricao"`
	Estabelecimento *string          `json:"estabelecimento"`
	Mensagem        *string          `json:"mensagem"`
}

// ReceiptParser turns vision output into a ReceiptExtraction.
type ReceiptParser struct {
	schema *jsonschema.Schema
}

func NewReceiptParser() (*ReceiptParser, error) {
	schema, err := compileSchema("receipt.json", map[string]any{
		"$schema":  "http://json-schema.org/draft-07/schema#",
		"type":     "object",
		"required": []string{"sucesso"},
		"properties": map[string]any{
			"sucesso":         map[string]any{"type": "boolean"},
			"tipo":            map[string]any{"enum": []string{domain.TagExpense, domain.TagIncome}},
			"valor":           map[string]any{"type": []string{"number", "null"}, "exclusiveMinimum": 0},
			"categoria":       nullable("string"),
			"descricao":       nullable("string"),
			"estabelecimento": nullable("string"),
			"mensagem":        nullable("string"),
		},
		"if":   map[string]any{"properties": map[string]any{"sucesso": map[string]any{"const": true}}},
		"then": map[string]any{
			"required":   []string{"tipo", "valor"},
			"properties": map[string]any{"valor": map[string]any{"type": "number"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("compile receipt schema: %w", err)
	}
	return &ReceiptParser{schema: schema}, nil
}

// Parse returns the extraction or an error; it never returns a partially
// valid success.
func (p *ReceiptParser) Parse(raw string) (domain.ReceiptExtraction, error) {
	text, err := extractObject(raw)
	if err != nil {
		return domain.ReceiptExtraction{}, err
	}
	if err := validateDocument(p.schema, text); err != nil {
		return domain.ReceiptExtraction{}, err
	}

	var w receiptWire
	if err := json.Unmarshal([]byte(text), &w); err != nil {
		return domain.ReceiptExtraction{}, fmt.Errorf("decode receipt: %w", err)
	}
	if !w.Sucesso {
		return domain.ReceiptExtraction{Success: false, Message: strings.TrimSpace(deref(w.Mensagem))}, nil
	}

	kind, _ := domain.KindFromTag(w.Tipo)
	category := receiptCategory(kind, deref(w.Categoria))
	return domain.ReceiptExtraction{
		Success:     true,
		Kind:        kind,
		Amount:      w.Valor,
		Category:    category,
		Description: strings.TrimSpace(deref(w.Descricao)),
		Merchant:    strings.TrimSpace(deref(w.Estabelecimento)),
	}, nil
}
