package redcap

import (
	"strings"

	"github.com/d3b-center/d3b-warehouse-redcap/internal/models"
)

// selectorTypes are the field types whose choices map raw codes to labels.
var selectorTypes = map[string]bool{"dropdown": true, "radio": true, "checkbox": true}

// SelectorChoiceMap builds field -> raw code -> label from the data
// dictionary. Choice lists look like "1, Hospital A | 2, Hospital B"; only
// the first comma splits, labels may contain commas.
func SelectorChoiceMap(metadata []models.FieldMetadata) map[string]map[string]string {
	choices := make(map[string]map[string]string)
	for _, m := range metadata {
		if !selectorTypes[m.FieldType] || m.SelectChoices == "" {
			continue
		}
		fieldChoices := make(map[string]string)
		for _, choice := range strings.Split(m.SelectChoices, " | ") {
			parts := strings.SplitN(choice, ", ", 2)
			if len(parts) == 2 {
				fieldChoices[parts[0]] = parts[1]
			}
		}
		if len(fieldChoices) > 0 {
			choices[m.FieldName] = fieldChoices
		}
	}
	return choices
}

// IdentifierFields returns the fields flagged as identifiers.
func IdentifierFields(metadata []models.FieldMetadata) []string {
	var out []string
	for _, m := range metadata {
		if m.Identifier == "y" {
			out = append(out, m.FieldName)
		}
	}
	return out
}

// DateFields returns the fields whose text validation marks them as dates.
func DateFields(metadata []models.FieldMetadata) []string {
	var out []string
	for _, m := range metadata {
		if strings.Contains(m.TextValidation, "date") {
			out = append(out, m.FieldName)
		}
	}
	return out
}

// NoteFields returns the free-text note fields.
func NoteFields(metadata []models.FieldMetadata) []string {
	var out []string
	for _, m := range metadata {
		if m.FieldType == "notes" {
			out = append(out, m.FieldName)
		}
	}
	return out
}

// FormOfField returns the instrument a field belongs to, "" when unknown.
func FormOfField(metadata []models.FieldMetadata, field string) string {
	for _, m := range metadata {
		if m.FieldName == field {
			return m.FormName
		}
	}
	return ""
}
