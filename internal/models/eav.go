package models

import (
	"encoding/json"
)

// Instance is a repeat-instance value as reported by the REDCap EAV export.
// The API returns 1 as a JSON number and "2" as a string for the same
// record, so both decode to the same key.
type Instance string

func (i *Instance) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*i = Instance(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		// numeric zero means "no instance"; the string "0" is a real key
		if n.String() == "0" {
			*i = ""
			return nil
		}
		*i = Instance(n.String())
		return nil
	}
	// null or anything else collapses to the default instance
	*i = ""
	return nil
}

// Normalize maps an absent instance to the literal "1".
func (i Instance) Normalize() string {
	if i == "" {
		return "1"
	}
	return string(i)
}

// EAVRecord is one row of the REDCap EAV record export: one field's value
// for one (record, event, instrument, instance).
type EAVRecord struct {
	Record           string   `json:"record"`
	EventName        string   `json:"redcap_event_name"`
	RepeatInstrument string   `json:"redcap_repeat_instrument"`
	RepeatInstance   Instance `json:"redcap_repeat_instance"`
	FieldName        string   `json:"field_name"`
	Value            string   `json:"value"`
}

// Entity returns the instrument the record belongs to. Records from
// non-repeating instruments carry an empty repeat_instrument, so the event
// name stands in for the instrument.
func (r EAVRecord) Entity() string {
	if r.RepeatInstrument != "" {
		return r.RepeatInstrument
	}
	return r.EventName
}

// ImportRecord is the shape accepted by the REDCap record import API,
// used to write backfilled field values back to the study.
type ImportRecord struct {
	Record           string `json:"record"`
	EventName        string `json:"redcap_event_name"`
	RepeatInstrument string `json:"redcap_repeat_instrument"`
	RepeatInstance   string `json:"redcap_repeat_instance"`
	FieldName        string `json:"field_name"`
	Value            string `json:"value"`
}

// FieldMetadata is one data-dictionary entry describing a study field.
type FieldMetadata struct {
	FieldName      string `json:"field_name"`
	FormName       string `json:"form_name"`
	FieldType      string `json:"field_type"`
	TextValidation string `json:"text_validation_type_or_show_slider_number"`
	Identifier     string `json:"identifier"`
	SelectChoices  string `json:"select_choices_or_calculations"`
}

// FormEventMapping maps an instrument to the event it is collected in.
type FormEventMapping struct {
	Form            string `json:"form"`
	UniqueEventName string `json:"unique_event_name"`
}

// ProjectInfo is the subset of REDCap project settings the pipeline needs;
// the remainder is carried through verbatim into the project-info table.
type ProjectInfo struct {
	ProjectID    json.Number `json:"project_id"`
	ProjectTitle string      `json:"project_title"`
}

// ProjectIDString returns the project id as a plain string, "" if unset.
func (p ProjectInfo) ProjectIDString() string {
	return p.ProjectID.String()
}
