package models

import (
	"encoding/json"
)

// RegistrySubject is one existing subject record listed by the identity
// registry for a protocol.
type RegistrySubject struct {
	ID                    int    `json:"id"`
	Organization          int    `json:"organization"`
	OrganizationSubjectID string `json:"organization_subject_id"`
}

// CreateResult is the registry's subject-creation response. The wire shape
// is a 3-element array [created, body, messages]; anything else is treated
// as a rejection and flagged as malformed so the caller can log it.
type CreateResult struct {
	Created   bool
	Body      map[string]any
	Messages  []string
	Malformed bool
}

func (c *CreateResult) UnmarshalJSON(data []byte) error {
	c.Created = false
	c.Body = map[string]any{}
	c.Messages = nil
	c.Malformed = false

	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil || len(parts) != 3 {
		c.Malformed = true
		return nil
	}
	if err := json.Unmarshal(parts[0], &c.Created); err != nil {
		c.Malformed = true
		c.Created = false
		return nil
	}
	if err := json.Unmarshal(parts[1], &c.Body); err != nil {
		c.Malformed = true
		c.Body = map[string]any{}
	}
	if err := json.Unmarshal(parts[2], &c.Messages); err != nil {
		c.Malformed = true
		c.Messages = nil
	}
	return nil
}

// SubjectID extracts the registry-assigned numeric id from a successful
// creation body. Returns 0, false when the body has no usable id.
func (c CreateResult) SubjectID() (int, bool) {
	v, ok := c.Body["id"]
	if !ok {
		return 0, false
	}
	switch id := v.(type) {
	case float64:
		return int(id), true
	case string:
		var n json.Number = json.Number(id)
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
