package models

// EnvelopeVersion is the current schema version of the persisted draft.
const EnvelopeVersion = 1

// Envelope is what lives in local storage under the draft key.
type Envelope struct {
	State   EnvelopeState `json:"state"`
	Version int           `json:"version"`
}

// EnvelopeState is the persisted subset of a Draft. Version 0 envelopes
// only carry PropertyData.
type EnvelopeState struct {
	PropertyData Fields  `json:"propertyData"`
	DraftID      *string `json:"draftId,omitempty"`
	LastSyncedAt *string `json:"lastSyncedAt,omitempty"`
}
