package models

import "github.com/google/uuid"

// InternalFlowID is the storage primary key of a master flow row. It is the
// only value child tables may use in their master_flow_id column, and it is
// never exposed outside the persistence and identity layers.
type InternalFlowID string

// BusinessFlowID is the externally visible, stable identifier of a flow. It is
// used in URLs, API payloads, and cross-table business lookups. It is NOT a
// valid foreign-key target; converting it to an InternalFlowID requires an
// explicit lookup through identity.Resolver.
type BusinessFlowID string

func (id InternalFlowID) String() string { return string(id) }

func (id InternalFlowID) IsZero() bool { return id == "" }

func (id BusinessFlowID) String() string { return string(id) }

func (id BusinessFlowID) IsZero() bool { return id == "" }

// NewInternalFlowID allocates a new internal primary key.
func NewInternalFlowID() (InternalFlowID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	return InternalFlowID(id.String()), nil
}

// NewBusinessFlowID allocates a new business identifier. Internal and business
// ids are always distinct values, even at creation time.
func NewBusinessFlowID() (BusinessFlowID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}

	return BusinessFlowID(id.String()), nil
}
