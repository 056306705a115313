package models

import "github.com/google/uuid"

// Prospect is a CRM-side company this subsystem links meetings to.
type Prospect struct {
	ID             uuid.UUID `json:"id"`
	OrganizationID uuid.UUID `json:"organization_id"`
	CompanyName    string    `json:"company_name"`
	Website        string    `json:"website"`
	ContactEmail   string    `json:"contact_email"`
}
