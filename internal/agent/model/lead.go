package model

import "time"

// Lead is the external CRM entity. The orchestrator never touches lead
// storage directly; leads arrive through the CRM capability's response
// payload and are mirrored for scoring.
type Lead struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// LeadScore is the rule engine's verdict for one lead.
type LeadScore struct {
	LeadID    string    `json:"lead_id"`
	Score     int       `json:"score"`
	Reasons   []string  `json:"reasons"`
	CreatedAt time.Time `json:"created_at"`
}
