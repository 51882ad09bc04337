package domain

import "time"

type Session struct {
	ID             string    `json:"id"`
	TokenID        string    `json:"tokenId"`
	TenantID       string    `json:"tenantId"`
	TableID        string    `json:"tableId"`
	ClientID       string    `json:"clientId"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	CartCount      int       `json:"cartCount"`
	OrderIDs       []string  `json:"orderIds"`
}

// Usable is false from ExpiresAt onwards.
func (s *Session) Usable(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

type TableStatus string

const (
	TableFree     TableStatus = "libre"
	TableOccupied TableStatus = "ocupada"
	TableReserved TableStatus = "reservada"
)

func (s TableStatus) Valid() bool {
	return s == TableFree || s == TableOccupied || s == TableReserved
}

type Table struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenantId"`
	Label     string      `json:"label"`
	Area      string      `json:"area,omitempty"`
	Seats     int         `json:"seats"`
	Status    TableStatus `json:"status"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
)

type Alert struct {
	ID             string      `json:"id"`
	TenantID       string      `json:"tenantId"`
	TableID        string      `json:"tableId,omitempty"`
	Kind           string      `json:"kind"`
	Message        string      `json:"message"`
	Status         AlertStatus `json:"status"`
	CreatedAt      time.Time   `json:"createdAt"`
	AcknowledgedAt *time.Time  `json:"acknowledgedAt,omitempty"`
	AcknowledgedBy string      `json:"acknowledgedBy,omitempty"`
}

type MenuItem struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Available bool   `json:"available"`
}
