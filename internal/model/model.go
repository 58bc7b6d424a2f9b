package model

import "time"

// EventStatus tags an accepted attendance event.
type EventStatus string

const (
	StatusEnrolled EventStatus = "enrolled"
	StatusPresent  EventStatus = "present"
)

// Subject is a participant whose attendance is tracked.
type Subject struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	ReferenceImage string    `json:"-" db:"reference_image"`
	ReferenceURL   *string   `json:"reference_url,omitempty" db:"reference_url"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Zone is a named classroom geofence. Bounds may be stored in either order
// and stay nil until an administrator configures them.
type Zone struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	LatA      *float64  `json:"lat_a" db:"lat_a"`
	LatB      *float64  `json:"lat_b" db:"lat_b"`
	LonA      *float64  `json:"lon_a" db:"lon_a"`
	LonB      *float64  `json:"lon_b" db:"lon_b"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Event is an accepted attendance record. Rejections are never stored.
type Event struct {
	ID         string      `json:"id" db:"id"`
	SubjectID  string      `json:"subject_id" db:"subject_id"`
	ZoneName   string      `json:"zone" db:"zone_name"`
	Status     EventStatus `json:"status" db:"status"`
	Latitude   float64     `json:"latitude" db:"latitude"`
	Longitude  float64     `json:"longitude" db:"longitude"`
	Distance   *float64    `json:"distance,omitempty" db:"distance"`
	OccurredAt time.Time   `json:"occurred_at" db:"occurred_at"`
}

// Admin is an operator allowed to manage zones and read the attendance log.
type Admin struct {
	ID           string    `json:"id" db:"id"`
	Username     string    `json:"username" db:"username"`
	PasswordHash string    `json:"-" db:"password_hash"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// EventFilter narrows attendance log listings.
type EventFilter struct {
	ZoneName  string
	SubjectID string
	Limit     int
	Offset    int
}
