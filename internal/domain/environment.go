package domain

import "time"

// Environment is a deployment target such as staging or production.
type Environment struct {
	ID        string
	Slug      string
	Name      string
	Protected bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
