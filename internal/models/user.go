package models

// UserRole is the app-level role carried in the token's app_metadata.
type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)
