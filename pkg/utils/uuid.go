package utils

import "github.com/google/uuid"

// GenerateID returns an opaque unique id for storage keys and rows created
// outside gorm hooks.
func GenerateID() string {
	return uuid.New().String()
}
