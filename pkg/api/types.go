package api

import "time"

// ErrorResponse wraps every non-2xx admin response
type ErrorResponse struct {
	Error Error `json:"error"`
}

// Error represents an API error
type Error struct {
	Code      int       `json:"code"`
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Problems  []string  `json:"problems,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
