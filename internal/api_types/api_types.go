package api_types

// HealthCheckResponse represents the response structure for the health check endpoint.
type HealthCheckResponse struct {
	OverallStatus string `json:"overall_status"`
	PostgreSQL    string `json:"postgresql"`
	LogStore      string `json:"log_store"`
	Redis         string `json:"redis"`
	Message       string `json:"message,omitempty"`
}
