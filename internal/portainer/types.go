package portainer

import "fmt"

// Endpoint is a Portainer environment (a Docker host managed by the
// instance). The JSON tags follow Portainer's pascal-cased API.
type Endpoint struct {
	ID     int    `json:"Id"`
	Name   string `json:"Name"`
	Type   int    `json:"Type"`
	URL    string `json:"URL"`
	Status int    `json:"Status"`
}

const (
	// EndpointStatusUp is Portainer's "environment reachable" status value.
	EndpointStatusUp = 1
)

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	JWT string `json:"jwt"`
}

// APIError is a non-2xx response from the Portainer API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("portainer API returned %d", e.StatusCode)
	}
	return fmt.Sprintf("portainer API returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the Portainer API.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == 404
}
