package httpapi

import "time"

// maxBodyBytes bounds request bodies, uploads included. Default 32 MiB.
var maxBodyBytes int64 = 32 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 32 << 20
		return
	}
	maxBodyBytes = n
}

// requestTimeout bounds predict, explain and chat handlers. Zero means no
// additional timeout beyond server/connection timeouts.
var requestTimeout time.Duration

// SetRequestTimeoutSeconds sets the handler timeout in seconds (0 disables).
func SetRequestTimeoutSeconds(sec int64) {
	if sec < 0 {
		sec = 0
	}
	requestTimeout = time.Duration(sec) * time.Second
}

// CORS configuration. With no origins, no CORS middleware is added.
var (
	corsAllowedOrigins []string
	corsAllowedMethods = []string{"GET", "POST", "OPTIONS"}
	corsAllowedHeaders = []string{"Accept", "Content-Type", "X-Request-Id"}
)

// SetCORSOptions configures CORS behavior for the HTTP server. Nil methods
// or headers keep the defaults.
func SetCORSOptions(origins, methods, headers []string) {
	corsAllowedOrigins = append([]string(nil), origins...)
	if methods != nil {
		corsAllowedMethods = append([]string(nil), methods...)
	}
	if headers != nil {
		corsAllowedHeaders = append([]string(nil), headers...)
	}
}
