package observability

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status       string                      `json:"status"`
	Service      string                      `json:"service"`
	Timestamp    string                      `json:"timestamp"`
	MissingKeys  []string                    `json:"missing_keys"`
	LLM          string                      `json:"llm"`
	Clients      int                         `json:"clients"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the status of a dependency
type DependencyStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthInfo is the static half of the health report plus a live client counter
type HealthInfo struct {
	MissingKeys []string
	LLM         string
	Clients     func() int

	// Dependencies maps an upstream service name to the credential it needs
	Dependencies map[string]string
}

func (h HealthInfo) status() HealthStatus {
	missing := h.MissingKeys
	if missing == nil {
		missing = []string{}
	}

	status := HealthStatus{
		Status:      "ok",
		Service:     "voice-pipeline",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		MissingKeys: missing,
		LLM:         h.LLM,
	}
	if len(missing) > 0 {
		status.Status = "missing_keys"
	}
	if h.Clients != nil {
		status.Clients = h.Clients()
	}
	return status
}

// HealthCheckHandler reports configured credentials and the connection count.
// It always answers 200; use ReadinessHandler for gating traffic.
func HealthCheckHandler(info HealthInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, info.status())
	}
}

// ReadinessHandler answers 503 while any required credential is missing
func ReadinessHandler(info HealthInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := info.status()

		missing := make(map[string]bool, len(status.MissingKeys))
		for _, k := range status.MissingKeys {
			missing[k] = true
		}

		status.Dependencies = make(map[string]DependencyStatus, len(info.Dependencies))
		for service, key := range info.Dependencies {
			dep := DependencyStatus{Status: "configured"}
			if missing[key] {
				dep = DependencyStatus{Status: "unconfigured", Message: key + " is not set"}
			}
			status.Dependencies[service] = dep
		}

		code := http.StatusOK
		if len(status.MissingKeys) > 0 {
			status.Status = "not_ready"
			code = http.StatusServiceUnavailable
		} else {
			status.Status = "ready"
		}

		writeJSON(w, code, status)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
