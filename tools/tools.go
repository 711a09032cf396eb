package tools

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Version reads the release tag from the version file next to the binary.
func Version() string {
	b, err := os.ReadFile("version")
	if err != nil {
		return "dev"
	}
	v := strings.TrimSpace(string(b))
	if v == "" {
		return "dev"
	}
	return v
}

func PrintVersion() {
	log.Println(Version())
}

// ServerInfo serves assets/server_info.json, or a minimal document naming
// the service when the file is missing.
func ServerInfo(w http.ResponseWriter, r *http.Request, name string) {

	assetsPath, err := filepath.Abs("assets")
	if err != nil {
		log.Printf("ERROR: Failed to get absolute path to assets folder: %v", err)
	}

	// Read the contents of the server_info.json file
	filePath := filepath.Join(assetsPath, "server_info.json")
	data, err := os.ReadFile(filePath)
	if err != nil {
		log.Debugf("server_info.json not read from %v: %v", filePath, err)
	}

	w.Header().Set("Content-Type", "application/json")
	if len(data) > 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	w.WriteHeader(http.StatusPartialContent)
	_ = json.NewEncoder(w).Encode(map[string]string{"name": name, "version": Version()})
}

// DiscoverHost returns the first non empty host the request carries.
func DiscoverHost(r *http.Request) string {
	for _, h := range []string{r.Host, r.Header.Get("Host"), r.Header.Get("X-Forwarded-Host"), r.URL.Host} {
		if h != "" {
			return h
		}
	}
	log.Printf("HOST value not find in the request")
	return ""
}

// OriginTrusted reports whether the origin, or the host when the client
// sent no origin, contains one of the trusted names. An empty trusted list
// accepts everything.
func OriginTrusted(r *http.Request, trusted []string) bool {
	if len(trusted) == 0 {
		return true
	}
	org := r.Header.Get("Origin")
	if org == "" {
		org = DiscoverHost(r)
	}
	if org == "" {
		return false
	}
	for _, v := range trusted {
		if strings.Contains(org, v) {
			return true
		}
	}
	return false
}
