package util

import (
	_ "embed"
	"fmt"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
)

//go:embed version.txt
var embeddedVersion string

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

// ExtractDomain extracts the hostname from a federation id.
// Example: "https://music.example/federation/actors/alice" -> "music.example"
func ExtractDomain(fid string) (string, error) {
	parsed, err := url.Parse(fid)
	if err != nil {
		return "", fmt.Errorf("invalid federation id: %w", err)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("federation id %q has no host", fid)
	}
	return parsed.Host, nil
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}
