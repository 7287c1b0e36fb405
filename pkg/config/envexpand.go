package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv replaces {{.VAR}} placeholders in YAML content with environment
// variable values. Shell-style $VAR and ${VAR} are left alone, so cron
// specs, URLs with query strings and secrets containing $ survive as
// written.
//
// Missing variables expand to the empty string. Content that is not a
// valid template is returned unchanged and left to the YAML parser.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
