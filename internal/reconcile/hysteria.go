package reconcile

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// RenderHysteria merges the dynamic userpass entries into the base Hysteria2
// server config. Each artifact contributes its canonical marker plus both
// username aliases, all mapping to the same password.
func RenderHysteria(base []byte, users []UserArtifact) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(base, &doc); err != nil {
		return nil, fmt.Errorf("parse base hysteria config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	auth, ok := doc["auth"].(map[string]any)
	if !ok {
		auth = map[string]any{"type": "userpass"}
		doc["auth"] = auth
	}
	userpass, ok := auth["userpass"].(map[string]any)
	if !ok {
		userpass = map[string]any{}
		auth["userpass"] = userpass
	}

	arts := filterProtocol(users, "hysteria2")
	sort.Slice(arts, func(i, j int) bool { return arts[i].ConnectionID < arts[j].ConnectionID })
	for _, a := range arts {
		authCfg, ok := a.Config["auth"].(map[string]any)
		if !ok {
			continue
		}
		password, _ := authCfg["password"].(string)
		if password == "" {
			continue
		}
		if username, _ := authCfg["username"].(string); username != "" {
			userpass[username] = password
		}
		if aliases, ok := a.Config["username_aliases"].([]any); ok {
			for _, alias := range aliases {
				if s, ok := alias.(string); ok && s != "" {
					userpass[s] = password
				}
			}
		}
	}

	return yaml.Marshal(doc)
}
