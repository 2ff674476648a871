package config

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		want    *Config
		wantErr bool
	}{
		{
			name:    "missing token",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name: "token only, defaults applied",
			env:  map[string]string{"GITHUB_TOKEN": "ghp_test"},
			want: &Config{
				GitHubToken:    "ghp_test",
				APIBaseURL:     "https://api.github.com",
				DatabasePath:   "./data/concierge.db",
				RulesPath:      "./concierge.yaml",
				LogLevel:       "info",
				MaxItemsPerRun: 500,
			},
		},
		{
			name: "all values set",
			env: map[string]string{
				"GITHUB_TOKEN":        "tok",
				"GITHUB_API_URL":      "https://ghe.example.com/api/v3",
				"DATABASE_PATH":       "/tmp/state.db",
				"RULES_PATH":          "/etc/concierge/rules.yaml",
				"LOG_LEVEL":           "debug",
				"MAX_ITEMS_PER_CYCLE": "100",
			},
			want: &Config{
				GitHubToken:    "tok",
				APIBaseURL:     "https://ghe.example.com/api/v3",
				DatabasePath:   "/tmp/state.db",
				RulesPath:      "/etc/concierge/rules.yaml",
				LogLevel:       "debug",
				MaxItemsPerRun: 100,
			},
		},
		{
			name: "invalid item cap",
			env: map[string]string{
				"GITHUB_TOKEN":        "tok",
				"MAX_ITEMS_PER_CYCLE": "zero",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear relevant env vars
			for _, key := range []string{"GITHUB_TOKEN", "GITHUB_API_URL", "DATABASE_PATH", "RULES_PATH", "LOG_LEVEL", "MAX_ITEMS_PER_CYCLE"} {
				t.Setenv(key, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			got, err := Load()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Load() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
