package config

import "testing"

func TestNewDefaults(t *testing.T) {
	cfg := New()

	if cfg.Server.Port != 8080 {
		t.Fatalf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Runtime.Environment != "development" {
		t.Fatalf("Runtime.Environment = %q, want development", cfg.Runtime.Environment)
	}
	if cfg.Runtime.IsProduction() {
		t.Fatalf("IsProduction() = true, want false for development default")
	}
	if cfg.Queue.MaxAttempts != 3 {
		t.Fatalf("Queue.MaxAttempts = %d, want 3", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.LeaseMillis != 60_000 {
		t.Fatalf("Queue.LeaseMillis = %d, want 60000", cfg.Queue.LeaseMillis)
	}
}

func TestRuntimeConfigIsProduction(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"production", true},
		{"Production", true},
		{" production ", true},
		{"staging", false},
		{"", false},
	}

	for _, tt := range tests {
		rc := RuntimeConfig{Environment: tt.env}
		if got := rc.IsProduction(); got != tt.want {
			t.Errorf("IsProduction(%q) = %v, want %v", tt.env, got, tt.want)
		}
	}
}

func TestDatabaseConfigConnectionString(t *testing.T) {
	db := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "jobqueue",
		Password: "secret",
		Name:     "jobqueue",
		SSLMode:  "disable",
	}

	want := "host=localhost port=5432 user=jobqueue password=secret dbname=jobqueue sslmode=disable"
	if got := db.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}
