package config

import (
	"net/url"
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		App:      AppConfig{Name: "test-service"},
		HTTP:     HTTPConfig{Port: 8080, DefaultPageSize: 50, MaxPageSize: 500},
		GRPC:     GRPCConfig{Enabled: true, Port: 50051},
		Log:      LogConfig{Level: "info"},
		Database: DatabaseConfig{Driver: "postgres"},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr bool
	}{
		{name: "valid config", modify: func(c *Config) {}},
		{name: "missing app name", modify: func(c *Config) { c.App.Name = "" }, wantErr: true},
		{name: "invalid http port - zero", modify: func(c *Config) { c.HTTP.Port = 0 }, wantErr: true},
		{name: "invalid http port - too high", modify: func(c *Config) { c.HTTP.Port = 70000 }, wantErr: true},
		{name: "grpc port ignored when disabled", modify: func(c *Config) { c.GRPC = GRPCConfig{} }},
		{name: "invalid grpc port", modify: func(c *Config) { c.GRPC.Port = -1 }, wantErr: true},
		{name: "invalid log level", modify: func(c *Config) { c.Log.Level = "verbose" }, wantErr: true},
		{name: "sqlite driver", modify: func(c *Config) { c.Database.Driver = "sqlite" }},
		{name: "unsupported driver", modify: func(c *Config) { c.Database.Driver = "mysql" }, wantErr: true},
		{name: "page size above max", modify: func(c *Config) { c.HTTP.DefaultPageSize = 600 }, wantErr: true},
		{name: "auth without secret", modify: func(c *Config) { c.Auth.Enabled = true }, wantErr: true},
		{
			name: "redis limiter without address",
			modify: func(c *Config) {
				c.RateLimit.Enabled = true
				c.RateLimit.Backend = "redis"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Validate_DefaultsLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Log.Level = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level to default to info, got %s", cfg.Log.Level)
	}
}

func TestConfig_Validate_AggregatesErrors(t *testing.T) {
	cfg := validConfig()
	cfg.App.Name = ""
	cfg.HTTP.Port = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "app.name") || !strings.Contains(err.Error(), "http.port") {
		t.Errorf("expected both problems in message, got %s", err.Error())
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{
		Driver: "postgres", Host: "db", Port: 5432, Database: "simulator",
		Username: "sim", Password: "secret", SSLMode: "disable",
	}
	if got := pg.DSN(); got != "postgres://sim:secret@db:5432/simulator?sslmode=disable" {
		t.Errorf("unexpected postgres DSN: %s", got)
	}

	special := pg
	special.Username = "sim@ops"
	special.Password = "p@ss:w/rd?#"
	dsn := special.DSN()
	if dsn != "postgres://sim%40ops:p%40ss%3Aw%2Frd%3F%23@db:5432/simulator?sslmode=disable" {
		t.Errorf("credentials must be escaped: %s", dsn)
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		t.Fatalf("DSN does not parse: %v", err)
	}
	if pass, _ := parsed.User.Password(); parsed.User.Username() != "sim@ops" || pass != "p@ss:w/rd?#" {
		t.Errorf("credentials lost in DSN: %s", dsn)
	}
	if parsed.Host != "db:5432" || parsed.Path != "/simulator" {
		t.Errorf("host or database lost in DSN: %s", dsn)
	}

	lite := DatabaseConfig{Driver: "sqlite", Database: "/var/lib/simulator/data.db"}
	if got := lite.DSN(); !strings.HasPrefix(got, "file:/var/lib/simulator/data.db?") {
		t.Errorf("unexpected sqlite DSN: %s", got)
	}
	if !strings.Contains(lite.DSN(), "foreign_keys(1)") {
		t.Error("sqlite DSN must enable foreign keys")
	}

	if got := (DatabaseConfig{Driver: "oracle"}).DSN(); got != "" {
		t.Errorf("expected empty DSN for unknown driver, got %s", got)
	}
}

func TestConfig_Environment(t *testing.T) {
	cfg := validConfig()

	cfg.App.Environment = "dev"
	if !cfg.IsDevelopment() || cfg.IsProduction() {
		t.Error("dev should be development")
	}

	cfg.App.Environment = "production"
	if cfg.IsDevelopment() || !cfg.IsProduction() {
		t.Error("production should be production")
	}
}
