package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadAppliesDefaults(t *testing.T) {
	v := NewViper()
	v.Set("auth.signing_secret", "secret")

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected default address %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "bookswap.db" {
		t.Fatalf("unexpected default database path %q", cfg.DatabasePath)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected default token ttl %s", cfg.TokenTTL)
	}
	if cfg.SignupBonus != 100 || cfg.ListingBonus != 10 {
		t.Fatalf("unexpected default bonuses: %d/%d", cfg.SignupBonus, cfg.ListingBonus)
	}
}

func TestLoadReadsOverrides(t *testing.T) {
	v := NewViper()
	v.Set("auth.signing_secret", "secret")
	v.Set("http.address", "127.0.0.1:9090")
	v.Set("token.ttl_minutes", 5)
	v.Set("points.signup_bonus", 0)

	cfg, err := Load(v)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddress != "127.0.0.1:9090" {
		t.Fatalf("unexpected address %q", cfg.HTTPAddress)
	}
	if cfg.TokenTTL != 5*time.Minute {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.SignupBonus != 0 {
		t.Fatalf("unexpected signup bonus %d", cfg.SignupBonus)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(v *viper.Viper)
	}{
		{name: "missing-secret", mutate: func(v *viper.Viper) {}},
		{name: "empty-database-path", mutate: func(v *viper.Viper) {
			v.Set("auth.signing_secret", "secret")
			v.Set("database.path", " ")
		}},
		{name: "negative-signup-bonus", mutate: func(v *viper.Viper) {
			v.Set("auth.signing_secret", "secret")
			v.Set("points.signup_bonus", -1)
		}},
		{name: "negative-listing-bonus", mutate: func(v *viper.Viper) {
			v.Set("auth.signing_secret", "secret")
			v.Set("points.listing_bonus", -5)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewViper()
			tt.mutate(v)
			if _, err := Load(v); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
