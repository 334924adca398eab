package vault

import (
	"context"
	"testing"

	"pm-go/internal/config"
)

func TestNewVaultFromConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.VaultConfig
		wantErr bool
	}{
		{
			name: "memory vault",
			cfg: config.VaultConfig{
				Type: "memory",
				Name: "test-memory",
			},
		},
		{
			name: "filesystem vault",
			cfg: config.VaultConfig{
				Type:        "filesystem",
				Name:        "test-fs",
				FSVaultRoot: t.TempDir(),
			},
		},
		{
			name: "filesystem vault without root",
			cfg: config.VaultConfig{
				Type: "filesystem",
				Name: "test-fs",
			},
			wantErr: true,
		},
		{
			name: "s3 vault without bucket",
			cfg: config.VaultConfig{
				Type: "s3",
				Name: "test-s3",
			},
			wantErr: true,
		},
		{
			name: "unknown vault type",
			cfg: config.VaultConfig{
				Type: "unknown",
				Name: "test-unknown",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewVaultFromConfig(context.Background(), tt.cfg)

			if (err != nil) != tt.wantErr {
				t.Errorf("NewVaultFromConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				if got != nil {
					t.Errorf("NewVaultFromConfig() = %v, want nil on error", got)
				}
				return
			}

			if got.Name() != tt.cfg.Name {
				t.Errorf("Name() = %q, want %q", got.Name(), tt.cfg.Name)
			}
			if err := got.ValidateSetup(context.Background()); err != nil {
				t.Errorf("ValidateSetup() error = %v", err)
			}
		})
	}
}

func TestNewS3Vault_StaticCredentials(t *testing.T) {
	v, err := NewS3Vault(context.Background(), config.VaultConfig{
		Type:              "s3",
		Name:              "offsite",
		S3Bucket:          "pm-artifacts",
		S3Prefix:          "/team/",
		S3Region:          "eu-west-1",
		S3Endpoint:        "http://127.0.0.1:9000",
		S3AccessKeyID:     "key",
		S3SecretAccessKey: "secret",
	})
	if err != nil {
		t.Fatalf("NewS3Vault() error = %v", err)
	}
	if got := v.key("a.pmx"); got != "team/artifacts/a.pmx" {
		t.Errorf("key() = %q, want team/artifacts/a.pmx", got)
	}
}
