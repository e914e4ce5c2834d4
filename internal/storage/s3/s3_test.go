package s3

import (
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"missing region", func(c *Config) { c.Region = "" }, true},
		{"missing bucket", func(c *Config) { c.Bucket = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGetStorageClass(t *testing.T) {
	tests := []struct {
		in   string
		want types.StorageClass
	}{
		{"STANDARD", types.StorageClassStandard},
		{"standard_ia", types.StorageClassStandardIa},
		{"INTELLIGENT_TIERING", types.StorageClassIntelligentTiering},
		{"glacier", types.StorageClassGlacier},
		{"DEEP_ARCHIVE", types.StorageClassDeepArchive},
		{"", types.StorageClassStandard},
		{"bogus", types.StorageClassStandard},
	}

	for _, tt := range tests {
		cfg := &Config{StorageClass: tt.in}
		if got := cfg.GetStorageClass(); got != tt.want {
			t.Errorf("GetStorageClass(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
