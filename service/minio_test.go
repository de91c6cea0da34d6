package service

import (
	"testing"

	"github.com/AnTengye/coitrack/config"
	"github.com/AnTengye/coitrack/model"
)

func TestNewMinioStorage(t *testing.T) {
	cfg := &config.MinioConfig{
		Endpoint:   "localhost:9000",
		AccessKey:  "test",
		SecretKey:  "test",
		Bucket:     "certificates",
		ExpireDays: 7,
	}

	s, err := NewMinioStorage(cfg)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if s.bucket != "certificates" {
		t.Errorf("Expected bucket certificates, got %s", s.bucket)
	}
}

func TestObjectPath(t *testing.T) {
	tests := []struct {
		name     string
		ref      model.EntityRef
		certID   string
		filename string
		expected string
	}{
		{
			name:     "vendor",
			ref:      model.EntityRef{Kind: model.KindVendor, ID: "v-1"},
			certID:   "c-1",
			filename: "coi.pdf",
			expected: "vendor/v-1/c-1/coi.pdf",
		},
		{
			name:     "tenant",
			ref:      model.EntityRef{Kind: model.KindTenant, ID: "t-1"},
			certID:   "c-2",
			filename: "Lease COI 2026.pdf",
			expected: "tenant/t-1/c-2/Lease COI 2026.pdf",
		},
		{
			name:     "directories in the filename are dropped",
			ref:      model.EntityRef{Kind: model.KindVendor, ID: "v-1"},
			certID:   "c-3",
			filename: "../../etc/coi.pdf",
			expected: "vendor/v-1/c-3/coi.pdf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ObjectPath(tt.ref, tt.certID, tt.filename); got != tt.expected {
				t.Errorf("Expected '%s', got '%s'", tt.expected, got)
			}
		})
	}
}
