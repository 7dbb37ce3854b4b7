package config

import (
	"testing"
)

func BenchmarkLoadNodeConfig(b *testing.B) {
	dir := b.TempDir()
	path := writeTestConfig(b, dir, "shardnode.yaml", testNodeConfigYAML)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		LoadNodeConfig(path)
	}
}

func BenchmarkValidateNodeConfig(b *testing.B) {
	cfg := validNodeConfig()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ValidateNodeConfig(cfg)
	}
}
