package device

import (
	"fmt"
	"net/netip"
	"testing"
)

// setupBenchRegistry creates a registry pre-populated with n devices.
func setupBenchRegistry(b *testing.B, n int) *Registry {
	b.Helper()
	reg := NewRegistry()
	for i := 0; i < n; i++ {
		reg.Upsert(Device{
			ID:   fmt.Sprintf("dev-%04d", i),
			Name: fmt.Sprintf("Speaker %d", i),
			Addr: netip.AddrPortFrom(netip.AddrFrom4([4]byte{192, 168, byte(i / 256), byte(i % 256)}), 7000),
		})
	}
	return reg
}

func BenchmarkRegistryResolve(b *testing.B) {
	reg := setupBenchRegistry(b, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reg.Resolve("dev-0050")
	}
}

func BenchmarkRegistrySnapshot(b *testing.B) {
	reg := setupBenchRegistry(b, 100)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		reg.Snapshot()
	}
}

func BenchmarkRegistryResolveParallel(b *testing.B) {
	reg := setupBenchRegistry(b, 100)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			reg.Resolve("dev-0050")
		}
	})
}
