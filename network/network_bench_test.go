package network

import (
	"net"
	"testing"
)

var benchData = make([]byte, 1024)

func BenchmarkConnectionRead(b *testing.B) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "bench-conn", nil)
	defer conn.Close()

	go func() {
		for i := 0; i < b.N; i++ {
			client.Write(benchData)
		}
	}()

	buf := make([]byte, 1024)
	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		conn.Read(buf)
	}
}

func BenchmarkConnectionWrite(b *testing.B) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "bench-conn", nil)
	defer conn.Close()

	go func() {
		buf := make([]byte, 1024)
		for i := 0; i < b.N; i++ {
			client.Read(buf)
		}
	}()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		conn.Write(benchData)
	}
}

func BenchmarkConnectionState(b *testing.B) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "bench-conn", nil)
	defer conn.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = conn.State()
	}
}

func BenchmarkConnectionBytesRead(b *testing.B) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "bench-conn", nil)
	defer conn.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = conn.BytesRead()
	}
}

func BenchmarkConnectionMetadataSet(b *testing.B) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "bench-conn", nil)
	defer conn.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		conn.SetMetadata("key", "value")
	}
}

func BenchmarkConnectionMetadataGet(b *testing.B) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "bench-conn", nil)
	defer conn.Close()
	conn.SetMetadata("key", "value")

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, _ = conn.GetMetadata("key")
	}
}

func BenchmarkConnectionLastActivity(b *testing.B) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "bench-conn", nil)
	defer conn.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = conn.LastActivity()
	}
}

func BenchmarkConnectionIdleDuration(b *testing.B) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "bench-conn", nil)
	defer conn.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = conn.IdleDuration()
	}
}

func BenchmarkNewConnection(b *testing.B) {
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		server, client := net.Pipe()
		conn := NewConnection(server, "bench-conn", nil)
		conn.Close()
		client.Close()
	}
}

func BenchmarkConnectionRemoteAddr(b *testing.B) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	conn := NewConnection(server, "bench-conn", nil)
	defer conn.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = conn.RemoteAddr()
	}
}
