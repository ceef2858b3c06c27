package benchmarks

import (
	"context"
	"testing"
	"time"

	"github.com/go-i2p/go-connpool"
)

// mockConn is a no-op connection for benchmarking
type mockConn struct{}

func (m *mockConn) Close() error { return nil }

func newPool(b *testing.B, core, overflow int) *connpool.Pool {
	b.Helper()
	p, err := connpool.New(func(ctx context.Context) (connpool.Connection, error) {
		return &mockConn{}, nil
	}, connpool.NewConfig().
		WithCoreSize(core).
		WithMaxOverflow(overflow).
		WithCheckoutTimeout(time.Minute))
	if err != nil {
		b.Fatalf("failed to create pool: %v", err)
	}
	b.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func BenchmarkPool_CheckoutCheckin(b *testing.B) {
	p := newPool(b, 5, 2)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		pc, err := p.Checkout(ctx)
		if err != nil {
			b.Fatal(err)
		}
		if err := p.Checkin(pc); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPool_Parallel(b *testing.B) {
	p := newPool(b, 8, 4)
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pc, err := p.Checkout(ctx)
			if err != nil {
				b.Error(err)
				return
			}
			if err := p.Checkin(pc); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkPool_Contended runs far more goroutines than connections so most
// checkouts go through the waiter queue.
func BenchmarkPool_Contended(b *testing.B) {
	p := newPool(b, 2, 0)
	ctx := context.Background()

	b.SetParallelism(16)
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			pc, err := p.Checkout(ctx)
			if err != nil {
				b.Error(err)
				return
			}
			if err := p.Checkin(pc); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkPool_Stats(b *testing.B) {
	p := newPool(b, 5, 2)

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = p.Stats()
	}
}
