package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/trunkline/trunkline/pkg/provider/engine"
	enginemock "github.com/trunkline/trunkline/pkg/provider/engine/mock"
)

func TestEngineFailover_PrimarySuccess(t *testing.T) {
	primary := &enginemock.Provider{Session: enginemock.NewSession()}
	secondary := &enginemock.Provider{Session: enginemock.NewSession()}

	f := NewEngineFailover(primary, "sonic-east", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	f.AddFallback("sonic-west", secondary)

	cfg := engine.SessionConfig{Voice: "matthew"}
	handle, err := f.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if handle != primary.Session {
		t.Error("handle is not the primary's session")
	}
	if len(primary.ConnectCalls) != 1 {
		t.Fatalf("primary dials = %d, want 1", len(primary.ConnectCalls))
	}
	if primary.ConnectCalls[0].Voice != "matthew" {
		t.Errorf("voice = %q, want matthew", primary.ConnectCalls[0].Voice)
	}
	if len(secondary.ConnectCalls) != 0 {
		t.Errorf("secondary dials = %d, want 0", len(secondary.ConnectCalls))
	}
}

func TestEngineFailover_FailsOverToSecondary(t *testing.T) {
	primary := &enginemock.Provider{ConnectErr: errors.New("dial tcp: refused")}
	secondary := &enginemock.Provider{Session: enginemock.NewSession()}

	f := NewEngineFailover(primary, "sonic-east", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	f.AddFallback("sonic-west", secondary)

	handle, err := f.Connect(context.Background(), engine.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if handle != secondary.Session {
		t.Error("handle is not the secondary's session")
	}
	if len(primary.ConnectCalls) != 1 || len(secondary.ConnectCalls) != 1 {
		t.Errorf("dials = %d/%d, want 1/1",
			len(primary.ConnectCalls), len(secondary.ConnectCalls))
	}
}

func TestEngineFailover_AllGatewaysFail(t *testing.T) {
	errDial := errors.New("dial tcp: refused")
	primary := &enginemock.Provider{ConnectErr: errDial}
	secondary := &enginemock.Provider{ConnectErr: errDial}

	f := NewEngineFailover(primary, "sonic-east", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	f.AddFallback("sonic-west", secondary)

	_, err := f.Connect(context.Background(), engine.SessionConfig{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errDial) {
		t.Errorf("err = %v, want the dial error in the chain", err)
	}
}

func TestEngineFailover_OpenBreakersSkipDial(t *testing.T) {
	primary := &enginemock.Provider{ConnectErr: errors.New("dial tcp: refused")}
	secondary := &enginemock.Provider{ConnectErr: errors.New("dial tcp: refused")}

	f := NewEngineFailover(primary, "sonic-east", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{
			MaxFailures:  1,
			ResetTimeout: time.Hour,
		},
	})
	f.AddFallback("sonic-west", secondary)

	// First call fails on both gateways and trips both breakers.
	if _, err := f.Connect(context.Background(), engine.SessionConfig{}); err == nil {
		t.Fatal("expected first Connect to fail")
	}
	if f.Healthy() {
		t.Error("Healthy() = true with all breakers open")
	}

	// Second call is rejected without dialing anything.
	_, err := f.Connect(context.Background(), engine.SessionConfig{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if len(primary.ConnectCalls) != 1 {
		t.Errorf("primary dials = %d, want 1 (breaker should short-circuit)",
			len(primary.ConnectCalls))
	}
	if len(secondary.ConnectCalls) != 1 {
		t.Errorf("secondary dials = %d, want 1 (breaker should short-circuit)",
			len(secondary.ConnectCalls))
	}

	states := f.States()
	if states["sonic-east"] != StateOpen || states["sonic-west"] != StateOpen {
		t.Errorf("states = %v, want both open", states)
	}
}

func TestEngineFailover_CapabilitiesFromPrimary(t *testing.T) {
	primary := &enginemock.Provider{
		ProviderCapabilities: engine.Capabilities{
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
		},
	}
	secondary := &enginemock.Provider{
		ProviderCapabilities: engine.Capabilities{
			InputSampleRate:  8000,
			OutputSampleRate: 8000,
		},
	}

	f := NewEngineFailover(primary, "sonic-east", FallbackConfig{})
	f.AddFallback("sonic-west", secondary)

	caps := f.Capabilities()
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("caps = %+v, want the primary's", caps)
	}
	if secondary.CapabilitiesCallCount != 0 {
		t.Error("secondary Capabilities was consulted")
	}
}

func TestEngineFailover_CanceledContext(t *testing.T) {
	primary := &enginemock.Provider{Session: enginemock.NewSession()}

	f := NewEngineFailover(primary, "sonic-east", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Connect(ctx, engine.SessionConfig{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(primary.ConnectCalls) != 0 {
		t.Errorf("primary dials = %d, want 0", len(primary.ConnectCalls))
	}
	// A canceled caller must not count against the breaker.
	if !f.Healthy() {
		t.Error("Healthy() = false after canceled-context dial")
	}
}
