package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gosnmp/gosnmp"
)

func TestPollerLatestReflectsSuccessfulRead(t *testing.T) {
	p, err := NewPoller(PollerConfig{
		SSH:      SSHConfig{Address: "10.0.0.1", User: "admin"},
		SNMP:     SNMPConfig{Host: "10.0.0.1"},
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}

	conn := &fakeSNMPConn{packet: &gosnmp.SnmpPacket{Variables: fakeVariables(40, 35, 3000, 3100, 12, 12, 45, 46)}}
	p.snmp.dial = func(cfg SNMPConfig) (snmpConn, error) { return conn, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reading, _ := p.Latest(); reading != nil {
			if reading.CPUTemperature != 40 {
				t.Fatalf("CPUTemperature = %v, want 40", reading.CPUTemperature)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a sensor reading")
}

func TestPollerLatestReflectsFailedRead(t *testing.T) {
	p, err := NewPoller(PollerConfig{
		SSH:      SSHConfig{Address: "10.0.0.1", User: "admin"},
		SNMP:     SNMPConfig{Host: "10.0.0.1"},
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	p.snmp.dial = func(cfg SNMPConfig) (snmpConn, error) { return nil, errors.New("no route to host") }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, pollErr := p.Latest(); pollErr != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for a recorded poll error")
}

func TestPollerStopIsIdempotentBeforeStart(t *testing.T) {
	p, err := NewPoller(PollerConfig{SSH: SSHConfig{Address: "10.0.0.1", User: "admin"}, SNMP: SNMPConfig{Host: "10.0.0.1"}})
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	p.Stop() // must not block or panic when Start was never called
}
