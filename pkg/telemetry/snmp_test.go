package telemetry

import (
	"errors"
	"testing"

	"github.com/gosnmp/gosnmp"
)

type fakeSNMPConn struct {
	packet  *gosnmp.SnmpPacket
	err     error
	closed  bool
}

func (f *fakeSNMPConn) Get(oids []string) (*gosnmp.SnmpPacket, error) { return f.packet, f.err }
func (f *fakeSNMPConn) Close() error                                  { f.closed = true; return nil }

func fakeVariables(values ...int) []gosnmp.SnmpPDU {
	vars := make([]gosnmp.SnmpPDU, len(values))
	for i, v := range values {
		vars[i] = gosnmp.SnmpPDU{Type: gosnmp.Integer, Value: v}
	}
	return vars
}

func TestSNMPReaderReadParsesAllFields(t *testing.T) {
	conn := &fakeSNMPConn{packet: &gosnmp.SnmpPacket{Variables: fakeVariables(40, 35, 3000, 3100, 12, 12, 45, 46)}}
	r := NewSNMPReader(SNMPConfig{Host: "10.0.0.1", Community: "public"})
	r.dial = func(cfg SNMPConfig) (snmpConn, error) { return conn, nil }

	reading, err := r.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if reading.CPUTemperature != 40 || reading.BoardTemperature != 35 {
		t.Fatalf("unexpected temperatures: %+v", reading)
	}
	if reading.PSU1Power != 120 || reading.PSU2Power != 120 {
		t.Fatalf("unexpected psu power: %+v", reading)
	}
	if !conn.closed {
		t.Fatal("expected connection to be closed after Read")
	}
}

func TestSNMPReaderReadDialError(t *testing.T) {
	r := NewSNMPReader(SNMPConfig{Host: "10.0.0.1"})
	r.dial = func(cfg SNMPConfig) (snmpConn, error) { return nil, errors.New("connection refused") }
	if _, err := r.Read(); err == nil {
		t.Fatal("expected error on dial failure")
	}
}

func TestSNMPReaderReadGetError(t *testing.T) {
	conn := &fakeSNMPConn{err: errors.New("timeout")}
	r := NewSNMPReader(SNMPConfig{Host: "10.0.0.1"})
	r.dial = func(cfg SNMPConfig) (snmpConn, error) { return conn, nil }
	if _, err := r.Read(); err == nil {
		t.Fatal("expected error when Get fails")
	}
}

func TestSNMPReaderReadShortVariableList(t *testing.T) {
	conn := &fakeSNMPConn{packet: &gosnmp.SnmpPacket{Variables: fakeVariables(1, 2)}}
	r := NewSNMPReader(SNMPConfig{Host: "10.0.0.1"})
	r.dial = func(cfg SNMPConfig) (snmpConn, error) { return conn, nil }
	if _, err := r.Read(); err == nil {
		t.Fatal("expected error for short variable list")
	}
}
