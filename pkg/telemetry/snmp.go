package telemetry

import (
	"fmt"
	"time"

	"github.com/gosnmp/gosnmp"
)

// Enclosure sensor OIDs, under the vendor hardware-health branch used by
// the storage enclosures this node is deployed against.
const (
	oidCPUTemperature   = "1.3.6.1.4.1.14988.1.1.3.10"
	oidBoardTemperature = "1.3.6.1.4.1.14988.1.1.3.11"
	oidFan1Speed        = "1.3.6.1.4.1.14988.1.1.3.17"
	oidFan2Speed        = "1.3.6.1.4.1.14988.1.1.3.18"
	oidPSU1Voltage      = "1.3.6.1.4.1.14988.1.1.3.8"
	oidPSU2Voltage      = "1.3.6.1.4.1.14988.1.1.3.9"
	oidPSU1Temperature  = "1.3.6.1.4.1.14988.1.1.3.12"
	oidPSU2Temperature  = "1.3.6.1.4.1.14988.1.1.3.13"
)

// psuVoltageToPowerFactor is a rough power estimate from voltage alone;
// real wattage requires an amperage reading this enclosure's MIB doesn't
// expose.
const psuVoltageToPowerFactor = 10

// SNMPReader polls hardware sensors over SNMPv2c. The dial is left
// injectable (the dial field) so tests can substitute a fake agent.
type SNMPReader struct {
	cfg  SNMPConfig
	dial func(cfg SNMPConfig) (snmpConn, error)
}

type snmpConn interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	Close() error
}

// NewSNMPReader returns a reader against the given SNMP agent.
func NewSNMPReader(cfg SNMPConfig) *SNMPReader {
	if cfg.Port == 0 {
		cfg.Port = 161
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Retries == 0 {
		cfg.Retries = 2
	}
	return &SNMPReader{cfg: cfg, dial: dialGoSNMP}
}

// goSNMPConn adapts *gosnmp.GoSNMP to snmpConn; GoSNMP itself exposes the
// live connection via its Conn field rather than its own Close method.
type goSNMPConn struct {
	client *gosnmp.GoSNMP
}

func (c *goSNMPConn) Get(oids []string) (*gosnmp.SnmpPacket, error) { return c.client.Get(oids) }
func (c *goSNMPConn) Close() error                                  { return c.client.Conn.Close() }

func dialGoSNMP(cfg SNMPConfig) (snmpConn, error) {
	client := &gosnmp.GoSNMP{
		Target:    cfg.Host,
		Port:      cfg.Port,
		Community: cfg.Community,
		Version:   gosnmp.Version2c,
		Timeout:   cfg.Timeout,
		Retries:   cfg.Retries,
	}
	if err := client.Connect(); err != nil {
		return nil, err
	}
	return &goSNMPConn{client: client}, nil
}

// Read queries the sensor OIDs and returns a SensorReading.
func (r *SNMPReader) Read() (*SensorReading, error) {
	conn, err := r.dial(r.cfg)
	if err != nil {
		return nil, fmt.Errorf("snmp connect to %s: %w", r.cfg.Host, err)
	}
	defer conn.Close()

	oids := []string{
		oidCPUTemperature,
		oidBoardTemperature,
		oidFan1Speed,
		oidFan2Speed,
		oidPSU1Voltage,
		oidPSU2Voltage,
		oidPSU1Temperature,
		oidPSU2Temperature,
	}

	result, err := conn.Get(oids)
	if err != nil {
		return nil, fmt.Errorf("snmp get: %w", err)
	}
	if len(result.Variables) < len(oids) {
		return nil, fmt.Errorf("snmp get returned %d variables, want %d", len(result.Variables), len(oids))
	}

	reading := &SensorReading{
		CPUTemperature:   parseFloat64(result.Variables[0]),
		BoardTemperature: parseFloat64(result.Variables[1]),
		Fan1SpeedRPM:     parseFloat64(result.Variables[2]),
		Fan2SpeedRPM:     parseFloat64(result.Variables[3]),
		PSU1Power:        parseFloat64(result.Variables[4]) * psuVoltageToPowerFactor,
		PSU2Power:        parseFloat64(result.Variables[5]) * psuVoltageToPowerFactor,
		PSU1Temperature:  parseFloat64(result.Variables[6]),
		PSU2Temperature:  parseFloat64(result.Variables[7]),
	}
	return reading, nil
}

func parseFloat64(pdu gosnmp.SnmpPDU) float64 {
	switch pdu.Type {
	case gosnmp.Integer:
		if v, ok := pdu.Value.(int); ok {
			return float64(v)
		}
		return 0
	case gosnmp.Gauge32, gosnmp.Counter32, gosnmp.Counter64:
		switch v := pdu.Value.(type) {
		case int:
			return float64(v)
		case uint:
			return float64(v)
		case uint64:
			return float64(v)
		default:
			return 0
		}
	default:
		return 0
	}
}
