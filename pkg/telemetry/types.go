// Package telemetry polls the physical storage enclosure's hardware
// sensors over SNMP (fan speed, board/PSU temperature, PSU power) and
// keeps an SSH session open for diagnostics.
// It is read-only observability and never sits on the I/O or reset path.
package telemetry

import "time"

// SensorReading is one snapshot of enclosure hardware health.
type SensorReading struct {
	CPUTemperature   float64
	BoardTemperature float64
	Fan1SpeedRPM     float64
	Fan2SpeedRPM     float64
	PSU1Power        float64
	PSU1Temperature  float64
	PSU2Power        float64
	PSU2Temperature  float64
	CollectedAt      time.Time
}

// SSHConfig holds the parameters for connecting to the enclosure's
// management shell.
type SSHConfig struct {
	Address    string
	Port       int           // default 22
	User       string
	PrivateKey []byte
	Timeout    time.Duration // default 10s
}

// SNMPConfig holds the parameters for the sensor SNMP agent.
type SNMPConfig struct {
	Host      string
	Community string
	Port      uint16        // default 161
	Timeout   time.Duration // default 5s
	Retries   int           // default 2
}
