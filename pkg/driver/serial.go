package driver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/lalitmahajn/Viscosity/pkg/config"
)

const (
	// DefaultBaudRate is the standard baud rate for the probe MCU.
	DefaultBaudRate = 115200

	adcFullScale = 4095
	adcRefVolts  = 3.3

	// staleAfter bounds how old the most recent MCU line may be before
	// sample reads start failing.
	staleAfter = 500 * time.Millisecond
)

// Serial talks to the probe MCU front-end over a serial line. The MCU streams
// pickup/temperature lines continuously and accepts one-letter setpoint
// commands.
type Serial struct {
	port     string
	baudRate int

	mu        sync.RWMutex
	conn      serial.Port
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool

	freqHz float64
	duty   float64

	lastVolts float64
	lastTempC float64
	tempFault bool
	lastAt    time.Time
}

var _ Device = (*Serial)(nil)

// NewSerial creates a serial device for the configured port.
func NewSerial(cfg config.SerialConfig) *Serial {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Serial{
		port:     cfg.Port,
		baudRate: baud,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Ports returns the names of available serial ports.
func Ports() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

// Connect opens the serial port and starts the reader goroutine.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	port, err := serial.Open(d.port, &serial.Mode{BaudRate: d.baudRate})
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	d.conn = port
	d.connected = true

	go d.readLines(port)

	return nil
}

// Close closes the serial port and stops the reader.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	d.cancel()
	if d.conn != nil {
		if err := d.conn.Close(); err != nil {
			log.Printf("serial: error closing port: %v", err)
		}
		d.conn = nil
	}
	d.connected = false

	return nil
}

// IsConnected returns whether the port is open.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// ReadSampleVolts returns the most recent pickup sample. A stalled MCU stream
// surfaces as ErrStale, which the safety layer treats as a sensor fault.
func (d *Serial) ReadSampleVolts() (float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.connected {
		return 0, ErrNotConnected
	}
	if time.Since(d.lastAt) > staleAfter {
		return 0, fmt.Errorf("pickup adc: %w", ErrStale)
	}
	return d.lastVolts, nil
}

// ReadTempC returns the most recent probe temperature.
func (d *Serial) ReadTempC() (float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.connected {
		return 0, ErrNotConnected
	}
	if d.tempFault {
		return 0, fmt.Errorf("temp sensor: %w", ErrHardwareFault)
	}
	if time.Since(d.lastAt) > staleAfter {
		return 0, fmt.Errorf("temp sensor: %w", ErrStale)
	}
	return d.lastTempC, nil
}

// SetFrequency sends a frequency setpoint to the MCU.
func (d *Serial) SetFrequency(hz float64) error {
	if hz <= 0 || math.IsNaN(hz) || math.IsInf(hz, 0) {
		return fmt.Errorf("invalid frequency %v", hz)
	}
	if err := d.send(fmt.Sprintf("F%.3f\n", hz)); err != nil {
		return err
	}
	d.mu.Lock()
	d.freqHz = hz
	d.mu.Unlock()
	return nil
}

// SetDuty sends a duty-cycle setpoint to the MCU, clamped to [0,1].
func (d *Serial) SetDuty(duty float64) error {
	duty = math.Max(0, math.Min(1, duty))
	if err := d.send(fmt.Sprintf("D%.3f\n", duty)); err != nil {
		return err
	}
	d.mu.Lock()
	d.duty = duty
	d.mu.Unlock()
	return nil
}

// Duty returns the last commanded duty cycle.
func (d *Serial) Duty() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.duty
}

// Stop commands the MCU to zero the excitation output.
func (d *Serial) Stop() error {
	if err := d.send("S\n"); err != nil {
		return err
	}
	d.mu.Lock()
	d.duty = 0
	d.mu.Unlock()
	return nil
}

func (d *Serial) send(cmd string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.connected {
		return ErrNotConnected
	}
	if _, err := d.conn.Write([]byte(cmd)); err != nil {
		return fmt.Errorf("failed to send command %q: %w", strings.TrimSpace(cmd), err)
	}
	return nil
}

// readLines reads MCU lines until the context is cancelled and keeps the
// newest parsed sample.
func (d *Serial) readLines(r io.Reader) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("serial: panic in reader: %v", rec)
		}
	}()

	scanner := bufio.NewScanner(r)
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
			if !scanner.Scan() {
				if err := scanner.Err(); err != nil && err != io.EOF {
					log.Printf("serial: error reading from port: %v", err)
				}
				return
			}

			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			volts, tempC, tempFault, err := parseLine(line)
			if err != nil {
				log.Printf("serial: failed to parse line %q: %v", line, err)
				continue
			}

			d.mu.Lock()
			d.lastVolts = volts
			d.lastTempC = tempC
			d.tempFault = tempFault
			d.lastAt = time.Now()
			d.mu.Unlock()
		}
	}
}

// parseLine parses one MCU line into pickup volts and temperature.
// Format: unix_micros,adc_counts,temp_centi,flags
// Example: 1234567890123,2311,2450,0
// adc_counts is a 12-bit bipolar reading centered at mid-scale; flags bit 0
// marks a temperature sensor fault.
func parseLine(line string) (volts, tempC float64, tempFault bool, err error) {
	parts := strings.Split(line, ",")
	if len(parts) != 4 {
		return 0, 0, false, fmt.Errorf("expected 4 comma-separated values, got %d", len(parts))
	}

	if _, err := strconv.ParseInt(parts[0], 10, 64); err != nil {
		return 0, 0, false, fmt.Errorf("invalid timestamp: %w", err)
	}

	counts, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid adc counts: %w", err)
	}
	if counts > adcFullScale {
		return 0, 0, false, fmt.Errorf("adc counts out of range: %d (max %d)", counts, adcFullScale)
	}

	tempCenti, err := strconv.ParseInt(parts[2], 10, 32)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid temperature: %w", err)
	}

	flags, err := strconv.ParseUint(parts[3], 10, 16)
	if err != nil {
		return 0, 0, false, fmt.Errorf("invalid flags: %w", err)
	}

	volts = (float64(counts) - adcFullScale/2.0) / adcFullScale * adcRefVolts
	tempC = float64(tempCenti) / 100.0
	tempFault = flags&1 != 0
	return volts, tempC, tempFault, nil
}
