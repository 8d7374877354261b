//go:build tinygo

package main

import "machine"

const (
	// Sampling configuration
	SAMPLE_INTERVAL_US = 500 // pickup ADC read interval in microseconds
	NUM_SAMPLES        = 10  // samples averaged per output line
	TEMP_DIVIDER       = 40  // thermistor is read once per TEMP_DIVIDER lines

	// ADC configuration
	ADC_REFERENCE_MV = 3300 // Reference voltage in millivolts (3.3V)
	ADC_RESOLUTION   = 12   // ADC resolution in bits (12-bit = 0-4095)

	// Excitation drive
	PIN_DRIVE    = machine.D7 // coil PWM output
	DRIVE_MIN_HZ = 50
	DRIVE_MAX_HZ = 2000

	// ADC pins
	PIN_PICKUP_ADC = machine.A1
	PIN_THERM_ADC  = machine.A10

	// Serial configuration
	// Format "unix_micros,counts,temp_centi,flags\n"
	// Example: "1234567890123456,4095,2450,0\n" = ~30 bytes max per line
	// 200 lines/sec * 30 bytes/line = 6,000 bytes/sec
	// UART 8N1: 10 bits/byte = 60,000 baud minimum
	// 115200 provides ~1.9x headroom
	UART_BAUD_RATE = 115200
)
