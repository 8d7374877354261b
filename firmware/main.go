//go:build tinygo

//go:generate tinygo flash -target=xiao

package main

import (
	"machine"
	"time"
)

var (
	adcPickup machine.ADC
	adcTherm  machine.ADC
	uart      = machine.UART0
	pwm       = machine.TCC0
	pwmCh     uint8

	// Drive state
	driveFreqMilliHz uint32 // commanded frequency in millihertz
	driveDutyPM      uint32 // commanded duty in 1/10000

	// ADC averaging - running sum and count
	pickupSum   uint32
	pickupCount int

	// Thermistor is slow; it is read every TEMP_DIVIDER output lines
	lineCount    int
	tempCenti    int32
	tempFault    bool
	lastADCRead  time.Time
	lastTempRead time.Time

	// Serial buffer for reading command lines
	serialBuffer [16]byte
	serialPos    int
)

func main() {
	PIN_PICKUP_ADC.Configure(machine.PinConfig{Mode: machine.PinInput})
	PIN_THERM_ADC.Configure(machine.PinConfig{Mode: machine.PinInput})

	adcPickup = machine.ADC{Pin: PIN_PICKUP_ADC}
	adcTherm = machine.ADC{Pin: PIN_THERM_ADC}

	adcConfig := machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	}
	adcPickup.Configure(adcConfig)
	adcTherm.Configure(adcConfig)

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	driveFreqMilliHz = 180_000
	driveDutyPM = 0
	configurePWM()

	lastADCRead = time.Now()
	lastTempRead = time.Now()
	readThermistor()

	for {
		now := time.Now()

		// Check for serial input (non-blocking)
		processSerial()

		// Read the pickup ADC at the sample interval
		if now.Sub(lastADCRead) >= SAMPLE_INTERVAL_US*time.Microsecond {
			readPickupADC()
			lastADCRead = now
		}

		// Output an averaged line once enough samples accumulated
		if pickupCount >= NUM_SAMPLES {
			outputLine()
			pickupSum = 0
			pickupCount = 0
		}

		time.Sleep(50 * time.Microsecond)
	}
}

func configurePWM() {
	periodNs := uint64(1e12 / uint64(driveFreqMilliHz)) // millihertz to nanoseconds
	err := pwm.Configure(machine.PWMConfig{Period: periodNs})
	if err != nil {
		return
	}
	pwmCh, _ = pwm.Channel(PIN_DRIVE)
	applyDuty()
}

func applyDuty() {
	top := uint64(pwm.Top())
	pwm.Set(pwmCh, uint32(top*uint64(driveDutyPM)/10000))
}

func readPickupADC() {
	value := adcPickup.Get()
	pickupSum += uint32(value)
	pickupCount++
}

func readThermistor() {
	raw := adcTherm.Get()
	// Open or shorted thermistor reads at the rails.
	if raw < 50 || raw > 4045 {
		tempFault = true
		return
	}
	tempFault = false
	// Linear approximation around the divider midpoint: 25.00 C at
	// mid-scale, ~0.04 C per count.
	tempCenti = 2500 + (int32(raw)-2048)*4
}

func outputLine() {
	n := pickupCount
	if n > NUM_SAMPLES {
		n = NUM_SAMPLES
	}
	if n == 0 {
		n = 1
	}
	avg := uint16(pickupSum / uint32(n))

	lineCount++
	if lineCount >= TEMP_DIVIDER {
		lineCount = 0
		readThermistor()
	}

	flags := uint8(0)
	if tempFault {
		flags |= 1
	}

	timestampMicros := time.Now().UnixNano() / 1000

	// Output format: "unix_micros,counts,temp_centi,flags\n"
	print(timestampMicros)
	print(",")
	print(avg)
	print(",")
	print(tempCenti)
	print(",")
	print(flags)
	print("\n")
}

func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		if data == '\n' || data == '\r' {
			if serialPos > 0 {
				handleCommand()
			}
			serialPos = 0
			continue
		}

		if data == ' ' || data == '\t' {
			continue
		}

		if serialPos < len(serialBuffer) {
			serialBuffer[serialPos] = data
			serialPos++
		} else {
			// Overlong line - reset and wait for the next newline
			serialPos = 0
		}
	}
}

// handleCommand parses one host command:
//
//	Fxxx.xxx  set drive frequency in Hz
//	D0.xxxx   set drive duty cycle
//	S         stop (zero duty)
func handleCommand() {
	switch serialBuffer[0] {
	case 'F':
		mhz, ok := parseMilli(serialBuffer[1:serialPos])
		if !ok || mhz < DRIVE_MIN_HZ*1000 || mhz > DRIVE_MAX_HZ*1000 {
			return
		}
		driveFreqMilliHz = mhz
		configurePWM()
	case 'D':
		milli, ok := parseMilli(serialBuffer[1:serialPos])
		if !ok || milli > 10000 {
			return
		}
		// D commands carry a 0..1 fraction; parseMilli yields 1/1000
		// units, duty is kept in 1/10000.
		driveDutyPM = milli * 10
		applyDuty()
	case 'S':
		driveDutyPM = 0
		applyDuty()
	}
}

// parseMilli parses a decimal number like "179.825" into thousandths
// (179825). At most three fraction digits are honored.
func parseMilli(buf []byte) (uint32, bool) {
	var whole, frac uint32
	fracDigits := 0
	seenDot := false
	seenDigit := false

	for _, c := range buf {
		if c == '.' {
			if seenDot {
				return 0, false
			}
			seenDot = true
			continue
		}
		if c < '0' || c > '9' {
			return 0, false
		}
		seenDigit = true
		d := uint32(c - '0')
		if !seenDot {
			whole = whole*10 + d
			if whole > 1<<20 {
				return 0, false
			}
		} else if fracDigits < 3 {
			frac = frac*10 + d
			fracDigits++
		}
	}
	if !seenDigit {
		return 0, false
	}
	for fracDigits < 3 {
		frac *= 10
		fracDigits++
	}
	return whole*1000 + frac, true
}
