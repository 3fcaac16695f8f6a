package main

import "time"

// Bluetooth SIG assigned numbers used by the BLE transport.
const (
	cscServiceUUID16     = 0x1816 // Cycling Speed and Cadence service
	cscMeasurementUUID16 = 0x2A5B // CSC Measurement characteristic
)

// Sensor / integrator defaults
const (
	defaultWheelCircumferenceM = 2.105 // 700x25c road wheel
	defaultBLENamePrefix       = "CYCPLUS"
	defaultBLEScanTimeoutMS    = 15000
	defaultStaleTimeoutMS      = 3000 // 0 keeps the last speed indefinitely
	defaultSerialBaudRate      = 115200

	staleCheckPeriod = 250 * time.Millisecond
)

// Needle defaults
const (
	defaultNeedleWindowM    = 200.0
	defaultNeedleMinDeg     = -120.0
	defaultNeedleMaxDeg     = 120.0
	defaultNeedleEaseFactor = 0.15
	defaultNeedleSnapDeg    = 0.1
	defaultNeedleFrameHz    = 60
)

// Clock defaults
const (
	defaultClockSamplePeriod = 30 * time.Millisecond
)

// Simulation defaults
const (
	defaultSimStepM    = 40.0
	defaultSimPeriod   = time.Second
	defaultSimCeilingM = 10000.0

	simOscillationAmplitude   = 0.25 // +/-25% around the base speed
	simOscillationWavelengthM = 50.0
)

// Status strings shown to the rider.
const (
	statusWaiting          = "Waiting…"
	statusRequestingDevice = "Requesting device…"
	statusConnecting       = "Connecting…"
	statusConnected        = "Connected"
	statusConnectFailed    = "❌ Connection failed"
	statusUnavailable      = "❌ Sensor transport unavailable"
	statusDisconnected     = "Disconnected"
	statusSimulating       = "Simulating…"
	statusStopped          = "Stopped"
	statusReset            = "Reset"
	statusClockStopped     = "Clock stopped"
	statusRaceSaved        = "Race saved"
	statusRaceSaveFailed   = "❌ Could not save race"

	statusRaceNothingToSave = "No race to save"
)

// State broadcast rounding
const (
	broadcastSpeedPrecision    = 0.1  // km/h
	broadcastDistancePrecision = 0.01 // m
	broadcastAnglePrecision    = 0.01 // degrees
)

// Storage
const (
	raceStoreKey = "races_db_v1"

	defaultRaceSaveTimeout = 5 * time.Second
)
