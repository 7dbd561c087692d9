// Package pldm holds the wire-level constants and binary codec for the
// Platform-Level Data Model messages this daemon exchanges with a managed
// endpoint, per DSP0240 (base) and DSP0267 (firmware update).
package pldm

// PLDM message types (DSP0240 table 2).
const (
	TypePlatform = 0x02
	TypeFWUP     = 0x05
)

// PLDM commands used by this daemon.
const (
	CmdPlatformEventMessage  = 0x0A
	CmdRequestUpdate         = 0x10
	CmdPassComponentTable    = 0x13
	CmdUpdateComponent       = 0x14
	CmdActivateFirmware      = 0x1A
	CmdRequestFirmwareData   = 0x15
	CmdTransferComplete      = 0x16
	CmdVerifyComplete        = 0x17
	CmdApplyComplete         = 0x18
	CmdCancelUpdateComponent = 0x1D
)

// Transfer flags for PassComponentTable / multipart transfers (DSP0267 table 16).
const (
	TransferFlagStart       = 0x01
	TransferFlagMiddle      = 0x02
	TransferFlagEnd         = 0x04
	TransferFlagStartAndEnd = 0x05
)

// Completion / result codes.
const (
	Success                    = 0x00
	ErrorInvalidData           = 0x02
	TransferSuccess            = 0x00
	VerifySuccess              = 0x00
	ApplySuccess               = 0x00
	ApplySuccessWithActivation = 0x01
	FWUPInvalidTransferLength  = 0x89
	FWUPDataOutOfRange         = 0x8A
)

// Event types for PlatformEventMessage (DSP0248 table 11).
const (
	SensorEvent = 0x00
)

// Sensor event classes (DSP0248 table 19).
const (
	StateSensorState = 0x01
)

// Misc protocol constants.
const (
	BaselineTransferSize  = 32
	FWUPMinOutstandingReq = 1
	StrTypeASCII          = 1

	InstanceIDMax = 32 // 5-bit instance id space: [0, 32)
)

// SensorUnknown is the cache sentinel meaning "no prior observation".
const SensorUnknown = 0xFF

// StateSensorPDRType identifies the PDR repository record kind SSEB consumes.
const StateSensorPDRType = 0x04
