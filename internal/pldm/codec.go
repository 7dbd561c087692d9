package pldm

import "fmt"

// This file encodes/decodes the PLDM firmware-update and platform-event
// messages this daemon exchanges with a device. Each Encode* function writes
// into a freshly allocated buffer (header + payload) and returns it; each
// Decode* function takes the payload following the header (the caller has
// already stripped and validated the header via DecodeHeader). This mirrors
// DSP0267/DSP0248 field order and the reference implementation's own
// encode/decode split, one function per command direction.

// RequestUpdateReq holds the fields of a RequestUpdate request.
type RequestUpdateReq struct {
	InstanceID        uint8
	MaxTransferSize   uint32
	NumComponents     uint16
	MaxOutstandingReq uint8
	PackageDataLength uint16
	VersionStringType uint8
	VersionString     []byte
}

// EncodeRequestUpdateReq encodes a RequestUpdate request.
func EncodeRequestUpdateReq(r RequestUpdateReq) ([]byte, error) {
	if len(r.VersionString) > 255 {
		return nil, fmt.Errorf("pldm: version string too long: %d bytes", len(r.VersionString))
	}
	const fixedLen = 4 + 2 + 1 + 2 + 1 + 1
	msg, err := newMessage(Header{InstanceID: r.InstanceID, Request: true, Type: TypeFWUP, Command: CmdRequestUpdate}, fixedLen+len(r.VersionString))
	if err != nil {
		return nil, err
	}
	p, _ := payload(msg)
	putUint32(p[0:4], r.MaxTransferSize)
	putUint16(p[4:6], r.NumComponents)
	p[6] = r.MaxOutstandingReq
	putUint16(p[7:9], r.PackageDataLength)
	p[9] = r.VersionStringType
	p[10] = uint8(len(r.VersionString))
	copy(p[11:], r.VersionString)
	return msg, nil
}

// RequestUpdateResp holds the decoded fields of a RequestUpdate response.
type RequestUpdateResp struct {
	CompletionCode    uint8
	FDMetaDataLen     uint16
	FDWillSendPkgData uint8
}

// DecodeRequestUpdateResp decodes a RequestUpdate response payload.
func DecodeRequestUpdateResp(p []byte) (RequestUpdateResp, error) {
	if len(p) < 1 {
		return RequestUpdateResp{}, fmt.Errorf("pldm: request update response too short")
	}
	resp := RequestUpdateResp{CompletionCode: p[0]}
	if resp.CompletionCode != Success {
		return resp, nil
	}
	if len(p) < 4 {
		return RequestUpdateResp{}, fmt.Errorf("pldm: request update response missing fields")
	}
	resp.FDMetaDataLen = getUint16(p[1:3])
	resp.FDWillSendPkgData = p[3]
	return resp, nil
}

// PassComponentTableReq holds the fields of a PassComponentTable request.
type PassComponentTableReq struct {
	InstanceID              uint8
	TransferFlag            uint8
	ComponentClassification uint16
	ComponentIdentifier     uint16
	ClassificationIndex     uint8
	ComparisonStamp         uint32
	VersionStringType       uint8
	VersionString           []byte
}

// EncodePassComponentTableReq encodes a PassComponentTable request.
func EncodePassComponentTableReq(r PassComponentTableReq) ([]byte, error) {
	if len(r.VersionString) > 255 {
		return nil, fmt.Errorf("pldm: version string too long: %d bytes", len(r.VersionString))
	}
	const fixedLen = 1 + 2 + 2 + 1 + 4 + 1 + 1
	msg, err := newMessage(Header{InstanceID: r.InstanceID, Request: true, Type: TypeFWUP, Command: CmdPassComponentTable}, fixedLen+len(r.VersionString))
	if err != nil {
		return nil, err
	}
	p, _ := payload(msg)
	p[0] = r.TransferFlag
	putUint16(p[1:3], r.ComponentClassification)
	putUint16(p[3:5], r.ComponentIdentifier)
	p[5] = r.ClassificationIndex
	putUint32(p[6:10], r.ComparisonStamp)
	p[10] = r.VersionStringType
	p[11] = uint8(len(r.VersionString))
	copy(p[12:], r.VersionString)
	return msg, nil
}

// PassComponentTableResp holds the decoded fields of a PassComponentTable response.
type PassComponentTableResp struct {
	CompletionCode    uint8
	ComponentResponse uint8
	ComponentRespCode uint8
}

// DecodePassComponentTableResp decodes a PassComponentTable response payload.
func DecodePassComponentTableResp(p []byte) (PassComponentTableResp, error) {
	if len(p) < 1 {
		return PassComponentTableResp{}, fmt.Errorf("pldm: pass component table response too short")
	}
	resp := PassComponentTableResp{CompletionCode: p[0]}
	if resp.CompletionCode != Success {
		return resp, nil
	}
	if len(p) < 3 {
		return PassComponentTableResp{}, fmt.Errorf("pldm: pass component table response missing fields")
	}
	resp.ComponentResponse = p[1]
	resp.ComponentRespCode = p[2]
	return resp, nil
}

// UpdateComponentReq holds the fields of an UpdateComponent request.
type UpdateComponentReq struct {
	InstanceID              uint8
	ComponentClassification uint16
	ComponentIdentifier     uint16
	ClassificationIndex     uint8
	ComparisonStamp         uint32
	ComponentSize           uint32
	UpdateOptionFlags       uint32
	VersionStringType       uint8
	VersionString           []byte
}

// EncodeUpdateComponentReq encodes an UpdateComponent request.
func EncodeUpdateComponentReq(r UpdateComponentReq) ([]byte, error) {
	if len(r.VersionString) > 255 {
		return nil, fmt.Errorf("pldm: version string too long: %d bytes", len(r.VersionString))
	}
	const fixedLen = 2 + 2 + 1 + 4 + 4 + 4 + 1 + 1
	msg, err := newMessage(Header{InstanceID: r.InstanceID, Request: true, Type: TypeFWUP, Command: CmdUpdateComponent}, fixedLen+len(r.VersionString))
	if err != nil {
		return nil, err
	}
	p, _ := payload(msg)
	putUint16(p[0:2], r.ComponentClassification)
	putUint16(p[2:4], r.ComponentIdentifier)
	p[4] = r.ClassificationIndex
	putUint32(p[5:9], r.ComparisonStamp)
	putUint32(p[9:13], r.ComponentSize)
	putUint32(p[13:17], r.UpdateOptionFlags)
	p[17] = r.VersionStringType
	p[18] = uint8(len(r.VersionString))
	copy(p[19:], r.VersionString)
	return msg, nil
}

// UpdateComponentResp holds the decoded fields of an UpdateComponent response.
type UpdateComponentResp struct {
	CompletionCode            uint8
	CompCompatibilityResp     uint8
	CompCompatibilityRespCode uint8
	UpdateOptionFlagsEnabled  uint32
	TimeBeforeReqFWData       uint16
}

// DecodeUpdateComponentResp decodes an UpdateComponent response payload.
func DecodeUpdateComponentResp(p []byte) (UpdateComponentResp, error) {
	if len(p) < 1 {
		return UpdateComponentResp{}, fmt.Errorf("pldm: update component response too short")
	}
	resp := UpdateComponentResp{CompletionCode: p[0]}
	if resp.CompletionCode != Success {
		return resp, nil
	}
	if len(p) < 9 {
		return UpdateComponentResp{}, fmt.Errorf("pldm: update component response missing fields")
	}
	resp.CompCompatibilityResp = p[1]
	resp.CompCompatibilityRespCode = p[2]
	resp.UpdateOptionFlagsEnabled = getUint32(p[3:7])
	resp.TimeBeforeReqFWData = getUint16(p[7:9])
	return resp, nil
}

// DecodeRequestFirmwareDataReq decodes a device-initiated RequestFirmwareData request.
func DecodeRequestFirmwareDataReq(p []byte) (offset uint32, length uint32, err error) {
	if len(p) < 8 {
		return 0, 0, fmt.Errorf("pldm: request firmware data request too short")
	}
	return getUint32(p[0:4]), getUint32(p[4:8]), nil
}

// EncodeRequestFirmwareDataResp encodes the host's response to RequestFirmwareData.
// instanceID here is the instance id echoed from the device's request header.
func EncodeRequestFirmwareDataResp(instanceID, completionCode uint8, data []byte) ([]byte, error) {
	msg, err := newMessage(Header{InstanceID: instanceID, Request: false, Type: TypeFWUP, Command: CmdRequestFirmwareData}, 1+len(data))
	if err != nil {
		return nil, err
	}
	p, _ := payload(msg)
	p[0] = completionCode
	copy(p[1:], data)
	return msg, nil
}

// DecodeTransferCompleteReq decodes a device-initiated TransferComplete request.
func DecodeTransferCompleteReq(p []byte) (transferResult uint8, err error) {
	if len(p) < 1 {
		return 0, fmt.Errorf("pldm: transfer complete request too short")
	}
	return p[0], nil
}

// EncodeTransferCompleteResp encodes the host's response to TransferComplete.
func EncodeTransferCompleteResp(instanceID, completionCode uint8) ([]byte, error) {
	msg, err := newMessage(Header{InstanceID: instanceID, Request: false, Type: TypeFWUP, Command: CmdTransferComplete}, 1)
	if err != nil {
		return nil, err
	}
	p, _ := payload(msg)
	p[0] = completionCode
	return msg, nil
}

// DecodeVerifyCompleteReq decodes a device-initiated VerifyComplete request.
func DecodeVerifyCompleteReq(p []byte) (verifyResult uint8, err error) {
	if len(p) < 1 {
		return 0, fmt.Errorf("pldm: verify complete request too short")
	}
	return p[0], nil
}

// EncodeVerifyCompleteResp encodes the host's response to VerifyComplete.
func EncodeVerifyCompleteResp(instanceID, completionCode uint8) ([]byte, error) {
	msg, err := newMessage(Header{InstanceID: instanceID, Request: false, Type: TypeFWUP, Command: CmdVerifyComplete}, 1)
	if err != nil {
		return nil, err
	}
	p, _ := payload(msg)
	p[0] = completionCode
	return msg, nil
}

// DecodeApplyCompleteReq decodes a device-initiated ApplyComplete request.
func DecodeApplyCompleteReq(p []byte) (applyResult uint8, activationMethodsModification uint16, err error) {
	if len(p) < 3 {
		return 0, 0, fmt.Errorf("pldm: apply complete request too short")
	}
	return p[0], getUint16(p[1:3]), nil
}

// EncodeApplyCompleteResp encodes the host's response to ApplyComplete.
func EncodeApplyCompleteResp(instanceID, completionCode uint8) ([]byte, error) {
	msg, err := newMessage(Header{InstanceID: instanceID, Request: false, Type: TypeFWUP, Command: CmdApplyComplete}, 1)
	if err != nil {
		return nil, err
	}
	p, _ := payload(msg)
	p[0] = completionCode
	return msg, nil
}

// EncodeActivateFirmwareReq encodes an ActivateFirmware request.
func EncodeActivateFirmwareReq(instanceID uint8, selfContained bool) ([]byte, error) {
	msg, err := newMessage(Header{InstanceID: instanceID, Request: true, Type: TypeFWUP, Command: CmdActivateFirmware}, 1)
	if err != nil {
		return nil, err
	}
	p, _ := payload(msg)
	if selfContained {
		p[0] = 1
	}
	return msg, nil
}

// ActivateFirmwareResp holds the decoded fields of an ActivateFirmware response.
type ActivateFirmwareResp struct {
	CompletionCode             uint8
	EstimatedTimeForActivation uint16
}

// DecodeActivateFirmwareResp decodes an ActivateFirmware response payload.
func DecodeActivateFirmwareResp(p []byte) (ActivateFirmwareResp, error) {
	if len(p) < 1 {
		return ActivateFirmwareResp{}, fmt.Errorf("pldm: activate firmware response too short")
	}
	resp := ActivateFirmwareResp{CompletionCode: p[0]}
	if resp.CompletionCode != Success {
		return resp, nil
	}
	if len(p) < 3 {
		return ActivateFirmwareResp{}, fmt.Errorf("pldm: activate firmware response missing fields")
	}
	resp.EstimatedTimeForActivation = getUint16(p[1:3])
	return resp, nil
}

// EncodeCancelUpdateComponentReq encodes a CancelUpdateComponent request (fixed length, no payload).
func EncodeCancelUpdateComponentReq(instanceID uint8) ([]byte, error) {
	return newMessage(Header{InstanceID: instanceID, Request: true, Type: TypeFWUP, Command: CmdCancelUpdateComponent}, 0)
}

// DecodeCancelUpdateComponentResp decodes a CancelUpdateComponent response payload.
func DecodeCancelUpdateComponentResp(p []byte) (completionCode uint8, err error) {
	if len(p) < 1 {
		return 0, fmt.Errorf("pldm: cancel update component response too short")
	}
	return p[0], nil
}

// SensorEventData is the fixed-size state-sensor event record SSEB embeds in
// a PlatformEventMessage request (DSP0248 table 19, STATE_SENSOR_STATE class).
type SensorEventData struct {
	SensorID      uint16
	EventClass    uint8 // StateSensorState
	Offset        uint8 // composite sensor offset
	State         uint8 // newly matched state value
	PreviousState uint8
}

// Encode serializes the sensor event data record.
func (d SensorEventData) Encode() []byte {
	buf := make([]byte, 6)
	putUint16(buf[0:2], d.SensorID)
	buf[2] = d.EventClass
	buf[3] = d.Offset
	buf[4] = d.State
	buf[5] = d.PreviousState
	return buf
}

// EncodePlatformEventMessageReq encodes a PlatformEventMessage request
// carrying a sensor event.
func EncodePlatformEventMessageReq(instanceID, formatVersion, tid, eventType uint8, eventData []byte) ([]byte, error) {
	msg, err := newMessage(Header{InstanceID: instanceID, Request: true, Type: TypePlatform, Command: CmdPlatformEventMessage}, 3+len(eventData))
	if err != nil {
		return nil, err
	}
	p, _ := payload(msg)
	p[0] = formatVersion
	p[1] = tid
	p[2] = eventType
	copy(p[3:], eventData)
	return msg, nil
}

// DecodePlatformEventMessageResp decodes a PlatformEventMessage response payload.
func DecodePlatformEventMessageResp(p []byte) (completionCode, status uint8, err error) {
	if len(p) < 1 {
		return 0, 0, fmt.Errorf("pldm: platform event message response too short")
	}
	completionCode = p[0]
	if completionCode != Success {
		return completionCode, 0, nil
	}
	if len(p) < 2 {
		return 0, 0, fmt.Errorf("pldm: platform event message response missing status")
	}
	return completionCode, p[1], nil
}
