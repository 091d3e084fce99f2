package contracts

// VerifyRequest is the payload a client sends to the license verification
// endpoint during online activation. Field names are part of the wire
// protocol and must not change.
type VerifyRequest struct {
	LicenseKey  string `json:"licenseKey" validate:"required,min=20,max=128"`
	MachineID   string `json:"machineId" validate:"required,min=8,max=64"`
	MachineName string `json:"machineName" validate:"required,max=128"`
	OSVersion   string `json:"osVersion" validate:"max=128"`
	AppVersion  string `json:"appVersion" validate:"max=64"`
}

// VerifyResponse is the verification endpoint's answer. A missing or
// unreachable endpoint is treated by clients as "no opinion", not as a
// rejection; only an explicit Valid=false aborts an activation.
type VerifyResponse struct {
	Valid           bool   `json:"valid"`
	Reason          string `json:"reason,omitempty"`
	IsNewActivation bool   `json:"isNewActivation,omitempty"`
}
