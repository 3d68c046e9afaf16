package types

import "strings"

// OwnerKind classifies a port's device_owner for DVR handling. The DVR
// interface owner is special-cased throughout: it represents a virtual
// presence on every host rather than a single location.
type OwnerKind int

const (
	OwnerKindOther OwnerKind = iota
	OwnerKindDVRInterface
	OwnerKindCompute
	OwnerKindCentralizedSNAT
)

func ClassifyDeviceOwner(owner string) OwnerKind {
	switch {
	case owner == DeviceOwnerDVRInterface:
		return OwnerKindDVRInterface
	case owner == DeviceOwnerRouterSNAT:
		return OwnerKindCentralizedSNAT
	case strings.HasPrefix(owner, DeviceOwnerComputePrefix):
		return OwnerKindCompute
	default:
		return OwnerKindOther
	}
}

func (k OwnerKind) String() string {
	switch k {
	case OwnerKindDVRInterface:
		return "dvr-interface"
	case OwnerKindCompute:
		return "compute"
	case OwnerKindCentralizedSNAT:
		return "centralized-snat"
	default:
		return "other"
	}
}
