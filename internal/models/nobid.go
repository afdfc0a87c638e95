package models

// NoBidReason explains an empty BidResponse. Values are OpenRTB NBR codes.
type NoBidReason int

const (
	NoBidUnknown        NoBidReason = 0
	NoBidTechnicalError NoBidReason = 1
	NoBidInvalidRequest NoBidReason = 2
	// NoBidFraudulent maps to "suspected non-human traffic".
	NoBidFraudulent NoBidReason = 4
)

func (r NoBidReason) String() string {
	switch r {
	case NoBidTechnicalError:
		return "TECHNICAL_ERROR"
	case NoBidInvalidRequest:
		return "INVALID_REQUEST"
	case NoBidFraudulent:
		return "FRAUDULENT"
	default:
		return "UNKNOWN"
	}
}

// Code returns a pointer suitable for BidResponse.NBR.
func (r NoBidReason) Code() *int {
	c := int(r)
	return &c
}
