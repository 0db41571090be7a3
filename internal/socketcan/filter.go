package socketcan

import (
	"errors"

	"github.com/kstaniek/go-cannet/internal/can"
)

// ErrTxOverflow is returned when the kernel transmit queue is full (ENOBUFS).
var ErrTxOverflow = errors.New("socketcan tx overflow")

// rawFilter mirrors struct can_filter.
type rawFilter struct {
	ID   uint32
	Mask uint32
}

// kernelFilters converts acceptance filters to can_filter entries. Extended
// filters also match the EFF flag and reject RTR frames.
func kernelFilters(filters []can.Filter) []rawFilter {
	out := make([]rawFilter, 0, len(filters))
	for _, f := range filters {
		if f.Extended {
			out = append(out, rawFilter{
				ID:   (f.ID & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG,
				Mask: (f.Mask & can.CAN_EFF_MASK) | can.CAN_EFF_FLAG | can.CAN_RTR_FLAG,
			})
			continue
		}
		out = append(out, rawFilter{ID: f.ID & can.CAN_EFF_MASK, Mask: f.Mask & can.CAN_EFF_MASK})
	}
	return out
}
