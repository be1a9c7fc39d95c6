package epoch

import (
	solanarpc "github.com/gagliardetto/solana-go/rpc"
)

// Schedule maps slots to epochs.
type Schedule struct {
	SlotsPerEpoch    uint64
	FirstNormalEpoch uint64
	FirstNormalSlot  uint64
	Warmup           bool
}

func ScheduleFromRPC(res *solanarpc.GetEpochScheduleResult) Schedule {
	return Schedule{
		SlotsPerEpoch:    res.SlotsPerEpoch,
		FirstNormalEpoch: res.FirstNormalEpoch,
		FirstNormalSlot:  res.FirstNormalSlot,
		Warmup:           res.Warmup,
	}
}

// FixedSchedule is the schedule of a cluster started with a custom epoch length and warmup
// disabled.
func FixedSchedule(slotsPerEpoch uint64) Schedule {
	return Schedule{SlotsPerEpoch: slotsPerEpoch}
}

func (s Schedule) EpochForSlot(slot uint64) uint64 {
	epoch, _ := s.locate(slot)
	return epoch
}

// SlotsRemaining returns the number of slots left in slot's epoch, counting slot itself. It is
// epoch_length on the first slot of an epoch and 1 on the last.
func (s Schedule) SlotsRemaining(slot uint64) uint64 {
	epoch, first := s.locate(slot)
	return s.SlotsInEpoch(epoch) - (slot - first)
}

// FirstSlotInEpoch returns the first slot of epoch.
func (s Schedule) FirstSlotInEpoch(epoch uint64) uint64 {
	if !s.Warmup || epoch >= s.FirstNormalEpoch {
		return (epoch-s.FirstNormalEpoch)*s.SlotsPerEpoch + s.FirstNormalSlot
	}
	return (uint64(1)<<epoch - 1) * s.minimumSlotsPerEpoch()
}

func (s Schedule) SlotsInEpoch(epoch uint64) uint64 {
	if !s.Warmup || epoch >= s.FirstNormalEpoch {
		return s.SlotsPerEpoch
	}
	return s.minimumSlotsPerEpoch() << epoch
}

func (s Schedule) minimumSlotsPerEpoch() uint64 {
	if s.FirstNormalEpoch == 0 {
		return s.SlotsPerEpoch
	}
	return s.SlotsPerEpoch >> s.FirstNormalEpoch
}

// locate returns slot's epoch and the first slot of that epoch.
func (s Schedule) locate(slot uint64) (uint64, uint64) {
	if s.SlotsPerEpoch == 0 {
		return 0, 0
	}
	if !s.Warmup || slot >= s.FirstNormalSlot {
		offset := slot - s.FirstNormalSlot
		if slot < s.FirstNormalSlot {
			offset = 0
		}
		epoch := offset/s.SlotsPerEpoch + s.FirstNormalEpoch
		return epoch, s.FirstSlotInEpoch(epoch)
	}

	epoch := uint64(0)
	first := uint64(0)
	slotsInEpoch := s.minimumSlotsPerEpoch()
	for first+slotsInEpoch <= slot {
		first += slotsInEpoch
		epoch++
		slotsInEpoch *= 2
	}
	return epoch, first
}
