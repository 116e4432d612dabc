package data

import (
    "encoding/json"
    . "github.com/PelionIoT/servicedir/error"
)

// HLC is a hybrid logical clock sample: wall clock milliseconds plus a
// logical counter that orders events sharing the same millisecond. It is
// the tie-breaker between causally concurrent updates.
type HLC struct {
    physical uint64
    logical uint64
}

func NewHLC(physical uint64, logical uint64) HLC {
    return HLC{
        physical: physical,
        logical: logical,
    }
}

func (hlc HLC) Physical() uint64 {
    return hlc.physical
}

func (hlc HLC) Logical() uint64 {
    return hlc.logical
}

func (hlc HLC) Compare(otherHLC HLC) int {
    if hlc.physical < otherHLC.physical {
        return -1
    }

    if hlc.physical > otherHLC.physical {
        return 1
    }

    if hlc.logical < otherHLC.logical {
        return -1
    }

    if hlc.logical > otherHLC.logical {
        return 1
    }

    return 0
}

// Tick advances the clock for a local event at wall time nowMS. The
// physical component never moves backwards even if the wall clock does.
func (hlc HLC) Tick(nowMS uint64) HLC {
    if nowMS > hlc.physical {
        return NewHLC(nowMS, 0)
    }

    return NewHLC(hlc.physical, hlc.logical + 1)
}

// Witness folds a clock sample received from another node into this one so
// that subsequent local events order after everything already seen.
func (hlc HLC) Witness(otherHLC HLC, nowMS uint64) HLC {
    if nowMS > hlc.physical && nowMS > otherHLC.physical {
        return NewHLC(nowMS, 0)
    }

    if hlc.physical == otherHLC.physical {
        maxLogical := hlc.logical

        if otherHLC.logical > maxLogical {
            maxLogical = otherHLC.logical
        }

        return NewHLC(hlc.physical, maxLogical + 1)
    }

    if hlc.physical > otherHLC.physical {
        return NewHLC(hlc.physical, hlc.logical + 1)
    }

    return NewHLC(otherHLC.physical, otherHLC.logical + 1)
}

func (hlc HLC) MarshalJSON() ([]byte, error) {
    return json.Marshal([2]uint64{ hlc.physical, hlc.logical })
}

func (hlc *HLC) UnmarshalJSON(data []byte) error {
    var tuple []uint64

    if err := json.Unmarshal(data, &tuple); err != nil {
        return err
    }

    if len(tuple) != 2 {
        return EInvalidEntry
    }

    hlc.physical = tuple[0]
    hlc.logical = tuple[1]

    return nil
}
