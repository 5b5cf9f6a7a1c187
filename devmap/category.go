package devmap

import (
	"strconv"
	"strings"
)

// Device type names as reported in the cloud device lists.
const (
	TypeSolarbank    = "solarbank"
	TypeCombinerBox  = "combiner_box"
	TypeInverter     = "inverter"
	TypeSmartmeter   = "smartmeter"
	TypeSmartplug    = "smartplug"
	TypePps          = "pps"
	TypePowerpanel   = "powerpanel"
	TypePowercooler  = "powercooler"
	TypeHes          = "hes"
	TypeSolarbankPps = "solarbank_pps"
	TypeCharger      = "charger"
	TypePowerbank    = "powerbank"
	TypeEvCharger    = "ev_charger"
)

// categories maps product number to device type, optionally suffixed with
// "_N" for the hardware generation.
var categories = map[string]string{
	"A17C0": TypeSolarbank + "_1",
	"A17C1": TypeSolarbank + "_2",
	"A17C2": TypeSolarbank + "_2",
	"A17C3": TypeSolarbank + "_2",
	"A17C5": TypeSolarbank + "_3",
	"AE100": TypeCombinerBox,
	"A5140": TypeInverter,
	"A5143": TypeInverter,
	"A17X7": TypeSmartmeter,
	"A17X7US": TypeSmartmeter,
	"AE1R0": TypeSmartmeter,
	"SHEM3": TypeSmartmeter,
	"SHEMP3": TypeSmartmeter,
	"A17X8": TypeSmartplug,
	"SHPPS": TypeSmartplug,
	"A1720": TypePps,
	"A1722": TypePps,
	"A1723": TypePps,
	"A1725": TypePps,
	"A1726": TypePps,
	"A1727": TypePps,
	"A1728": TypePps,
	"A1729": TypePps,
	"A1751": TypePps,
	"A1753": TypePps,
	"A1754": TypePps,
	"A1755": TypePps,
	"A1760": TypePps,
	"A1761": TypePps,
	"A1762": TypePps,
	"A1763": TypePps,
	"A1765": TypePps,
	"AS100": TypePps,
	"A1770": TypePps,
	"A1771": TypePps,
	"A1772": TypePps,
	"A1780": TypePps,
	"A1780P": TypePps,
	"A1781": TypePps,
	"A1782": TypeSolarbankPps,
	"A1783": TypeSolarbankPps,
	"A1785": TypeSolarbankPps,
	"A17E1": TypeSolarbankPps,
	"A1790": TypePps,
	"A1790P": TypePps,
	"A17B1": TypePowerpanel,
	"A5101": TypeHes,
	"A5102": TypeHes,
	"A5103": TypeHes,
	"A5150": TypeHes,
	"A5220": TypeHes,
	"A5341": TypeHes,
	"A5450": TypeHes,
	"AX1S0": TypeHes,
	"A17A0": TypePowercooler,
	"A17A1": TypePowercooler,
	"A17A2": TypePowercooler,
	"A17A3": TypePowercooler,
	"A17A4": TypePowercooler,
	"A17A5": TypePowercooler,
	"A1903": TypeCharger,
	"A2345": TypeCharger,
	"A2687": TypeCharger,
	"A25X7": TypeCharger,
	"A91B2": TypeCharger,
	"A110A": TypePowerbank,
	"A110B": TypePowerbank,
	"A110G": TypePowerbank,
	"A1341": TypePowerbank,
	"AX170": TypePowerbank,
	"A5191": TypeEvCharger,
}

// Category returns the device type and hardware generation (0 when the
// mapping does not carry one) for a product number.
func Category(pn string) (string, int, bool) {
	mapped, ok := categories[pn]
	if !ok {
		return "", 0, false
	}
	if i := strings.LastIndexByte(mapped, '_'); i >= 0 {
		if gen, err := strconv.Atoi(mapped[i+1:]); err == nil {
			return mapped[:i], gen, true
		}
	}
	return mapped, 0, true
}
